package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	ServerPort  string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string

	// TrustedProxies lists the CIDRs or addresses whose forwarding headers
	// are believed when keying the rate limiter.
	TrustedProxies  []string
	MaxRequestBytes int64

	StoreBackend     string
	RateLimitBackend string
	RateLimitWindow  time.Duration
	RateLimitMax     int
	RateLimitIdleTTL time.Duration

	FreeLimit int
	PaidLimit int

	AIAPIKey      string
	AIBaseURL     string
	AIModel       string
	AITimeout     time.Duration
	AIThrottle    time.Duration
	MaxFlashcards int

	GenerationCacheTTL time.Duration

	PaymentKeyID         string
	PaymentKeySecret     string
	PaymentAPIURL        string
	PaymentCurrency      string
	PaymentDefaultAmount int64

	KafkaBrokers        []string
	KafkaTopicGenerated string
	KafkaTopicUpgraded  string

	StorageRetryAttempts int
	StorageRetryBase     time.Duration
}

// fileConfig is the optional YAML overlay. Secrets are env-only.
type fileConfig struct {
	Server struct {
		Port            string   `yaml:"port"`
		TrustedProxies  []string `yaml:"trusted_proxies"`
		MaxRequestBytes int64    `yaml:"max_request_bytes"`
	} `yaml:"server"`
	Stores struct {
		Quota     string `yaml:"quota"`
		RateLimit string `yaml:"rate_limit"`
	} `yaml:"stores"`
	RateLimit struct {
		Window  string `yaml:"window"`
		Max     int    `yaml:"max"`
		IdleTTL string `yaml:"idle_ttl"`
	} `yaml:"rate_limit"`
	Quota struct {
		Free int `yaml:"free"`
		Paid int `yaml:"paid"`
	} `yaml:"quota"`
	AI struct {
		BaseURL       string `yaml:"base_url"`
		Model         string `yaml:"model"`
		Timeout       string `yaml:"timeout"`
		Throttle      string `yaml:"throttle"`
		MaxFlashcards int    `yaml:"max_flashcards"`
		CacheTTL      string `yaml:"cache_ttl"`
	} `yaml:"ai"`
	Payment struct {
		APIURL        string `yaml:"api_url"`
		Currency      string `yaml:"currency"`
		DefaultAmount int64  `yaml:"default_amount"`
	} `yaml:"payment"`
	Kafka struct {
		Brokers        []string `yaml:"brokers"`
		TopicGenerated string   `yaml:"topic_generated"`
		TopicUpgraded  string   `yaml:"topic_upgraded"`
	} `yaml:"kafka"`
}

func Load() (*Config, error) {
	godotenv.Load()

	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.ServerPort = getEnv("SERVER_PORT", cfg.ServerPort)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.TrustedProxies = getEnvCSV("TRUSTED_PROXIES", cfg.TrustedProxies)

	cfg.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", cfg.StoreBackend))
	cfg.RateLimitBackend = strings.ToLower(getEnv("RATE_LIMIT_BACKEND", cfg.RateLimitBackend))

	var err error
	maxRequestBytes, err := getEnvInt("MAX_REQUEST_BYTES", int(cfg.MaxRequestBytes))
	if err != nil {
		return nil, err
	}
	cfg.MaxRequestBytes = int64(maxRequestBytes)

	if cfg.RateLimitWindow, err = getEnvDuration("RATE_LIMIT_WINDOW", cfg.RateLimitWindow); err != nil {
		return nil, err
	}
	if cfg.RateLimitMax, err = getEnvInt("RATE_LIMIT_MAX", cfg.RateLimitMax); err != nil {
		return nil, err
	}
	if cfg.RateLimitIdleTTL, err = getEnvDuration("RATE_LIMIT_IDLE_TTL", cfg.RateLimitIdleTTL); err != nil {
		return nil, err
	}
	if cfg.FreeLimit, err = getEnvInt("FREE_LIMIT", cfg.FreeLimit); err != nil {
		return nil, err
	}
	if cfg.PaidLimit, err = getEnvInt("PAID_LIMIT", cfg.PaidLimit); err != nil {
		return nil, err
	}

	cfg.AIAPIKey = getEnv("AI_API_KEY", cfg.AIAPIKey)
	cfg.AIBaseURL = getEnv("AI_BASE_URL", cfg.AIBaseURL)
	cfg.AIModel = getEnv("AI_MODEL", cfg.AIModel)
	if cfg.AITimeout, err = getEnvDuration("AI_TIMEOUT", cfg.AITimeout); err != nil {
		return nil, err
	}
	if cfg.AIThrottle, err = getEnvDuration("AI_THROTTLE", cfg.AIThrottle); err != nil {
		return nil, err
	}
	if cfg.MaxFlashcards, err = getEnvInt("MAX_FLASHCARDS", cfg.MaxFlashcards); err != nil {
		return nil, err
	}
	if cfg.GenerationCacheTTL, err = getEnvDuration("GENERATION_CACHE_TTL", cfg.GenerationCacheTTL); err != nil {
		return nil, err
	}

	cfg.PaymentKeyID = getEnv("PAYMENT_KEY_ID", cfg.PaymentKeyID)
	cfg.PaymentKeySecret = getEnv("PAYMENT_KEY_SECRET", cfg.PaymentKeySecret)
	cfg.PaymentAPIURL = getEnv("PAYMENT_API_URL", cfg.PaymentAPIURL)
	cfg.PaymentCurrency = getEnv("PAYMENT_CURRENCY", cfg.PaymentCurrency)
	amount, err := getEnvInt("PAYMENT_DEFAULT_AMOUNT", int(cfg.PaymentDefaultAmount))
	if err != nil {
		return nil, err
	}
	cfg.PaymentDefaultAmount = int64(amount)

	cfg.KafkaBrokers = getEnvCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaTopicGenerated = getEnv("KAFKA_TOPIC_GENERATED", cfg.KafkaTopicGenerated)
	cfg.KafkaTopicUpgraded = getEnv("KAFKA_TOPIC_UPGRADED", cfg.KafkaTopicUpgraded)

	if cfg.StorageRetryAttempts, err = getEnvInt("STORAGE_RETRY_ATTEMPTS", cfg.StorageRetryAttempts); err != nil {
		return nil, err
	}
	if cfg.StorageRetryBase, err = getEnvDuration("STORAGE_RETRY_BASE", cfg.StorageRetryBase); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ServerPort:           "8080",
		MaxRequestBytes:      1 << 20,
		RedisURL:             "redis://localhost:6379",
		StoreBackend:         BackendMemory,
		RateLimitBackend:     BackendMemory,
		RateLimitWindow:      60 * time.Second,
		RateLimitMax:         2,
		RateLimitIdleTTL:     10 * time.Minute,
		FreeLimit:            3,
		PaidLimit:            1000,
		AIBaseURL:            "https://generativelanguage.googleapis.com/v1beta/openai/",
		AIModel:              "gemini-2.5-flash-lite",
		AITimeout:            60 * time.Second,
		AIThrottle:           time.Second,
		MaxFlashcards:        10,
		GenerationCacheTTL:   24 * time.Hour,
		PaymentAPIURL:        "https://api.razorpay.com/v1",
		PaymentCurrency:      "INR",
		PaymentDefaultAmount: 50000,
		KafkaTopicGenerated:  "flashcards.generated",
		KafkaTopicUpgraded:   "quota.upgraded",
		StorageRetryAttempts: 3,
		StorageRetryBase:     time.Second,
	}
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var f fileConfig
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if f.Server.Port != "" {
		c.ServerPort = f.Server.Port
	}
	if len(f.Server.TrustedProxies) > 0 {
		c.TrustedProxies = f.Server.TrustedProxies
	}
	if f.Server.MaxRequestBytes > 0 {
		c.MaxRequestBytes = f.Server.MaxRequestBytes
	}
	if f.Stores.Quota != "" {
		c.StoreBackend = f.Stores.Quota
	}
	if f.Stores.RateLimit != "" {
		c.RateLimitBackend = f.Stores.RateLimit
	}
	if f.RateLimit.Max > 0 {
		c.RateLimitMax = f.RateLimit.Max
	}
	if f.Quota.Free > 0 {
		c.FreeLimit = f.Quota.Free
	}
	if f.Quota.Paid > 0 {
		c.PaidLimit = f.Quota.Paid
	}
	if f.AI.BaseURL != "" {
		c.AIBaseURL = f.AI.BaseURL
	}
	if f.AI.Model != "" {
		c.AIModel = f.AI.Model
	}
	if f.AI.MaxFlashcards > 0 {
		c.MaxFlashcards = f.AI.MaxFlashcards
	}
	if f.Payment.APIURL != "" {
		c.PaymentAPIURL = f.Payment.APIURL
	}
	if f.Payment.Currency != "" {
		c.PaymentCurrency = f.Payment.Currency
	}
	if f.Payment.DefaultAmount > 0 {
		c.PaymentDefaultAmount = f.Payment.DefaultAmount
	}
	if len(f.Kafka.Brokers) > 0 {
		c.KafkaBrokers = f.Kafka.Brokers
	}
	if f.Kafka.TopicGenerated != "" {
		c.KafkaTopicGenerated = f.Kafka.TopicGenerated
	}
	if f.Kafka.TopicUpgraded != "" {
		c.KafkaTopicUpgraded = f.Kafka.TopicUpgraded
	}

	durations := []struct {
		raw string
		dst *time.Duration
	}{
		{f.RateLimit.Window, &c.RateLimitWindow},
		{f.RateLimit.IdleTTL, &c.RateLimitIdleTTL},
		{f.AI.Timeout, &c.AITimeout},
		{f.AI.Throttle, &c.AIThrottle},
		{f.AI.CacheTTL, &c.GenerationCacheTTL},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse config file duration %q: %w", d.raw, err)
		}
		*d.dst = parsed
	}

	return nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.PaymentKeyID != "" && c.PaymentKeySecret == "" {
		errs = append(errs, errors.New("PAYMENT_KEY_SECRET is required when PAYMENT_KEY_ID is set"))
	}
	if c.RateLimitWindow <= 0 || c.RateLimitMax <= 0 {
		errs = append(errs, errors.New("rate limit window and max must be positive"))
	}
	if c.FreeLimit <= 0 || c.PaidLimit <= 0 {
		errs = append(errs, errors.New("free and paid limits must be positive"))
	}
	if c.MaxFlashcards <= 0 {
		errs = append(errs, errors.New("MAX_FLASHCARDS must be positive"))
	}
	if c.MaxRequestBytes <= 0 {
		errs = append(errs, errors.New("MAX_REQUEST_BYTES must be positive"))
	}
	for _, proxy := range c.TrustedProxies {
		if !validProxy(proxy) {
			errs = append(errs, fmt.Errorf("invalid TRUSTED_PROXIES entry %q", proxy))
		}
	}
	if c.StorageRetryAttempts <= 0 {
		errs = append(errs, errors.New("STORAGE_RETRY_ATTEMPTS must be positive"))
	}

	switch c.StoreBackend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	switch c.RateLimitBackend {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimitBackend))
	}

	return errors.Join(errs...)
}

func validProxy(entry string) bool {
	if _, err := netip.ParsePrefix(entry); err == nil {
		return true
	}
	_, err := netip.ParseAddr(entry)
	return err == nil
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getEnvCSV(key string, defaultVal []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
