package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/HanTheDev/lernkarte-api/internal/auth"
	"github.com/HanTheDev/lernkarte-api/internal/cache"
	"github.com/HanTheDev/lernkarte-api/internal/config"
	"github.com/HanTheDev/lernkarte-api/internal/db"
	"github.com/HanTheDev/lernkarte-api/internal/events"
	"github.com/HanTheDev/lernkarte-api/internal/generate"
	"github.com/HanTheDev/lernkarte-api/internal/generator"
	"github.com/HanTheDev/lernkarte-api/internal/httpx"
	"github.com/HanTheDev/lernkarte-api/internal/library"
	"github.com/HanTheDev/lernkarte-api/internal/payment"
	"github.com/HanTheDev/lernkarte-api/internal/quota"
	"github.com/HanTheDev/lernkarte-api/internal/ratelimit"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	var database *db.DB
	if cfg.DatabaseURL != "" {
		database, err = db.NewDB(ctx, cfg.DatabaseURL, db.RetryPolicy{
			Attempts: cfg.StorageRetryAttempts,
			Base:     cfg.StorageRetryBase,
		})
		if err != nil {
			log.Fatal("Failed to connect to database:", err)
		}
		defer database.Close()

		if err := database.Migrate(ctx); err != nil {
			log.Fatal("Failed to migrate database:", err)
		}
	} else {
		log.Printf("⚠️  DATABASE_URL not set, flashcard set storage is disabled")
	}

	// Redis is shared by every backend that needs it. The generation cache
	// alone is optional and is dropped when Redis is unreachable.
	var redisClient *redis.Client
	if requiresRedis(cfg) || cfg.GenerationCacheTTL > 0 {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal("Invalid REDIS_URL:", err)
		}
		redisClient = redis.NewClient(opts)

		if err := redisClient.Ping(ctx).Err(); err != nil {
			if requiresRedis(cfg) {
				log.Fatal("Failed to connect to redis:", err)
			}
			log.Printf("⚠️  Redis unavailable, generation cache disabled: %v", err)
			redisClient.Close()
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	// Initialize rate limiter
	trustedProxies, err := ratelimit.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatal("Invalid TRUSTED_PROXIES:", err)
	}
	limiterOpts := ratelimit.Options{Window: cfg.RateLimitWindow, MaxRequests: cfg.RateLimitMax}
	var limiter ratelimit.Limiter
	switch cfg.RateLimitBackend {
	case config.BackendRedis:
		limiter = ratelimit.NewRedisLimiter(redisClient, limiterOpts, nil)
	default:
		memLimiter := ratelimit.NewMemoryLimiter(limiterOpts, cfg.RateLimitIdleTTL, nil)
		g.Go(func() error {
			return memLimiter.Run(ctx, cfg.RateLimitWindow)
		})
		limiter = memLimiter
	}

	// Initialize quota ledger
	var store quota.Store
	switch cfg.StoreBackend {
	case config.BackendRedis:
		store = quota.NewRedisStore(redisClient)
	case config.BackendPostgres:
		store = quota.NewPostgresStore(database.Pool)
	default:
		store = quota.NewMemoryStore()
	}
	ledger := quota.NewLedger(store, quota.Limits{Free: cfg.FreeLimit, Paid: cfg.PaidLimit})

	// Initialize generator
	var generationCache generator.Cache
	if redisClient != nil && cfg.GenerationCacheTTL > 0 {
		generationCache = cache.NewGenerationCache(redisClient, cfg.GenerationCacheTTL)
	}
	if cfg.AIAPIKey == "" {
		log.Printf("⚠️  AI_API_KEY not set, every generation will use the fallback flashcards")
	}
	gen := generator.New(
		generator.NewOpenAIProvider(cfg.AIAPIKey, cfg.AIBaseURL, cfg.AIModel),
		generationCache,
		generator.Options{MaxCards: cfg.MaxFlashcards, Timeout: cfg.AITimeout, Throttle: cfg.AIThrottle},
	)

	// Initialize event publisher
	var publisher events.Publisher = events.NoopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, map[string]string{
			events.TypeFlashcardsGenerated: cfg.KafkaTopicGenerated,
			events.TypeQuotaUpgraded:       cfg.KafkaTopicUpgraded,
		})
		if err != nil {
			log.Fatal("Failed to initialize event publisher:", err)
		}
		publisher = kafkaPublisher
	}
	defer publisher.Close()

	// Initialize router
	router := mux.NewRouter()
	router.Use(httpx.RequestID, httpx.AccessLog, httpx.Recover, httpx.LimitBody(cfg.MaxRequestBytes))

	// Auth middleware
	authMiddleware := auth.NewMiddleware(cfg.JWTSecret)

	// Public routes
	router.HandleFunc("/health", healthHandler(database)).Methods("GET")

	// Generation checks admission and input before identity, and payment
	// verification answers anonymous callers in its own response shape
	identified := router.NewRoute().Subrouter()
	identified.Use(authMiddleware.Identify)
	generate.NewHandler(limiter, ratelimit.ClientKey(trustedProxies), ledger, gen, publisher).RegisterRoutes(identified)

	// Protected routes
	protected := router.NewRoute().Subrouter()
	protected.Use(authMiddleware.Authenticate)

	if cfg.PaymentKeySecret != "" {
		paymentHandler := payment.NewHandler(
			payment.NewVerifier(cfg.PaymentKeySecret),
			payment.NewOrderClient(cfg.PaymentAPIURL, cfg.PaymentKeyID, cfg.PaymentKeySecret, cfg.PaymentCurrency),
			ledger,
			publisher,
			cfg.PaymentDefaultAmount,
		)
		paymentHandler.RegisterRoutes(identified)
	} else {
		log.Printf("⚠️  PAYMENT_KEY_SECRET not set, payment routes are disabled")
	}

	if database != nil {
		library.NewHandler(database).RegisterRoutes(protected)
	}

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Generation can wait out the throttle plus the provider timeout
		WriteTimeout: cfg.AIThrottle + cfg.AITimeout + 15*time.Second,
	}

	g.Go(func() error {
		log.Printf("🚀 Server starting on port %s", cfg.ServerPort)
		log.Printf("Generation API available at /api/generate")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Printf("🛑 Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("Server failed:", err)
	}
	log.Printf("👋 Server stopped")
}

func requiresRedis(cfg *config.Config) bool {
	return cfg.RateLimitBackend == config.BackendRedis || cfg.StoreBackend == config.BackendRedis
}

func healthHandler(database *db.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{
			"status":   "healthy",
			"version":  "1.0.0",
			"database": "disabled",
		}

		if database != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			if err := database.Ping(ctx); err != nil {
				log.Printf("❌ Health check failed: %v", err)
				status["status"] = "unhealthy"
				status["database"] = "unreachable"
				httpx.WriteJSON(w, http.StatusServiceUnavailable, status)
				return
			}
			status["database"] = "ok"
		}

		httpx.WriteJSON(w, http.StatusOK, status)
	}
}
