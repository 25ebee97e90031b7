// Package generator turns study text into flashcards through an external
// generative model.
//
// A provider failure that is not a throttling or quota condition never
// reaches the caller as an error. Generate returns a Result tagged Degraded
// with the cause in Reason and a fixed pair of fallback cards, so the caller
// always has something to render and tests can assert on why.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/HanTheDev/lernkarte-api/internal/models"
)

var (
	ErrMalformedResponse     = errors.New("malformed provider response")
	ErrUpstreamThrottled     = errors.New("provider throttled the request")
	ErrProviderQuotaExceeded = errors.New("provider quota exceeded")
)

type Provider interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Cache is an optional exact-match store of earlier generations.
type Cache interface {
	Get(ctx context.Context, sourceText string) ([]models.Flashcard, bool, error)
	Set(ctx context.Context, sourceText string, cards []models.Flashcard) error
}

type Options struct {
	MaxCards int
	Timeout  time.Duration
	// Throttle delays every provider call by a fixed amount.
	Throttle time.Duration
}

type Result struct {
	Flashcards []models.Flashcard
	// Dropped counts parsed cards rejected for missing or non-text sides.
	Dropped  int
	Cached   bool
	Degraded bool
	Reason   error
}

type Generator struct {
	provider Provider
	cache    Cache
	opts     Options
}

func New(provider Provider, cache Cache, opts Options) *Generator {
	if opts.MaxCards <= 0 {
		opts.MaxCards = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Generator{provider: provider, cache: cache, opts: opts}
}

// Generate returns an error only for ErrUpstreamThrottled and
// ErrProviderQuotaExceeded, or when ctx is cancelled during the throttle.
func (g *Generator) Generate(ctx context.Context, sourceText string) (Result, error) {
	if g.cache != nil {
		cards, hit, err := g.cache.Get(ctx, sourceText)
		if err != nil {
			log.Printf("⚠️  Generation cache lookup failed: %v", err)
		} else if hit && len(cards) > 0 {
			log.Printf("🎯 Generation cache hit (%d cards)", len(cards))
			return Result{Flashcards: cards, Cached: true}, nil
		}
	}

	log.Printf("🧠 Generating flashcards for: %s...", truncate(sourceText, 100))

	if g.opts.Throttle > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(g.opts.Throttle):
		}
	}

	cards, dropped, err := g.invoke(ctx, sourceText)
	if err != nil {
		if classified := classify(err); classified != nil {
			log.Printf("❌ Provider refused generation: %v", err)
			return Result{}, classified
		}
		log.Printf("⚠️  Returning fallback flashcards: %v", err)
		return Result{Flashcards: fallback(sourceText), Degraded: true, Reason: err}, nil
	}

	log.Printf("✅ Generated %d valid flashcards (%d dropped)", len(cards), dropped)

	if g.cache != nil {
		if err := g.cache.Set(ctx, sourceText, cards); err != nil {
			log.Printf("⚠️  Failed to cache generation: %v", err)
		}
	}

	return Result{Flashcards: cards, Dropped: dropped}, nil
}

func (g *Generator) invoke(ctx context.Context, sourceText string) ([]models.Flashcard, int, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	raw, err := g.provider.Complete(callCtx, BuildPrompt(sourceText, g.opts.MaxCards))
	if err != nil {
		return nil, 0, err
	}
	log.Printf("Raw provider response: %s", raw)

	cleaned := CleanResponse(raw)
	log.Printf("Cleaned provider response: %s", cleaned)

	cards, dropped, err := ParseFlashcards(cleaned)
	if err != nil {
		return nil, 0, err
	}
	if len(cards) == 0 {
		return nil, dropped, fmt.Errorf("%w: no usable flashcards", ErrMalformedResponse)
	}
	if len(cards) > g.opts.MaxCards {
		cards = cards[:g.opts.MaxCards]
	}
	return cards, dropped, nil
}

// classify picks out the provider conditions the caller must hear about.
// Everything else is recovered with the fallback.
func classify(err error) error {
	if errors.Is(err, ErrMalformedResponse) {
		return nil
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "quota exceeded") || strings.Contains(msg, "exceeded your current quota") {
		return fmt.Errorf("%w: %v", ErrProviderQuotaExceeded, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 429 {
		return fmt.Errorf("%w: %v", ErrUpstreamThrottled, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == 429 {
		return fmt.Errorf("%w: %v", ErrUpstreamThrottled, err)
	}
	if strings.Contains(msg, "429") {
		return fmt.Errorf("%w: %v", ErrUpstreamThrottled, err)
	}

	return nil
}

func fallback(sourceText string) []models.Flashcard {
	return []models.Flashcard{
		{
			Front: "Sample Question about " + truncate(sourceText, 50) + "...",
			Back:  "This is a fallback flashcard. The AI service is temporarily unavailable. Please try again later.",
		},
		{
			Front: "What should you do if flashcard generation fails?",
			Back:  "Wait a few minutes and try again. The service may be experiencing high demand or rate limits.",
		},
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
