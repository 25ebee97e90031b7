// Package generate serves the flashcard generation endpoint: admission,
// input checks, identity, quota, generation, and billing, in that order.
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/HanTheDev/lernkarte-api/internal/auth"
	"github.com/HanTheDev/lernkarte-api/internal/events"
	"github.com/HanTheDev/lernkarte-api/internal/generator"
	"github.com/HanTheDev/lernkarte-api/internal/httpx"
	"github.com/HanTheDev/lernkarte-api/internal/models"
	"github.com/HanTheDev/lernkarte-api/internal/quota"
	"github.com/HanTheDev/lernkarte-api/internal/ratelimit"
)

const (
	msgRateLimited      = "Rate limit exceeded. Please wait a moment before generating more flashcards."
	msgInvalidRequest   = "Invalid request"
	msgTooLarge         = "Request body too large"
	msgTextRequired     = "Text is required"
	msgUnauthorized     = "Unauthorized"
	msgUpstreamThrottle = "Too many requests. Please wait a moment and try again."
	msgProviderQuota    = "API quota exceeded. Please try again in a few minutes."
	msgInternal         = "Internal server error"
)

type Generator interface {
	Generate(ctx context.Context, sourceText string) (generator.Result, error)
}

type Handler struct {
	limiter   ratelimit.Limiter
	clientKey ratelimit.KeyFunc
	ledger    *quota.Ledger
	generator Generator
	publisher events.Publisher
}

func NewHandler(limiter ratelimit.Limiter, clientKey ratelimit.KeyFunc, ledger *quota.Ledger, gen Generator, publisher events.Publisher) *Handler {
	if clientKey == nil {
		clientKey = ratelimit.ClientKey(nil)
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Handler{
		limiter:   limiter,
		clientKey: clientKey,
		ledger:    ledger,
		generator: gen,
		publisher: publisher,
	}
}

// RegisterRoutes mounts the endpoints. Identity is optional at the router
// level; the handlers decide when it is required so that admission and input
// checks come first.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.Handle("/api/generate", h).Methods("POST")
	router.HandleFunc("/api/quota", h.Quota).Methods("GET")
}

type generateRequest struct {
	Text string `json:"text"`
	// Quota is the caller's cached copy of its allowance. It is only compared
	// against the ledger, never used to admit.
	Quota *quota.Snapshot `json:"quota,omitempty"`
}

type quotaExhaustedResponse struct {
	Error           string `json:"error"`
	UpgradeRequired bool   `json:"upgradeRequired"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	clientKey := h.clientKey(r)

	allowed, err := h.limiter.Allow(r.Context(), clientKey)
	if err != nil {
		log.Printf("⚠️  Rate limit check failed for %s, admitting: %v", clientKey, err)
		allowed = true
	}
	if !allowed {
		log.Printf("🚫 Rate limit exceeded for client: %s", clientKey)
		httpx.WriteError(w, http.StatusTooManyRequests, msgRateLimited)
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if httpx.BodyTooLarge(err) {
			httpx.WriteError(w, http.StatusRequestEntityTooLarge, msgTooLarge)
			return
		}
		httpx.WriteError(w, http.StatusBadRequest, msgInvalidRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		httpx.WriteError(w, http.StatusBadRequest, msgTextRequired)
		return
	}

	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, msgUnauthorized)
		return
	}
	userID := claims.UserID()

	reservation, before, err := h.ledger.Reserve(r.Context(), userID)
	if errors.Is(err, quota.ErrQuotaExhausted) {
		log.Printf("🚫 Generation limit reached for %s (tier %s)", userID, before.Tier)
		httpx.WriteJSON(w, http.StatusPaymentRequired, quotaExhaustedResponse{
			Error:           exhaustedMessage(before.Paid(), h.ledger.Limits().Paid),
			UpgradeRequired: !before.Paid(),
		})
		return
	}
	if err != nil {
		log.Printf("❌ Quota reservation failed for %s: %v", userID, err)
		httpx.WriteError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	// before already has the reserved unit taken; add it back so the
	// comparison is against what the client should have cached.
	cached := before
	cached.Remaining++
	if _, drift := quota.Reconcile(req.Quota, cached); drift {
		log.Printf("🔁 Client quota for %s drifted from ledger (client %+v, ledger %d/%s)", userID, *req.Quota, cached.Remaining, cached.Tier)
	}

	log.Printf("📨 Generation request from %s (%d chars)", userID, len(req.Text))

	result, err := h.generator.Generate(r.Context(), req.Text)
	if err != nil {
		h.release(reservation)
		h.writeGenerationError(w, userID, err)
		return
	}

	var after quota.Record
	if result.Degraded {
		log.Printf("⚠️  Degraded generation for %s, not billing: %v", userID, result.Reason)
		after, err = h.ledger.Release(r.Context(), reservation)
	} else {
		after, err = h.ledger.Settle(r.Context(), reservation, len(result.Flashcards))
	}
	if err != nil {
		log.Printf("❌ Failed to settle quota for %s: %v", userID, err)
		httpx.WriteError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	h.publishGenerated(r.Context(), after, result)

	log.Printf("✅ Generated %d flashcards for %s in %dms (%d remaining)",
		len(result.Flashcards), userID, time.Since(startTime).Milliseconds(), after.Remaining)

	httpx.WriteJSON(w, http.StatusOK, models.GenerationResult{
		Flashcards:        result.Flashcards,
		RemainingAttempts: after.Remaining,
		PaidTier:          after.Paid(),
		Message:           successMessage(after),
		Degraded:          result.Degraded,
	})
}

// Quota returns the caller's authoritative allowance so clients can reset
// their cached copy, for example after switching accounts.
func (h *Handler) Quota(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, msgUnauthorized)
		return
	}

	rec, err := h.ledger.GetOrInit(r.Context(), claims.UserID())
	if err != nil {
		log.Printf("❌ Quota lookup failed for %s: %v", claims.UserID(), err)
		httpx.WriteError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, rec.Snapshot())
}

func (h *Handler) writeGenerationError(w http.ResponseWriter, userID string, err error) {
	switch {
	case errors.Is(err, generator.ErrUpstreamThrottled):
		log.Printf("🚫 Provider throttled generation for %s: %v", userID, err)
		httpx.WriteError(w, http.StatusTooManyRequests, msgUpstreamThrottle)
	case errors.Is(err, generator.ErrProviderQuotaExceeded):
		log.Printf("🚫 Provider quota exhausted for %s: %v", userID, err)
		httpx.WriteError(w, http.StatusServiceUnavailable, msgProviderQuota)
	default:
		log.Printf("❌ Generation failed for %s: %v", userID, err)
		httpx.WriteError(w, http.StatusInternalServerError, msgInternal)
	}
}

// release runs on a fresh context so a caller hanging up mid-request still
// gets its unit back.
func (h *Handler) release(res quota.Reservation) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.ledger.Release(ctx, res); err != nil {
		log.Printf("❌ Failed to release quota reservation for %s: %v", res.UserID, err)
	}
}

func (h *Handler) publishGenerated(ctx context.Context, rec quota.Record, result generator.Result) {
	payload, err := json.Marshal(events.FlashcardsGenerated{
		UserID:     rec.UserID,
		Cards:      len(result.Flashcards),
		Degraded:   result.Degraded,
		Cached:     result.Cached,
		PaidTier:   rec.Paid(),
		Remaining:  rec.Remaining,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("⚠️  Failed to encode generation event: %v", err)
		return
	}
	if err := h.publisher.Publish(ctx, events.TypeFlashcardsGenerated, payload, rec.UserID); err != nil {
		log.Printf("⚠️  Failed to publish generation event: %v", err)
	}
}

func exhaustedMessage(paid bool, paidLimit int) string {
	if paid {
		return fmt.Sprintf("Generation limit reached. You have used all %d flashcards. Please renew your subscription.", paidLimit)
	}
	return "Generation limit reached. Please upgrade to generate more flashcards."
}

func successMessage(rec quota.Record) string {
	unit := "attempts"
	if rec.Paid() {
		unit = "flashcards"
	}
	return fmt.Sprintf("Flashcards generated! %d %s remaining.", rec.Remaining, unit)
}
