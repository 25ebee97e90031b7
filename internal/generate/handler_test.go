package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/lernkarte-api/internal/auth"
	"github.com/HanTheDev/lernkarte-api/internal/events"
	"github.com/HanTheDev/lernkarte-api/internal/generator"
	"github.com/HanTheDev/lernkarte-api/internal/httpx"
	"github.com/HanTheDev/lernkarte-api/internal/models"
	"github.com/HanTheDev/lernkarte-api/internal/quota"
	"github.com/HanTheDev/lernkarte-api/internal/ratelimit"
)

type stubGenerator struct {
	result generator.Result
	err    error
	calls  int
}

func (g *stubGenerator) Generate(context.Context, string) (generator.Result, error) {
	g.calls++
	return g.result, g.err
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

type recordingPublisher struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (p *recordingPublisher) Publish(_ context.Context, eventType string, payload []byte, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if eventType == events.TypeFlashcardsGenerated {
		p.payloads = append(p.payloads, payload)
	}
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type provider struct {
	reply string
	err   error
}

func (p provider) Complete(context.Context, string) (string, error) {
	return p.reply, p.err
}

func cards(n int) []models.Flashcard {
	out := make([]models.Flashcard, n)
	for i := range out {
		out[i] = models.Flashcard{Front: fmt.Sprintf("Q%d", i+1), Back: fmt.Sprintf("A%d", i+1)}
	}
	return out
}

type fixture struct {
	router    *mux.Router
	ledger    *quota.Ledger
	publisher *recordingPublisher
}

func newFixture(limiter ratelimit.Limiter, gen Generator) *fixture {
	if limiter == nil {
		limiter = ratelimit.NewMemoryLimiter(ratelimit.Options{Window: time.Minute, MaxRequests: 1000}, 0, nil)
	}
	ledger := quota.NewLedger(quota.NewMemoryStore(), quota.Limits{Free: 3, Paid: 1000})
	publisher := &recordingPublisher{}

	router := mux.NewRouter()
	router.Use(httpx.LimitBody(4096))
	NewHandler(limiter, nil, ledger, gen, publisher).RegisterRoutes(router)

	return &fixture{router: router, ledger: ledger, publisher: publisher}
}

func (f *fixture) post(t *testing.T, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, http.MethodPost, "/api/generate", userID, body)
}

func (f *fixture) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-Real-IP", "203.0.113.7")
	if userID != "" {
		claims := &auth.Claims{}
		claims.Subject = userID
		req = req.WithContext(auth.WithUser(req.Context(), claims))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) models.GenerationResult {
	t.Helper()
	var res models.GenerationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestGenerate_Rejections(t *testing.T) {
	tt := []struct {
		desc       string
		userID     string
		body       string
		wantStatus int
		wantError  string
	}{
		{desc: "blank text", userID: "u1", body: `{"text":"   "}`, wantStatus: http.StatusBadRequest, wantError: msgTextRequired},
		{desc: "missing text", userID: "u1", body: `{}`, wantStatus: http.StatusBadRequest, wantError: msgTextRequired},
		{desc: "malformed body", userID: "u1", body: `{"text":`, wantStatus: http.StatusBadRequest, wantError: msgInvalidRequest},
		{desc: "anonymous caller", body: `{"text":"cells"}`, wantStatus: http.StatusUnauthorized, wantError: msgUnauthorized},
		{desc: "anonymous caller with blank text is an input error first", body: `{"text":""}`, wantStatus: http.StatusBadRequest, wantError: msgTextRequired},
	}

	for _, ts := range tt {
		t.Run(ts.desc, func(t *testing.T) {
			gen := &stubGenerator{result: generator.Result{Flashcards: cards(3)}}
			f := newFixture(nil, gen)

			rec := f.post(t, ts.userID, ts.body)
			assert.Equal(t, ts.wantStatus, rec.Code)
			assert.Equal(t, ts.wantError, errorBody(t, rec)["error"])
			assert.Zero(t, gen.calls)
		})
	}
}

func TestGenerate_RateLimitComesFirst(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(ratelimit.Options{Window: time.Minute, MaxRequests: 2}, 0, nil)
	gen := &stubGenerator{result: generator.Result{Flashcards: cards(1)}}
	f := newFixture(limiter, gen)

	assert.Equal(t, http.StatusBadRequest, f.post(t, "", `{"text":""}`).Code)
	assert.Equal(t, http.StatusUnauthorized, f.post(t, "", `{"text":"cells"}`).Code)

	rec := f.post(t, "u1", `{"text":"cells"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, msgRateLimited, errorBody(t, rec)["error"])
	assert.Zero(t, gen.calls)
}

func TestGenerate_SpoofedForwardingHeadersShareOneWindow(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(ratelimit.Options{Window: time.Minute, MaxRequests: 2}, 0, nil)
	gen := &stubGenerator{result: generator.Result{Flashcards: cards(1)}}
	f := newFixture(limiter, gen)

	var codes []int
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(`{"text":"cells"}`))
		req.RemoteAddr = "198.51.100.1:40000"
		req.Header.Set("X-Real-IP", fmt.Sprintf("10.0.0.%d", i))
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.1.%d", i))
		claims := &auth.Claims{}
		claims.Subject = "u1"
		req = req.WithContext(auth.WithUser(req.Context(), claims))

		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{200, 200, 429, 429, 429}, codes)
}

func TestGenerate_OversizedBodyIsRejected(t *testing.T) {
	gen := &stubGenerator{result: generator.Result{Flashcards: cards(1)}}
	f := newFixture(nil, gen)

	body, err := json.Marshal(map[string]string{"text": strings.Repeat("mitochondria ", 1000)})
	require.NoError(t, err)

	rec := f.post(t, "u1", string(body))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, msgTooLarge, errorBody(t, rec)["error"])
	assert.Zero(t, gen.calls)

	got, err := f.ledger.GetOrInit(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Remaining)
}

func TestGenerate_LimiterFailureAdmits(t *testing.T) {
	gen := &stubGenerator{result: generator.Result{Flashcards: cards(2)}}
	f := newFixture(brokenLimiter{}, gen)

	rec := f.post(t, "u1", `{"text":"cells"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGenerate_FreeTierPerAttempt(t *testing.T) {
	gen := &stubGenerator{result: generator.Result{Flashcards: cards(7)}}
	f := newFixture(nil, gen)

	for want := 2; want >= 0; want-- {
		rec := f.post(t, "u1", `{"text":"cells"}`)
		require.Equal(t, http.StatusOK, rec.Code)

		res := decodeResult(t, rec)
		assert.Len(t, res.Flashcards, 7)
		assert.Equal(t, want, res.RemainingAttempts)
		assert.False(t, res.PaidTier)
		assert.Equal(t, fmt.Sprintf("Flashcards generated! %d attempts remaining.", want), res.Message)
	}

	rec := f.post(t, "u1", `{"text":"cells"}`)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := errorBody(t, rec)
	assert.Equal(t, true, body["upgradeRequired"])
	assert.Equal(t, "Generation limit reached. Please upgrade to generate more flashcards.", body["error"])
	assert.Equal(t, 3, gen.calls)
	assert.Len(t, f.publisher.payloads, 3)
}

func TestGenerate_PaidTierPerCard(t *testing.T) {
	gen := &stubGenerator{result: generator.Result{Flashcards: cards(10)}}
	f := newFixture(nil, gen)
	_, err := f.ledger.Upgrade(context.Background(), "u1")
	require.NoError(t, err)

	rec := f.post(t, "u1", `{"text":"cells"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	res := decodeResult(t, rec)
	assert.Equal(t, 990, res.RemainingAttempts)
	assert.True(t, res.PaidTier)
	assert.Equal(t, "Flashcards generated! 990 flashcards remaining.", res.Message)
}

func TestGenerate_PaidTierExhausted(t *testing.T) {
	gen := &stubGenerator{result: generator.Result{Flashcards: cards(10)}}
	f := newFixture(nil, gen)
	ctx := context.Background()
	_, err := f.ledger.Upgrade(ctx, "u1")
	require.NoError(t, err)
	_, err = f.ledger.Debit(ctx, "u1", true, 1000)
	require.NoError(t, err)

	rec := f.post(t, "u1", `{"text":"cells"}`)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := errorBody(t, rec)
	assert.Equal(t, false, body["upgradeRequired"])
	assert.Contains(t, body["error"], "Please renew your subscription.")
}

func TestGenerate_ProviderErrors(t *testing.T) {
	tt := []struct {
		desc       string
		err        error
		wantStatus int
		wantError  string
	}{
		{desc: "throttled", err: fmt.Errorf("%w: 429", generator.ErrUpstreamThrottled), wantStatus: http.StatusTooManyRequests, wantError: msgUpstreamThrottle},
		{desc: "provider quota", err: fmt.Errorf("%w: quota exceeded", generator.ErrProviderQuotaExceeded), wantStatus: http.StatusServiceUnavailable, wantError: msgProviderQuota},
		{desc: "unexpected", err: errors.New("context canceled"), wantStatus: http.StatusInternalServerError, wantError: msgInternal},
	}

	for _, ts := range tt {
		t.Run(ts.desc, func(t *testing.T) {
			f := newFixture(nil, &stubGenerator{err: ts.err})

			rec := f.post(t, "u1", `{"text":"cells"}`)
			assert.Equal(t, ts.wantStatus, rec.Code)
			assert.Equal(t, ts.wantError, errorBody(t, rec)["error"])

			got, err := f.ledger.GetOrInit(context.Background(), "u1")
			require.NoError(t, err)
			assert.Equal(t, 3, got.Remaining, "reservation is released")
		})
	}
}

func TestGenerate_NetworkErrorFallsBackWithoutBilling(t *testing.T) {
	gen := generator.New(provider{err: errors.New("dial tcp: connection reset by peer")}, nil, generator.Options{MaxCards: 10})
	f := newFixture(nil, gen)

	rec := f.post(t, "u1", `{"text":"The mitochondria is the powerhouse of the cell."}`)
	require.Equal(t, http.StatusOK, rec.Code)

	res := decodeResult(t, rec)
	assert.Len(t, res.Flashcards, 2)
	assert.True(t, res.Degraded)
	assert.Equal(t, 3, res.RemainingAttempts)
	assert.Equal(t, "Flashcards generated! 3 attempts remaining.", res.Message)
}

func TestGenerate_TwoHundredWordParagraph(t *testing.T) {
	paragraph := strings.TrimSpace(strings.Repeat("Photosynthesis converts light energy into chemical energy stored in glucose. ", 20))
	require.Len(t, strings.Fields(paragraph), 200)

	reply, err := json.Marshal(map[string]any{"flashcards": cards(10)})
	require.NoError(t, err)
	gen := generator.New(provider{reply: "```json\n" + string(reply) + "\n```"}, nil, generator.Options{MaxCards: 10})

	body, err := json.Marshal(map[string]string{"text": paragraph})
	require.NoError(t, err)

	t.Run("free", func(t *testing.T) {
		f := newFixture(nil, gen)
		rec := f.post(t, "u1", string(body))
		require.Equal(t, http.StatusOK, rec.Code)

		res := decodeResult(t, rec)
		assert.Len(t, res.Flashcards, 10)
		assert.Equal(t, 2, res.RemainingAttempts)
	})

	t.Run("paid", func(t *testing.T) {
		f := newFixture(nil, gen)
		_, err := f.ledger.Upgrade(context.Background(), "u1")
		require.NoError(t, err)

		rec := f.post(t, "u1", string(body))
		require.Equal(t, http.StatusOK, rec.Code)

		res := decodeResult(t, rec)
		assert.Len(t, res.Flashcards, 10)
		assert.Equal(t, 990, res.RemainingAttempts)
	})
}

func TestGenerate_ConcurrentRequestsCannotOverspend(t *testing.T) {
	gen := generator.New(provider{reply: `{"flashcards":[{"front":"Q","back":"A"}]}`}, nil, generator.Options{})
	f := newFixture(nil, gen)

	var wg sync.WaitGroup
	codes := make(chan int, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes <- f.post(t, "u1", `{"text":"cells"}`).Code
		}()
	}
	wg.Wait()
	close(codes)

	counts := map[int]int{}
	for code := range codes {
		counts[code]++
	}
	assert.Equal(t, 3, counts[http.StatusOK])
	assert.Equal(t, 7, counts[http.StatusPaymentRequired])
}

func TestQuotaEndpoint(t *testing.T) {
	f := newFixture(nil, &stubGenerator{result: generator.Result{Flashcards: cards(1)}})

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/quota", "", "").Code)

	require.Equal(t, http.StatusOK, f.post(t, "u1", `{"text":"cells"}`).Code)

	rec := f.do(t, http.MethodGet, "/api/quota", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap quota.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, quota.Snapshot{UserID: "u1", RemainingAttempts: 2, PaidTier: false}, snap)
}

func TestGenerate_StaleClientSnapshotIsIgnored(t *testing.T) {
	f := newFixture(nil, &stubGenerator{result: generator.Result{Flashcards: cards(1)}})

	rec := f.post(t, "u1", `{"text":"cells","quota":{"userId":"someone-else","remainingAttempts":999,"paidTier":true}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	res := decodeResult(t, rec)
	assert.Equal(t, 2, res.RemainingAttempts)
	assert.False(t, res.PaidTier)
}
