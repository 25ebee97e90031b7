package generator

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/lernkarte-api/internal/models"
)

type fakeProvider struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
}

func (p *fakeProvider) Complete(ctx context.Context, prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, prompt)
	return p.reply, p.err
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}

type providerFunc func(ctx context.Context, prompt string) (string, error)

func (f providerFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string][]models.Flashcard
}

func (c *mapCache) Get(_ context.Context, text string) ([]models.Flashcard, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cards, ok := c.entries[text]
	return cards, ok, nil
}

func (c *mapCache) Set(_ context.Context, text string, cards []models.Flashcard) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[text] = cards
	return nil
}

func cardsJSON(n int) string {
	cards := make([]models.Flashcard, n)
	for i := range cards {
		cards[i] = models.Flashcard{Front: fmt.Sprintf("Q%d", i+1), Back: fmt.Sprintf("A%d", i+1)}
	}
	raw, _ := json.Marshal(map[string]any{"flashcards": cards})
	return string(raw)
}

func TestCleanResponse(t *testing.T) {
	tt := []struct {
		desc string
		raw  string
		want string
	}{
		{desc: "plain json", raw: `{"flashcards":[]}`, want: `{"flashcards":[]}`},
		{desc: "json fence", raw: "```json\n{\"flashcards\":[]}\n```", want: `{"flashcards":[]}`},
		{desc: "prose around fenced block", raw: "Sure! Here you go:\n```json\n{\"flashcards\":[]}\n```\nEnjoy!", want: `{"flashcards":[]}`},
		{desc: "prose without fence", raw: "Here: {\"a\":1} thanks", want: `{"a":1}`},
		{desc: "no braces", raw: "  nothing useful  ", want: "nothing useful"},
	}

	for _, ts := range tt {
		t.Run(ts.desc, func(t *testing.T) {
			assert.Equal(t, ts.want, CleanResponse(ts.raw))
		})
	}
}

func TestParseFlashcards_FiltersInvalidCards(t *testing.T) {
	cleaned := `{"flashcards":[
		{"front":"Q1","back":"A1"},
		{"front":"","back":"A2"},
		{"front":"Q3"},
		{"front":3,"back":"A4"},
		{"front":"Q5","back":null},
		"not an object",
		{"front":"Q7","back":"A7","extra":true},
		{"front":"  ","back":"A8"},
		{"front":"Q9","back":"\n\t"}
	]}`

	cards, dropped, err := ParseFlashcards(cleaned)
	require.NoError(t, err)

	assert.Equal(t, []models.Flashcard{{Front: "Q1", Back: "A1"}, {Front: "Q7", Back: "A7"}}, cards)
	assert.Equal(t, 7, dropped)
	assert.Equal(t, 9-len(cards), dropped)
	for _, card := range cards {
		assert.NotEmpty(t, card.Front)
		assert.NotEmpty(t, card.Back)
	}
}

func TestParseFlashcards_Malformed(t *testing.T) {
	for _, cleaned := range []string{
		`not json`,
		`{"cards":[]}`,
		`{"flashcards":null}`,
		`{"flashcards":"Q1/A1"}`,
	} {
		_, _, err := ParseFlashcards(cleaned)
		assert.ErrorIs(t, err, ErrMalformedResponse, cleaned)
	}
}

func TestGenerate(t *testing.T) {
	tt := []struct {
		desc      string
		reply     string
		err       error
		wantCards int
		degraded  bool
		reason    error
		wantErr   error
	}{
		{desc: "well formed response", reply: cardsJSON(10), wantCards: 10},
		{desc: "fenced json inside prose", reply: "Here are your cards:\n```json\n" + cardsJSON(4) + "\n```\nGood luck!", wantCards: 4},
		{desc: "more cards than the cap are truncated", reply: cardsJSON(14), wantCards: 10},
		{desc: "generic network error falls back", err: errors.New("dial tcp: connection reset by peer"), wantCards: 2, degraded: true},
		{desc: "unparseable reply falls back", reply: "I cannot help with that.", wantCards: 2, degraded: true, reason: ErrMalformedResponse},
		{desc: "all cards invalid falls back", reply: `{"flashcards":[{"front":""}]}`, wantCards: 2, degraded: true, reason: ErrMalformedResponse},
		{desc: "provider quota surfaces", err: errors.New("googleapi: quota exceeded for model"), wantErr: ErrProviderQuotaExceeded},
		{desc: "provider 429 surfaces", err: errors.New("status code: 429, too many requests"), wantErr: ErrUpstreamThrottled},
	}

	for _, ts := range tt {
		t.Run(ts.desc, func(t *testing.T) {
			provider := &fakeProvider{reply: ts.reply, err: ts.err}
			gen := New(provider, nil, Options{MaxCards: 10})

			res, err := gen.Generate(context.Background(), "Photosynthesis converts light into chemical energy.")
			if ts.wantErr != nil {
				assert.ErrorIs(t, err, ts.wantErr)
				return
			}
			require.NoError(t, err)

			assert.Len(t, res.Flashcards, ts.wantCards)
			assert.Equal(t, ts.degraded, res.Degraded)
			if ts.degraded {
				assert.Error(t, res.Reason)
				assert.True(t, strings.HasPrefix(res.Flashcards[0].Front, "Sample Question about Photosynthesis"))
			}
			if ts.reason != nil {
				assert.ErrorIs(t, res.Reason, ts.reason)
			}
			require.Len(t, provider.prompts, 1)
			assert.Contains(t, provider.prompts[0], "Photosynthesis converts light")
			assert.Contains(t, provider.prompts[0], "at most 10 flashcards")
		})
	}
}

func TestGenerate_FallbackTruncatesLongInput(t *testing.T) {
	gen := New(&fakeProvider{err: errors.New("boom")}, nil, Options{})
	text := strings.Repeat("ü", 80)

	res, err := gen.Generate(context.Background(), text)
	require.NoError(t, err)

	assert.Equal(t, "Sample Question about "+strings.Repeat("ü", 50)+"...", res.Flashcards[0].Front)
}

func TestGenerate_TimeoutFallsBack(t *testing.T) {
	provider := providerFunc(func(ctx context.Context, prompt string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	gen := New(provider, nil, Options{Timeout: 10 * time.Millisecond})

	res, err := gen.Generate(context.Background(), "text")
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.ErrorIs(t, res.Reason, context.DeadlineExceeded)
}

func TestGenerate_UsesCache(t *testing.T) {
	provider := &fakeProvider{reply: cardsJSON(3)}
	cache := &mapCache{entries: map[string][]models.Flashcard{}}
	gen := New(provider, cache, Options{})

	first, err := gen.Generate(context.Background(), "same text")
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := gen.Generate(context.Background(), "same text")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Flashcards, second.Flashcards)
	assert.Equal(t, 1, provider.calls())

	provider.err = errors.New("down")
	_, err = gen.Generate(context.Background(), "other text")
	require.NoError(t, err)
	_, cached, _ := cache.Get(context.Background(), "other text")
	assert.False(t, cached, "fallback results are never cached")
}

func TestOpenAIProvider(t *testing.T) {
	tt := []struct {
		desc    string
		status  int
		body    string
		want    string
		wantErr error
	}{
		{
			desc:   "returns first choice",
			status: http.StatusOK,
			body:   `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"` + strings.ReplaceAll(cardsJSON(1), `"`, `\"`) + `"},"finish_reason":"stop"}]}`,
			want:   cardsJSON(1),
		},
		{
			desc:    "429 is throttling",
			status:  http.StatusTooManyRequests,
			body:    `{"error":{"message":"Resource has been exhausted, slow down.","type":"rate_limit_error","code":429}}`,
			wantErr: ErrUpstreamThrottled,
		},
		{
			desc:    "quota message is provider quota",
			status:  http.StatusTooManyRequests,
			body:    `{"error":{"message":"You exceeded your current quota, please check your plan.","type":"insufficient_quota","code":429}}`,
			wantErr: ErrProviderQuotaExceeded,
		},
	}

	for _, ts := range tt {
		t.Run(ts.desc, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/chat/completions", r.URL.Path)
				assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(ts.status)
				w.Write([]byte(ts.body))
			}))
			defer server.Close()

			provider := NewOpenAIProvider("test-key", server.URL, "test-model")

			got, err := provider.Complete(context.Background(), "prompt")
			if ts.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, classify(err), ts.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, ts.want, got)
		})
	}
}
