package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HanTheDev/lernkarte-api/internal/models"
)

// GenerationCache remembers the flashcards produced for a source text so an
// identical request does not go back to the provider.
type GenerationCache struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewGenerationCache(client *redis.Client, ttl time.Duration) *GenerationCache {
	return &GenerationCache{
		redis: client,
		ttl:   ttl,
	}
}

func (gc *GenerationCache) hashText(text string) string {
	hash := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", hash)
}

func (gc *GenerationCache) key(text string) string {
	return fmt.Sprintf("generation:%s", gc.hashText(text))
}

func (gc *GenerationCache) Get(ctx context.Context, sourceText string) ([]models.Flashcard, bool, error) {
	cached, err := gc.redis.Get(ctx, gc.key(sourceText)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cached generation: %w", err)
	}

	var cards []models.Flashcard
	if err := json.Unmarshal(cached, &cards); err != nil {
		return nil, false, fmt.Errorf("decode cached generation: %w", err)
	}

	return cards, true, nil
}

func (gc *GenerationCache) Set(ctx context.Context, sourceText string, cards []models.Flashcard) error {
	payload, err := json.Marshal(cards)
	if err != nil {
		return err
	}

	return gc.redis.Set(ctx, gc.key(sourceText), payload, gc.ttl).Err()
}
