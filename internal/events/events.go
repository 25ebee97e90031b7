// Package events publishes usage and billing events for downstream consumers.
package events

import (
	"context"
	"time"
)

const (
	TypeFlashcardsGenerated = "flashcards.generated"
	TypeQuotaUpgraded       = "quota.upgraded"
)

type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error
	Close() error
}

type FlashcardsGenerated struct {
	UserID     string    `json:"userId"`
	Cards      int       `json:"cards"`
	Degraded   bool      `json:"degraded"`
	Cached     bool      `json:"cached"`
	PaidTier   bool      `json:"paidTier"`
	Remaining  int       `json:"remaining"`
	OccurredAt time.Time `json:"occurredAt"`
}

type QuotaUpgraded struct {
	UserID    string `json:"userId"`
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
	Remaining int    `json:"remaining"`
}

// NoopPublisher drops every event. It is used when no brokers are configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, []byte, string) error { return nil }

func (NoopPublisher) Close() error { return nil }
