// Package quota tracks each user's tier and remaining generation allowance.
//
// Free users are metered per attempt and paid users per flashcard. The ledger
// is the only authority for admission decisions; client copies are reconciled
// against it (see Reconcile).
package quota

import (
	"context"
	"errors"
	"fmt"
)

type Tier string

const (
	TierUnset Tier = ""
	TierFree  Tier = "free"
	TierPaid  Tier = "paid"
)

var ErrQuotaExhausted = errors.New("quota exhausted")

type Record struct {
	UserID    string `json:"userId"`
	Tier      Tier   `json:"tier"`
	Remaining int    `json:"remaining"`
}

func (r Record) Paid() bool {
	return r.Tier == TierPaid
}

// Store persists records. Update must apply fn atomically with respect to
// other Updates for the same user: read, mutate, write. A user that has never
// been seen is handed to fn with TierUnset. When fn returns an error nothing is
// written and the record fn saw is returned with that error.
type Store interface {
	Update(ctx context.Context, userID string, fn func(rec *Record) error) (Record, error)
}

type Limits struct {
	Free int
	Paid int
}

// Reservation is one unit taken by Reserve and owed back by Settle or Release.
type Reservation struct {
	UserID string
	Tier   Tier
}

type Ledger struct {
	store  Store
	limits Limits
}

func NewLedger(store Store, limits Limits) *Ledger {
	if limits.Free <= 0 {
		limits.Free = 3
	}
	if limits.Paid <= 0 {
		limits.Paid = 1000
	}
	return &Ledger{store: store, limits: limits}
}

func (l *Ledger) Limits() Limits {
	return l.limits
}

func (l *Ledger) GetOrInit(ctx context.Context, userID string) (Record, error) {
	return l.update(ctx, userID, func(rec *Record) error { return nil })
}

// Debit applies one generation's cost: a paid caller pays per card, a free
// caller pays one attempt regardless of how many cards came back.
func (l *Ledger) Debit(ctx context.Context, userID string, paid bool, cards int) (Record, error) {
	return l.update(ctx, userID, func(rec *Record) error {
		debit(rec, paid, cards)
		return nil
	})
}

// Upgrade re-arms the user to the full paid allowance. It does not accumulate.
func (l *Ledger) Upgrade(ctx context.Context, userID string) (Record, error) {
	return l.update(ctx, userID, func(rec *Record) error {
		rec.Tier = TierPaid
		rec.Remaining = l.limits.Paid
		return nil
	})
}

// Reserve admits one generation when the user has allowance left and takes a
// unit immediately, so concurrent requests can't both pass on the last unit.
// On ErrQuotaExhausted the returned record tells the caller which tier hit
// the wall.
func (l *Ledger) Reserve(ctx context.Context, userID string) (Reservation, Record, error) {
	rec, err := l.update(ctx, userID, func(rec *Record) error {
		if rec.Remaining <= 0 {
			return ErrQuotaExhausted
		}
		rec.Remaining--
		return nil
	})
	if err != nil {
		return Reservation{}, rec, err
	}
	return Reservation{UserID: userID, Tier: rec.Tier}, rec, nil
}

// Settle gives the reserved unit back and charges the real cost in one step.
// The cost follows the tier the request was admitted under, so an upgrade
// landing mid-generation is charged one attempt rather than per card.
func (l *Ledger) Settle(ctx context.Context, res Reservation, cards int) (Record, error) {
	return l.update(ctx, res.UserID, func(rec *Record) error {
		l.restore(rec, res)
		debit(rec, res.Tier == TierPaid, cards)
		return nil
	})
}

// Release gives the reserved unit back without charging anything.
func (l *Ledger) Release(ctx context.Context, res Reservation) (Record, error) {
	return l.update(ctx, res.UserID, func(rec *Record) error {
		l.restore(rec, res)
		return nil
	})
}

func (l *Ledger) update(ctx context.Context, userID string, fn func(rec *Record) error) (Record, error) {
	if userID == "" {
		return Record{}, errors.New("quota: empty user id")
	}

	rec, err := l.store.Update(ctx, userID, func(rec *Record) error {
		rec.UserID = userID
		if rec.Tier == TierUnset {
			rec.Tier = TierFree
			rec.Remaining = l.limits.Free
		}
		return fn(rec)
	})
	if err != nil && !errors.Is(err, ErrQuotaExhausted) {
		return rec, fmt.Errorf("update quota for %s: %w", userID, err)
	}
	return rec, err
}

// restore returns a reserved unit unless the tier changed in the meantime; an
// upgrade already re-armed the counter.
func (l *Ledger) restore(rec *Record, res Reservation) {
	if rec.Tier != res.Tier {
		return
	}
	rec.Remaining++
	if limit := l.limitFor(rec.Tier); rec.Remaining > limit {
		rec.Remaining = limit
	}
}

func (l *Ledger) limitFor(tier Tier) int {
	if tier == TierPaid {
		return l.limits.Paid
	}
	return l.limits.Free
}

func debit(rec *Record, paid bool, cards int) {
	cost := 1
	if paid {
		cost = cards
	}
	if cost < 0 {
		cost = 0
	}
	rec.Remaining -= cost
	if rec.Remaining < 0 {
		rec.Remaining = 0
	}
}
