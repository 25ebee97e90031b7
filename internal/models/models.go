package models

import (
	"strings"
	"time"
)

type Flashcard struct {
	Front string `json:"front"`
	Back  string `json:"back"`
}

// Valid reports whether both sides carry text.
func (f Flashcard) Valid() bool {
	return strings.TrimSpace(f.Front) != "" && strings.TrimSpace(f.Back) != ""
}

type FlashcardSet struct {
	ID         int64       `json:"id"`
	Name       string      `json:"name"`
	Flashcards []Flashcard `json:"flashcards"`
	UserID     string      `json:"userId"`
	CreatedAt  time.Time   `json:"createdAt"`
}

type GenerationResult struct {
	Flashcards        []Flashcard `json:"flashcards"`
	RemainingAttempts int         `json:"remainingAttempts"`
	PaidTier          bool        `json:"paidTier"`
	Message           string      `json:"message"`
	Degraded          bool        `json:"degraded,omitempty"`
}

type Order struct {
	ID       string `json:"id"`
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}
