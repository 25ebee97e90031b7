package generator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/HanTheDev/lernkarte-api/internal/models"
)

var (
	jsonFence  = regexp.MustCompile("```json\\s*")
	plainFence = regexp.MustCompile("```\\s*")
)

// CleanResponse strips Markdown fences and trims the text to the span from the
// first '{' to the last '}' so prose around the payload is ignored.
func CleanResponse(raw string) string {
	cleaned := jsonFence.ReplaceAllString(raw, "")
	cleaned = plainFence.ReplaceAllString(cleaned, "")
	cleaned = strings.TrimSpace(cleaned)

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start != -1 && end > start {
		cleaned = cleaned[start : end+1]
	}
	return cleaned
}

// ParseFlashcards decodes a cleaned response. Cards whose front or back is
// missing, empty, or not a string are dropped and counted; nothing is coerced.
func ParseFlashcards(cleaned string) ([]models.Flashcard, int, error) {
	var payload struct {
		Flashcards *[]json.RawMessage `json:"flashcards"`
	}
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if payload.Flashcards == nil {
		return nil, 0, fmt.Errorf("%w: no flashcards array", ErrMalformedResponse)
	}

	raw := *payload.Flashcards
	cards := make([]models.Flashcard, 0, len(raw))
	for _, item := range raw {
		var fields map[string]any
		if err := json.Unmarshal(item, &fields); err != nil {
			continue
		}

		front, frontOK := fields["front"].(string)
		back, backOK := fields["back"].(string)
		card := models.Flashcard{Front: front, Back: back}
		if !frontOK || !backOK || !card.Valid() {
			continue
		}
		cards = append(cards, card)
	}

	return cards, len(raw) - len(cards), nil
}
