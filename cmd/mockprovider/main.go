// Command mockprovider is a local stand-in for an OpenAI-compatible chat
// completion API. Point AI_BASE_URL at it to develop without credentials.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
)

func main() {
	port := os.Getenv("MOCK_PROVIDER_PORT")
	if port == "" {
		port = "9000"
	}

	http.HandleFunc("/chat/completions", handleCompletion)

	log.Printf("Mock provider starting on port %s", port)
	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatal("Mock provider failed:", err)
	}
}

func handleCompletion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	prompt := ""
	if len(req.Messages) > 0 {
		prompt = req.Messages[len(req.Messages)-1].Content
	}
	log.Printf("Received completion request: model=%s, %d chars", req.Model, len(prompt))

	// Real models like to wrap JSON in prose and fences; so does this one.
	content := "Here are your flashcards:\n```json\n" + flashcardsFor(prompt) + "\n```"

	resp := openai.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []openai.ChatCompletionChoice{
			{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: content,
				},
				FinishReason: openai.FinishReasonStop,
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// flashcardsFor builds one card per sentence of the source text, up to three.
func flashcardsFor(prompt string) string {
	source := prompt
	if i := strings.LastIndex(prompt, "content:"); i != -1 {
		source = prompt[i+len("content:"):]
	}

	type card struct {
		Front string `json:"front"`
		Back  string `json:"back"`
	}
	var cards []card
	for _, sentence := range strings.Split(source, ".") {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		cards = append(cards, card{
			Front: fmt.Sprintf("What does this statement describe: %q?", sentence),
			Back:  sentence + ".",
		})
		if len(cards) == 3 {
			break
		}
	}

	raw, _ := json.Marshal(map[string]any{"flashcards": cards})
	return string(raw)
}
