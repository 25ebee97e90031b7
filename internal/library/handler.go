// Package library serves a user's saved flashcard sets.
package library

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/HanTheDev/lernkarte-api/internal/auth"
	"github.com/HanTheDev/lernkarte-api/internal/db"
	"github.com/HanTheDev/lernkarte-api/internal/httpx"
	"github.com/HanTheDev/lernkarte-api/internal/models"
)

type Repository interface {
	SaveFlashcardSet(ctx context.Context, set *models.FlashcardSet) (int64, error)
	ListFlashcardSets(ctx context.Context, userID string) ([]models.FlashcardSet, error)
	GetFlashcardSet(ctx context.Context, id int64) (*models.FlashcardSet, error)
	DeleteFlashcardSet(ctx context.Context, id int64) error
}

type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

// RegisterRoutes mounts the set endpoints. Callers wrap router in the
// authentication middleware.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/flashcard-sets", h.ListSets).Methods("GET")
	router.HandleFunc("/api/flashcard-sets", h.CreateSet).Methods("POST")
	router.HandleFunc("/api/flashcard-sets/{id}", h.GetSet).Methods("GET")
	router.HandleFunc("/api/flashcard-sets/{id}", h.DeleteSet).Methods("DELETE")
}

func (h *Handler) CreateSet(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Name       string             `json:"name"`
		Flashcards []models.Flashcard `json:"flashcards"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if httpx.BodyTooLarge(err) {
			httpx.WriteError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		httpx.WriteError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		httpx.WriteError(w, http.StatusBadRequest, "Name is required")
		return
	}
	if len(req.Flashcards) == 0 {
		httpx.WriteError(w, http.StatusBadRequest, "At least one flashcard is required")
		return
	}
	for _, card := range req.Flashcards {
		if !card.Valid() {
			httpx.WriteError(w, http.StatusBadRequest, "Every flashcard needs a front and a back")
			return
		}
	}

	set := &models.FlashcardSet{
		Name:       name,
		Flashcards: req.Flashcards,
		UserID:     claims.UserID(),
	}

	id, err := h.repo.SaveFlashcardSet(r.Context(), set)
	if err != nil {
		log.Printf("❌ Failed to save flashcard set for %s: %v", claims.UserID(), err)
		httpx.WriteError(w, http.StatusInternalServerError, "Failed to save flashcard set")
		return
	}

	log.Printf("💾 Saved flashcard set %d (%d cards) for %s", id, len(set.Flashcards), claims.UserID())
	httpx.WriteJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (h *Handler) ListSets(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireUser(w, r)
	if !ok {
		return
	}

	sets, err := h.repo.ListFlashcardSets(r.Context(), claims.UserID())
	if err != nil {
		log.Printf("❌ Failed to list flashcard sets for %s: %v", claims.UserID(), err)
		httpx.WriteError(w, http.StatusInternalServerError, "Failed to list flashcard sets")
		return
	}
	if sets == nil {
		sets = []models.FlashcardSet{}
	}

	httpx.WriteJSON(w, http.StatusOK, sets)
}

func (h *Handler) GetSet(w http.ResponseWriter, r *http.Request) {
	set, ok := h.ownedSet(w, r)
	if !ok {
		return
	}

	httpx.WriteJSON(w, http.StatusOK, set)
}

func (h *Handler) DeleteSet(w http.ResponseWriter, r *http.Request) {
	set, ok := h.ownedSet(w, r)
	if !ok {
		return
	}

	if err := h.repo.DeleteFlashcardSet(r.Context(), set.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
		log.Printf("❌ Failed to delete flashcard set %d: %v", set.ID, err)
		httpx.WriteError(w, http.StatusInternalServerError, "Failed to delete flashcard set")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ownedSet loads the set named in the path. Sets owned by someone else are
// reported as missing so ids can't be probed.
func (h *Handler) ownedSet(w http.ResponseWriter, r *http.Request) (*models.FlashcardSet, bool) {
	claims, ok := requireUser(w, r)
	if !ok {
		return nil, false
	}

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "Invalid flashcard set ID")
		return nil, false
	}

	set, err := h.repo.GetFlashcardSet(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) || (err == nil && set.UserID != claims.UserID()) {
		httpx.WriteError(w, http.StatusNotFound, "Flashcard set not found")
		return nil, false
	}
	if err != nil {
		log.Printf("❌ Failed to load flashcard set %d: %v", id, err)
		httpx.WriteError(w, http.StatusInternalServerError, "Failed to load flashcard set")
		return nil, false
	}

	return set, true
}

func requireUser(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "Unauthorized")
		return nil, false
	}
	return claims, true
}
