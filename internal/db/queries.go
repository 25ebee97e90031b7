package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/HanTheDev/lernkarte-api/internal/models"
)

var ErrNotFound = errors.New("flashcard set not found")

func (db *DB) SaveFlashcardSet(ctx context.Context, set *models.FlashcardSet) (int64, error) {
	query := `
        INSERT INTO flashcard_sets (name, flashcards, user_id)
        VALUES ($1, $2, $3)
        RETURNING id, created_at
    `

	err := db.retry.Do(ctx, "save flashcard set", func(ctx context.Context) error {
		return db.Pool.QueryRow(ctx, query, set.Name, set.Flashcards, set.UserID).Scan(&set.ID, &set.CreatedAt)
	})
	if err != nil {
		return 0, err
	}

	return set.ID, nil
}

func (db *DB) ListFlashcardSets(ctx context.Context, userID string) ([]models.FlashcardSet, error) {
	query := `
        SELECT id, name, flashcards, user_id, created_at
        FROM flashcard_sets
        WHERE user_id = $1
        ORDER BY created_at DESC, id DESC
    `

	var sets []models.FlashcardSet
	err := db.retry.Do(ctx, "list flashcard sets", func(ctx context.Context) error {
		rows, err := db.Pool.Query(ctx, query, userID)
		if err != nil {
			return err
		}

		sets, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.FlashcardSet, error) {
			return scanFlashcardSet(row)
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	return sets, nil
}

func (db *DB) GetFlashcardSet(ctx context.Context, id int64) (*models.FlashcardSet, error) {
	query := `
        SELECT id, name, flashcards, user_id, created_at
        FROM flashcard_sets
        WHERE id = $1
    `

	var set models.FlashcardSet
	err := db.retry.Do(ctx, "get flashcard set", func(ctx context.Context) error {
		var err error
		set, err = scanFlashcardSet(db.Pool.QueryRow(ctx, query, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	return &set, nil
}

func (db *DB) DeleteFlashcardSet(ctx context.Context, id int64) error {
	query := `DELETE FROM flashcard_sets WHERE id = $1`

	return db.retry.Do(ctx, "delete flashcard set", func(ctx context.Context) error {
		tag, err := db.Pool.Exec(ctx, query, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlashcardSet(row rowScanner) (models.FlashcardSet, error) {
	var set models.FlashcardSet
	err := row.Scan(
		&set.ID,
		&set.Name,
		&set.Flashcards,
		&set.UserID,
		&set.CreatedAt,
	)
	return set, err
}
