package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// MoveReceiptToDeadLetter stores a receipt the pipeline abandoned.
func (r *Repository) MoveReceiptToDeadLetter(ctx context.Context, dl *ReceiptDeadLetter) error {
	if dl.ID == uuid.Nil {
		dl.ID = uuid.New()
	}
	if dl.Status == "" {
		dl.Status = DLQStatusPending
	}

	query := `
		INSERT INTO receipt_dead_letters (
			id, provider, body, reference, attempts, last_error, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		dl.ID,
		dl.Provider,
		dl.Body,
		dl.Reference,
		dl.Attempts,
		dl.LastError,
		dl.Status,
	).Scan(&dl.CreatedAt, &dl.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}

	r.logger.Info("receipt moved to dead letter queue",
		zap.String("dlq_id", dl.ID.String()),
		zap.String("provider", dl.Provider),
		zap.Int("attempts", dl.Attempts),
	)
	return nil
}

// ListDeadLetters retrieves dead letters in a given status, newest first.
func (r *Repository) ListDeadLetters(ctx context.Context, dlqStatus string, limit, offset int) ([]*ReceiptDeadLetter, error) {
	query := `
		SELECT id, provider, body, reference, attempts, last_error, status, created_at, updated_at
		FROM receipt_dead_letters
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, dlqStatus, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var items []*ReceiptDeadLetter
	for rows.Next() {
		var dl ReceiptDeadLetter
		if err := rows.Scan(
			&dl.ID,
			&dl.Provider,
			&dl.Body,
			&dl.Reference,
			&dl.Attempts,
			&dl.LastError,
			&dl.Status,
			&dl.CreatedAt,
			&dl.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		items = append(items, &dl)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return items, nil
}

// GetDeadLetter retrieves a single dead letter by ID
func (r *Repository) GetDeadLetter(ctx context.Context, id uuid.UUID) (*ReceiptDeadLetter, error) {
	query := `
		SELECT id, provider, body, reference, attempts, last_error, status, created_at, updated_at
		FROM receipt_dead_letters
		WHERE id = $1
	`

	var dl ReceiptDeadLetter
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&dl.ID,
		&dl.Provider,
		&dl.Body,
		&dl.Reference,
		&dl.Attempts,
		&dl.LastError,
		&dl.Status,
		&dl.CreatedAt,
		&dl.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: dead letter %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query dead letter: %w", err)
	}
	return &dl, nil
}

// ResolveDeadLetter moves a pending dead letter to replayed or discarded.
func (r *Repository) ResolveDeadLetter(ctx context.Context, id uuid.UUID, resolution string) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE receipt_dead_letters
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, resolution, DLQStatusPending)
	if err != nil {
		return fmt.Errorf("update dead letter: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotPending, id)
	}
	return nil
}
