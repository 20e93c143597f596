package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prepline/examcore/internal/model"
)

// OutboxRepository reads and acknowledges the attempt completion outbox.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

// NewOutboxRepository creates a new OutboxRepository.
func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

// Pending returns up to limit undispatched completions, oldest first.
func (r *OutboxRepository) Pending(ctx context.Context, limit int) ([]model.Completion, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, payload FROM attempt_completions
		 WHERE dispatched_at IS NULL
		 ORDER BY id
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Completion
	for rows.Next() {
		var (
			id int64
			c  model.Completion
		)
		if err := rows.Scan(&id, &c); err != nil {
			return nil, err
		}
		c.ID = id
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkDispatched stamps the given outbox rows as delivered.
func (r *OutboxRepository) MarkDispatched(ctx context.Context, ids []int64, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE attempt_completions SET dispatched_at = $2
		 WHERE id = ANY($1::bigint[]) AND dispatched_at IS NULL`,
		ids, at,
	)
	return err
}
