package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prepline/examcore/internal/model"
)

// EventRepository stores the append-only session ledger.
type EventRepository struct {
	pool *pgxpool.Pool
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

// InsertBatch copies a batch of events in one round trip. Any duplicate
// (session_id, sequence) fails the whole copy.
func (r *EventRepository) InsertBatch(ctx context.Context, events []model.Event) error {
	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		rows = append(rows, []interface{}{
			e.SessionID, e.Sequence, e.UserID, string(e.Type), payloadOrEmpty(e.Payload),
			e.ClientTimestamp, e.ServerTimestamp,
		})
	}
	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"session_events"},
		[]string{"session_id", "sequence", "user_id", "event_type", "payload", "client_timestamp", "server_timestamp"},
		pgx.CopyFromRows(rows),
	)
	return err
}

// Insert writes one event, ignoring a row already stored under the same sequence.
func (r *EventRepository) Insert(ctx context.Context, e model.Event) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO session_events (session_id, sequence, user_id, event_type, payload,
		                             client_timestamp, server_timestamp)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
		 ON CONFLICT (session_id, sequence) DO NOTHING`,
		e.SessionID, e.Sequence, e.UserID, string(e.Type), string(payloadOrEmpty(e.Payload)),
		e.ClientTimestamp, e.ServerTimestamp,
	)
	return err
}

// ListBySession returns a session's ledger in sequence order.
func (r *EventRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.Event, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, sequence, user_id, event_type, payload, client_timestamp, server_timestamp
		 FROM session_events
		 WHERE session_id = $1
		 ORDER BY sequence`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var (
			e       model.Event
			evtType string
			payload []byte
		)
		if err := rows.Scan(&e.SessionID, &e.Sequence, &e.UserID, &evtType, &payload,
			&e.ClientTimestamp, &e.ServerTimestamp); err != nil {
			return nil, err
		}
		e.Type = model.EventType(evtType)
		e.Payload = payload
		events = append(events, e)
	}
	return events, rows.Err()
}

func payloadOrEmpty(p []byte) []byte {
	if len(p) == 0 {
		return []byte("{}")
	}
	return p
}
