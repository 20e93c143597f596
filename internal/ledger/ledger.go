// Package ledger buffers sequenced session events on their way to Postgres.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/prepline/examcore/internal/config"
	"github.com/prepline/examcore/internal/model"
)

// RedisLedger appends events to a Redis list drained by worker.LedgerWorker.
type RedisLedger struct {
	rdb   *redis.Client
	queue string
}

// NewRedisLedger creates a ledger writing to the session events queue.
func NewRedisLedger(rdb *redis.Client) *RedisLedger {
	return &RedisLedger{rdb: rdb, queue: config.WorkerKey.SessionEventsQueue}
}

// Append pushes one event. Events of a session are pushed in sequence order
// because the registry appends them while holding the session's lock.
func (l *RedisLedger) Append(ctx context.Context, e model.Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return l.rdb.RPush(ctx, l.queue, raw).Err()
}

// Memory is an in-process ledger for tests.
type Memory struct {
	mu     sync.Mutex
	events []model.Event
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(_ context.Context, e model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// Events returns the events of one session ordered by sequence.
func (m *Memory) Events(sessionID uuid.UUID) []model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Event
	for _, e := range m.events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}
