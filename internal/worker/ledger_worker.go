package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/prepline/examcore/internal/config"
	"github.com/prepline/examcore/internal/model"
)

const (
	// PollTimeout must be at least 1s for BLPOP.
	PollTimeout     = 1 * time.Second
	redisErrBackoff = 3 * time.Second
	shutdownFlush   = 5 * time.Second
)

// EventWriter persists ledger events.
type EventWriter interface {
	InsertBatch(ctx context.Context, events []model.Event) error
	Insert(ctx context.Context, e model.Event) error
}

// LedgerWorker drains the Redis event buffer into the session_events table.
type LedgerWorker struct {
	rdb           *redis.Client
	events        EventWriter
	queue         string
	batchSize     int
	flushInterval time.Duration
	retryBackoff  time.Duration
	log           zerolog.Logger
}

// NewLedgerWorker creates a LedgerWorker flushing every batchSize events or flushInterval.
func NewLedgerWorker(rdb *redis.Client, events EventWriter, batchSize int, flushInterval time.Duration, log zerolog.Logger) *LedgerWorker {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &LedgerWorker{
		rdb:           rdb,
		events:        events,
		queue:         config.WorkerKey.SessionEventsQueue,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		retryBackoff:  2 * time.Second,
		log:           log.With().Str("component", "ledger_worker").Logger(),
	}
}

// Start runs until ctx is cancelled, then flushes what it buffered.
func (w *LedgerWorker) Start(ctx context.Context) {
	w.log.Info().Int("batch_size", w.batchSize).Msg("LedgerWorker started")

	buffer := make([]model.Event, 0, w.batchSize)
	lastFlush := time.Now()

	for {
		if len(buffer) > 0 && (len(buffer) >= w.batchSize || time.Since(lastFlush) >= w.flushInterval) {
			w.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		result, err := w.rdb.BLPop(ctx, PollTimeout, w.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Redis error, backing off")
			sleep(ctx, redisErrBackoff)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var e model.Event
		if err := json.Unmarshal([]byte(result[1]), &e); err != nil {
			// A malformed entry can never succeed; keep it out of the retry loop.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed event")
			continue
		}
		buffer = append(buffer, e)
	}
}

// flushSafe tries a bulk copy, then row-by-row inserts, then requeues what still failed.
func (w *LedgerWorker) flushSafe(ctx context.Context, batch []model.Event) {
	err := w.events.InsertBatch(ctx, batch)
	if err == nil {
		w.log.Debug().Int("count", len(batch)).Msg("Flushed ledger batch")
		return
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk copy failed, inserting row by row")

	var failed []model.Event
	for _, e := range batch {
		if err := w.events.Insert(ctx, e); err != nil {
			w.log.Error().Err(err).
				Str("session_id", e.SessionID.String()).
				Int64("sequence", e.Sequence).
				Msg("Event insert failed, requeueing")
			failed = append(failed, e)
		}
	}
	if len(failed) > 0 {
		w.requeue(ctx, failed)
	}
}

func (w *LedgerWorker) requeue(ctx context.Context, events []model.Event) {
	pipe := w.rdb.Pipeline()
	for _, e := range events {
		raw, err := json.Marshal(e)
		if err != nil {
			continue
		}
		pipe.RPush(ctx, w.queue, raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Int("count", len(events)).Msg("Failed to requeue ledger events, events lost")
		return
	}
	w.log.Info().Int("count", len(events)).Msg("Requeued ledger events")
	sleep(ctx, w.retryBackoff)
}

func (w *LedgerWorker) shutdown(buffer []model.Event) {
	w.log.Info().Int("buffered", len(buffer)).Msg("LedgerWorker stopping, flushing buffer")
	if len(buffer) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlush)
	defer cancel()
	w.flushSafe(ctx, buffer)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
