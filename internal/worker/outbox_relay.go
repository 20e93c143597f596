package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/prepline/examcore/internal/config"
	"github.com/prepline/examcore/internal/model"
)

const outboxBatchSize = 100

// Outbox is the completion outbox written by the finalization transaction.
type Outbox interface {
	Pending(ctx context.Context, limit int) ([]model.Completion, error)
	MarkDispatched(ctx context.Context, ids []int64, at time.Time) error
}

// OutboxRelay publishes finalized attempts to the rewards queue. Delivery is
// at least once: a crash between push and acknowledge re-sends the batch.
type OutboxRelay struct {
	outbox   Outbox
	rdb      *redis.Client
	queue    string
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewOutboxRelay creates an OutboxRelay polling every interval.
func NewOutboxRelay(outbox Outbox, rdb *redis.Client, interval time.Duration, log zerolog.Logger) *OutboxRelay {
	return &OutboxRelay{
		outbox:   outbox,
		rdb:      rdb,
		queue:    config.WorkerKey.CompletionsQueue,
		interval: interval,
		now:      time.Now,
		log:      log.With().Str("component", "outbox_relay").Logger(),
	}
}

// Start polls until ctx is cancelled.
func (r *OutboxRelay) Start(ctx context.Context) {
	r.log.Info().Dur("interval", r.interval).Msg("OutboxRelay started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("OutboxRelay stopped")
			return
		case <-ticker.C:
			for {
				n, err := r.RelayOnce(ctx)
				if err != nil {
					if ctx.Err() == nil {
						r.log.Error().Err(err).Msg("Outbox relay failed")
					}
					break
				}
				if n < outboxBatchSize {
					break
				}
			}
		}
	}
}

// RelayOnce publishes one batch of pending completions and returns how many were sent.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	pending, err := r.outbox.Pending(ctx, outboxBatchSize)
	if err != nil || len(pending) == 0 {
		return 0, err
	}

	ids := make([]int64, 0, len(pending))
	pipe := r.rdb.Pipeline()
	for _, c := range pending {
		raw, err := json.Marshal(c)
		if err != nil {
			r.log.Error().Err(err).Int64("outbox_id", c.ID).Msg("Skipping unencodable completion")
			continue
		}
		pipe.RPush(ctx, r.queue, raw)
		ids = append(ids, c.ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	if err := r.outbox.MarkDispatched(ctx, ids, r.now().UTC()); err != nil {
		return 0, err
	}
	r.log.Info().Int("count", len(ids)).Msg("Relayed completions to rewards queue")
	return len(ids), nil
}
