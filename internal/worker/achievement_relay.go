package worker

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/prepline/examcore/internal/config"
)

// AchievementSink delivers unlocked achievements to a user's open connections.
type AchievementSink interface {
	Achievements(userID uuid.UUID, achievements json.RawMessage)
}

// AchievementRelay forwards the rewards service's per-user announcements to sockets.
type AchievementRelay struct {
	rdb  *redis.Client
	sink AchievementSink
	log  zerolog.Logger
}

// NewAchievementRelay creates a new AchievementRelay.
func NewAchievementRelay(rdb *redis.Client, sink AchievementSink, log zerolog.Logger) *AchievementRelay {
	return &AchievementRelay{
		rdb:  rdb,
		sink: sink,
		log:  log.With().Str("component", "achievement_relay").Logger(),
	}
}

// Start subscribes to every user's achievements channel until ctx is cancelled.
// ready, if non-nil, is closed once the subscription is confirmed.
func (r *AchievementRelay) Start(ctx context.Context, ready chan<- struct{}) {
	pubsub := r.rdb.PSubscribe(ctx, config.CacheKey.AchievementsPattern())
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		r.log.Error().Err(err).Msg("Achievements subscription failed")
		return
	}
	if ready != nil {
		close(ready)
	}
	r.log.Info().Msg("AchievementRelay subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.forward(msg)
		}
	}
}

func (r *AchievementRelay) forward(msg *redis.Message) {
	prefix := strings.TrimSuffix(config.CacheKey.AchievementsPattern(), "*")
	userID, err := uuid.Parse(strings.TrimPrefix(msg.Channel, prefix))
	if err != nil {
		r.log.Warn().Str("channel", msg.Channel).Msg("Ignoring achievements on unrecognised channel")
		return
	}
	if !json.Valid([]byte(msg.Payload)) {
		r.log.Warn().Str("user_id", userID.String()).Msg("Ignoring malformed achievements payload")
		return
	}
	r.sink.Achievements(userID, json.RawMessage(msg.Payload))
}
