package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/prepline/examcore/internal/config"
)

// clearIfMatch deletes the pointer only while it still names the given session.
var clearIfMatch = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ActiveSessions keeps a per-user pointer to the live session in Redis so a
// reloaded client can find its way back.
type ActiveSessions struct {
	rdb *redis.Client
}

// NewActiveSessions creates an ActiveSessions store.
func NewActiveSessions(rdb *redis.Client) *ActiveSessions {
	return &ActiveSessions{rdb: rdb}
}

// Set records sessionID as the user's live session until endsAt.
func (a *ActiveSessions) Set(ctx context.Context, userID, sessionID uuid.UUID, endsAt time.Time) error {
	ttl := time.Until(endsAt)
	if ttl <= 0 {
		return nil
	}
	return a.rdb.Set(ctx, config.CacheKey.ActiveSessionKey(userID), sessionID.String(), ttl).Err()
}

// Get returns the user's live session, if any.
func (a *ActiveSessions) Get(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error) {
	v, err := a.rdb.Get(ctx, config.CacheKey.ActiveSessionKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

// Clear removes the pointer if it still refers to sessionID.
func (a *ActiveSessions) Clear(ctx context.Context, userID, sessionID uuid.UUID) error {
	return clearIfMatch.Run(ctx, a.rdb, []string{config.CacheKey.ActiveSessionKey(userID)}, sessionID.String()).Err()
}
