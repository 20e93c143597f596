package config

import (
	"fmt"

	"github.com/google/uuid"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// ActiveSessionKey points at the user's live session so a reloaded client can resume it.
func (r *CacheKeyStruct) ActiveSessionKey(userID uuid.UUID) string {
	return fmt.Sprintf("session:active:%s", userID)
}

// AchievementsChannel is the pub/sub channel the rewards service publishes unlocks on.
func (r *CacheKeyStruct) AchievementsChannel(userID uuid.UUID) string {
	return fmt.Sprintf("achievements:user:%s", userID)
}

// AchievementsPattern matches every user's achievements channel.
func (r *CacheKeyStruct) AchievementsPattern() string {
	return "achievements:user:*"
}

// RateLimitKey returns the token bucket key for a REST caller.
func (r *CacheKeyStruct) RateLimitKey(subject string) string {
	return fmt.Sprintf("ratelimit:%s", subject)
}

var CacheKey = NewCacheKeyStruct()
