package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/prepline/examcore/internal/config"
	"github.com/prepline/examcore/internal/response"
)

const healthTimeout = 2 * time.Second

// Pinger is anything that can report whether its backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LiveCounts reports in-process counters for the health payload.
type LiveCounts struct {
	Sessions    func() int
	Timers      func() int
	Connections func() int
}

// SystemHandler reports dependency health and process counters.
type SystemHandler struct {
	db        Pinger
	rdb       *redis.Client
	counts    LiveCounts
	startTime time.Time
	log       zerolog.Logger
}

func NewSystemHandler(db Pinger, rdb *redis.Client, counts LiveCounts, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		db:        db,
		rdb:       rdb,
		counts:    counts,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

type healthReport struct {
	Status   string            `json:"status"`
	Checks   map[string]string `json:"checks"`
	Uptime   string            `json:"uptime"`
	Runtime  runtimeStats      `json:"runtime"`
	Queues   map[string]int64  `json:"queues,omitempty"`
	Sessions int               `json:"liveSessions"`
	Timers   int               `json:"runningTimers"`
	Sockets  int               `json:"connections"`
}

type runtimeStats struct {
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heapAlloc"`
	NumGC      uint32 `json:"numGc"`
	GoVersion  string `json:"goVersion"`
}

// Health godoc
// GET /health
// Pings Postgres and Redis. Any failing dependency turns the response into a 503.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	rep := healthReport{
		Status: "ok",
		Checks: map[string]string{"postgres": "ok", "redis": "ok"},
		Uptime: time.Since(h.startTime).Round(time.Second).String(),
	}
	if err := h.db.Ping(ctx); err != nil {
		h.log.Warn().Err(err).Msg("Postgres health check failed")
		rep.Checks["postgres"] = err.Error()
		rep.Status = "degraded"
	}
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		h.log.Warn().Err(err).Msg("Redis health check failed")
		rep.Checks["redis"] = err.Error()
		rep.Status = "degraded"
	} else {
		rep.Queues = h.queueDepths(ctx)
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	rep.Runtime = runtimeStats{
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  ms.HeapAlloc,
		NumGC:      ms.NumGC,
		GoVersion:  runtime.Version(),
	}
	if h.counts.Sessions != nil {
		rep.Sessions = h.counts.Sessions()
	}
	if h.counts.Timers != nil {
		rep.Timers = h.counts.Timers()
	}
	if h.counts.Connections != nil {
		rep.Sockets = h.counts.Connections()
	}

	status := http.StatusOK
	if rep.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	response.Success(c, status, rep)
}

// queueDepths reads the worker queue lengths in one round trip.
func (h *SystemHandler) queueDepths(ctx context.Context) map[string]int64 {
	pipe := h.rdb.Pipeline()
	events := pipe.LLen(ctx, config.WorkerKey.SessionEventsQueue)
	completions := pipe.LLen(ctx, config.WorkerKey.CompletionsQueue)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil
	}
	return map[string]int64{
		config.WorkerKey.SessionEventsQueue: events.Val(),
		config.WorkerKey.CompletionsQueue:   completions.Val(),
	}
}
