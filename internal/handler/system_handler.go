package handler

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const healthTimeout = 2 * time.Second

// QueueInspector reports broker health and worker backlog.
type QueueInspector interface {
	Ping(ctx context.Context) error
	Len(ctx context.Context, queue string) (int64, error)
}

// SystemHandler reports liveness and runtime statistics.
type SystemHandler struct {
	queues         QueueInspector
	sessionService *service.ExamSessionService
	startTime      time.Time
	log            zerolog.Logger
}

func NewSystemHandler(queues QueueInspector, sessionService *service.ExamSessionService, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		queues:         queues,
		sessionService: sessionService,
		startTime:      time.Now(),
		log:            log.With().Str("component", "system_handler").Logger(),
	}
}

type systemStats struct {
	Status       string `json:"status"`
	Uptime       string `json:"uptime"`
	OpenAttempts int    `json:"open_attempts"`
	Goroutines   int    `json:"goroutines"`
	HeapAlloc    uint64 `json:"heap_alloc"`
	GoVersion    string `json:"go_version"`

	// Worker queues; absent when no broker is configured.
	QueueSubmissions *int64 `json:"queue_submissions,omitempty"`
	QueueExitEvents  *int64 `json:"queue_exit_events,omitempty"`
}

// Health godoc
// GET /health
// Returns 503 when the broker is configured but unreachable.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := systemStats{
		Status:       "ok",
		Uptime:       formatDuration(time.Since(h.startTime)),
		OpenAttempts: h.sessionService.OpenAttempts(),
		Goroutines:   runtime.NumGoroutine(),
		HeapAlloc:    ms.HeapAlloc,
		GoVersion:    runtime.Version(),
	}

	if h.queues != nil {
		if err := h.queues.Ping(ctx); err != nil {
			h.log.Warn().Err(err).Msg("Broker unreachable")
			response.Fail(c, http.StatusServiceUnavailable, response.ErrInternal)
			return
		}
		if n, err := h.queues.Len(ctx, config.WorkerKey.PersistSubmissionsQueue); err == nil {
			stats.QueueSubmissions = &n
		}
		if n, err := h.queues.Len(ctx, config.WorkerKey.PersistExitEventsQueue); err == nil {
			stats.QueueExitEvents = &n
		}
	}

	response.Success(c, http.StatusOK, stats)
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
