package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
)

// MonitorFeed delivers payloads published on a pub/sub channel.
type MonitorFeed interface {
	Subscribe(ctx context.Context, channel string) (<-chan string, func())
}

// MonitorHandler streams live attempt activity of one exam to proctors.
type MonitorHandler struct {
	feed           MonitorFeed
	sessionService *service.ExamSessionService
	log            zerolog.Logger

	refreshEvery   time.Duration
	keepAliveEvery time.Duration
}

func NewMonitorHandler(feed MonitorFeed, sessionService *service.ExamSessionService, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		feed:           feed,
		sessionService: sessionService,
		log:            log.With().Str("component", "monitor_handler").Logger(),
		refreshEvery:   refreshInterval,
		keepAliveEvery: keepAliveInterval,
	}
}

// MonitorExamSSE godoc
// GET /api/v1/proctor/exams/:exam_id/monitor
// Sends a snapshot of the attempts open on this node, then forwards every
// exit and submission published for the exam.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	examID := c.Param("exam_id")
	if !validator.ValidID(examID) {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.sendSnapshot(c, examID, "snapshot")

	var ch <-chan string
	if h.feed != nil {
		var closeFeed func()
		ch, closeFeed = h.feed.Subscribe(reqCtx, config.CacheKey.ExamMonitorChannel(examID))
		defer closeFeed()
	}

	keepAliveTicker := time.NewTicker(h.keepAliveEvery)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(h.refreshEvery)
	defer refreshTicker.Stop()

	h.log.Info().Str("exam_id", examID).Msg("Proctor attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_id", examID).Msg("Proctor disconnected from live monitor SSE")
			return

		case payload, ok := <-ch:
			if !ok {
				h.log.Warn().Str("exam_id", examID).Msg("Monitor feed closed")
				return
			}
			// Published payloads are already JSON.
			writeSSEData(c, []byte(payload))

		case <-refreshTicker.C:
			h.sendSnapshot(c, examID, "refresh")

		case <-keepAliveTicker.C:
			writeSSEData(c, pingPayload)
		}
	}
}

func (h *MonitorHandler) sendSnapshot(c *gin.Context, examID, kind string) {
	attempts := h.sessionService.ExamAttempts(examID)

	exitTotal := 0
	for _, a := range attempts {
		exitTotal += a.ExitCount
	}

	c.SSEvent("message", gin.H{
		"type": kind,
		"data": gin.H{
			"exam_id": examID,
			"stats": gin.H{
				"open_attempts": len(attempts),
				"total_exits":   exitTotal,
			},
			"attempts": attempts,
		},
	})
	c.Writer.Flush()
}

func writeSSEData(c *gin.Context, payload []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(payload)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
