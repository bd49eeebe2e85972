package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/relay/pkg/events"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/services"
)

// GetJob handles GET /jobs/:id.
func (s *Server) GetJob(c *gin.Context) {
	job, err := s.jobs.Get(c.Request.Context(), models.JobID(c.Param("id")))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// askWithAnswer pairs an ask with its answer when one exists.
type askWithAnswer struct {
	Ask    *models.Ask    `json:"ask"`
	Answer *models.Answer `json:"answer,omitempty"`
}

// ListJobAsks handles GET /jobs/:id/asks.
func (s *Server) ListJobAsks(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := models.JobID(c.Param("id"))

	asks, err := s.jobs.ListAsks(ctx, jobID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown job id"})
			return
		}
		mapServiceError(c, err)
		return
	}

	items := make([]askWithAnswer, 0, len(asks))
	for _, ask := range asks {
		item := askWithAnswer{Ask: ask}
		if answer, err := s.jobs.GetAnswer(ctx, ask.AskID); err == nil {
			item.Answer = answer
		}
		items = append(items, item)
	}

	c.JSON(http.StatusOK, gin.H{"jobId": jobID, "asks": items})
}

// StreamJobEvents handles GET /jobs/:id/events as an SSE stream. Frames:
// connected, answer, status, log, heartbeat.
func (s *Server) StreamJobEvents(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := models.JobID(c.Param("id"))

	if _, err := s.jobs.Get(ctx, jobID); err != nil {
		mapServiceError(c, err)
		return
	}

	sub := s.bus.Subscribe(events.Filter{JobID: jobID})
	if sub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	}
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	send := func(event string, data any) bool {
		if err := sse.Encode(c.Writer, sse.Event{Event: event, Data: data}); err != nil {
			return false
		}
		c.Writer.Flush()
		return true
	}

	if !send("connected", gin.H{"jobId": jobID, "ts": time.Now().UnixMilli()}) {
		return
	}

	heartbeat := time.NewTicker(s.config.SSEHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownCh:
			return
		case <-heartbeat.C:
			if !send("heartbeat", gin.H{"ts": time.Now().UnixMilli()}) {
				return
			}
		case n, ok := <-sub.C():
			if !ok {
				return
			}
			if !s.sendNotification(send, n) {
				return
			}
		}
	}
}

// sendNotification maps one bus notification onto SSE frames.
func (s *Server) sendNotification(send func(string, any) bool, n events.Notification) bool {
	switch n.Type {
	case events.TypeAnswerRecorded:
		if !send("answer", n.Payload) {
			return false
		}
		return send("log", gin.H{"type": n.Type, "askId": n.AskID, "ts": n.TS.UnixMilli()})
	case events.TypeAskCreated:
		return send("log", gin.H{"type": n.Type, "askId": n.AskID, "ts": n.TS.UnixMilli()})
	case events.TypeJobStateChanged:
		return send("status", n.Payload)
	case events.TypeJobLog:
		return send("log", gin.H{"type": n.Type, "ts": n.TS.UnixMilli(), "payload": n.Payload})
	default:
		return true
	}
}
