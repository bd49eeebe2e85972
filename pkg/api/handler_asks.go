package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/relay/pkg/events"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/services"
)

// CreateAsk handles POST /asks.
func (s *Server) CreateAsk(c *gin.Context) {
	var payload models.AskPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ask, err := s.jobs.CreateAsk(c.Request.Context(), &payload)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	c.Header("Location", "/asks/"+string(ask.AskID)+"/answer")
	c.JSON(http.StatusAccepted, ask)
}

// RecordAnswer handles POST /answers.
func (s *Server) RecordAnswer(c *gin.Context) {
	var payload models.AnswerPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	answer, err := s.jobs.RecordAnswer(c.Request.Context(), &payload)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, answer)
}

// WaitForAnswer handles GET /asks/:id/answer with optional long-polling via
// ?wait=Ns. Returns 200 with the answer, 204 on wait timeout, 503 while
// shutting down.
func (s *Server) WaitForAnswer(c *gin.Context) {
	if s.draining.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	}

	askID := models.AskID(c.Param("id"))
	ctx := c.Request.Context()

	if _, err := s.jobs.GetAsk(ctx, askID); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown ask id"})
			return
		}
		mapServiceError(c, err)
		return
	}

	wait := parseWait(c.Query("wait"), s.config.LongPollTimeout)

	// Subscribe before the read so an answer recorded in between cannot be
	// missed.
	sub := s.bus.Subscribe(events.Filter{
		AskID: askID,
		Types: []string{events.TypeAnswerRecorded},
	})
	if sub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	}
	defer sub.Close()

	if answer, err := s.jobs.GetAnswer(ctx, askID); err == nil {
		c.JSON(http.StatusOK, answer)
		return
	}
	if wait <= 0 {
		c.Status(http.StatusNoContent)
		return
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownCh:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
			return
		case <-timer.C:
			c.Status(http.StatusNoContent)
			return
		case _, ok := <-sub.C():
			if !ok {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
				return
			}
			// The notification is a hint; the store is authoritative.
			answer, err := s.jobs.GetAnswer(ctx, askID)
			if err != nil {
				continue
			}
			c.JSON(http.StatusOK, answer)
			return
		}
	}
}

// parseWait accepts "25s" style durations and bare second counts, clamped
// to the configured maximum.
func parseWait(raw string, max time.Duration) time.Duration {
	if raw == "" {
		return 0
	}
	var wait time.Duration
	if d, err := time.ParseDuration(raw); err == nil {
		wait = d
	} else if secs, err := strconv.Atoi(raw); err == nil {
		wait = time.Duration(secs) * time.Second
	} else {
		return 0
	}
	if wait < 0 {
		return 0
	}
	if wait > max {
		return max
	}
	return wait
}
