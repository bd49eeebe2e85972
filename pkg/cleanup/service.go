// Package cleanup provides background data retention.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/relay/pkg/config"
	"github.com/codeready-toolchain/relay/pkg/events"
	"github.com/codeready-toolchain/relay/pkg/services"
	"github.com/codeready-toolchain/relay/pkg/store"
)

// Service periodically enforces retention policies:
//   - Moves non-terminal jobs past their TTL to EXPIRED
//   - Purges decision-cache entries past their TTL
//
// All operations are idempotent and safe to run from multiple processes.
type Service struct {
	config *config.RetentionConfig
	store  *store.Store
	bus    *events.Bus
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new retention service.
func NewService(cfg *config.RetentionConfig, st *store.Store, bus *events.Bus, logger *slog.Logger) *Service {
	return &Service{
		config: cfg,
		store:  st,
		bus:    bus,
		logger: logger.With("component", "cleanup"),
	}
}

// Start launches the background retention loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Retention service started", "interval", s.config.Interval.Std())
}

// Stop signals the retention loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.expireJobs(ctx)
	s.purgeDecisionCache(ctx)
}

func (s *Service) expireJobs(ctx context.Context) {
	ids, err := s.store.ExpireJobs(ctx)
	if err != nil {
		s.logger.Error("Retention: job expiry failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	for _, id := range ids {
		if _, err := s.store.AppendEvent(ctx, id, services.EventJobState, map[string]any{
			"to":      "EXPIRED",
			"summary": "job ttl elapsed",
		}); err != nil {
			s.logger.Error("Retention: failed to record expiry", "job_id", id, "error", err)
		}
		job, err := s.store.GetJob(ctx, id)
		if err != nil {
			continue
		}
		s.bus.Publish(events.Notification{
			Type:    events.TypeJobStateChanged,
			JobID:   id,
			Payload: job,
		})
	}
	s.logger.Info("Retention: expired jobs", "count", len(ids))
}

func (s *Service) purgeDecisionCache(ctx context.Context) {
	count, err := s.store.DecisionCachePurgeExpired(ctx)
	if err != nil {
		s.logger.Error("Retention: decision cache purge failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: purged decision cache entries", "count", count)
	}
}
