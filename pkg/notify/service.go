// Package notify delivers terminal job notifications to the targets named
// in a job spec's notify block: a webhook URL, a Slack channel, or both.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/relay/pkg/events"
	"github.com/codeready-toolchain/relay/pkg/models"
)

const deliveryTimeout = 10 * time.Second

// Config holds the parameters needed to construct a Service.
type Config struct {
	// SlackToken enables channel delivery when non-empty.
	SlackToken string

	// DefaultChannel receives notifications for jobs whose notify block
	// names no channel of its own. Empty means channel delivery only
	// happens for jobs that name one.
	DefaultChannel string
}

// Service watches the event bus and notifies on terminal job states.
// Nil-safe: Start and Stop are no-ops on a nil service.
type Service struct {
	slack   *SlackClient
	webhook *WebhookSender
	channel string
	bus     *events.Bus
	logger  *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates a notification service. Webhook delivery always
// works; Slack delivery requires a token.
func NewService(cfg Config, bus *events.Bus, logger *slog.Logger) *Service {
	s := &Service{
		webhook: NewWebhookSender(deliveryTimeout),
		channel: cfg.DefaultChannel,
		bus:     bus,
		logger:  logger.With("component", "notify"),
		stopCh:  make(chan struct{}),
	}
	if cfg.SlackToken != "" {
		s.slack = NewSlackClient(cfg.SlackToken)
	}
	return s
}

// Start subscribes to job state changes and begins delivering.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	sub := s.bus.Subscribe(events.Filter{Types: []string{events.TypeJobStateChanged}})
	if sub == nil {
		return nil
	}

	s.wg.Add(1)
	go s.consume(ctx, sub)
	s.logger.Info("Notification service started", "slack", s.slack != nil)
	return nil
}

// Stop halts delivery and waits for in-flight sends.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Service) consume(ctx context.Context, sub *events.Subscription) {
	defer s.wg.Done()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case n, ok := <-sub.C():
			if !ok {
				return
			}
			job, ok := n.Payload.(*models.Job)
			if !ok || !job.State.Terminal() {
				continue
			}
			s.deliver(ctx, job)
		}
	}
}

// deliver fans a terminal job out to its configured targets. Failures are
// logged, never propagated: notification is best-effort.
func (s *Service) deliver(ctx context.Context, job *models.Job) {
	spec := job.Spec.Notify
	if spec == nil {
		return
	}

	if spec.URL != "" {
		if err := s.webhook.Send(ctx, spec.URL, job); err != nil {
			s.logger.Error("Webhook notification failed",
				"job_id", job.ID, "url", spec.URL, "error", err)
		} else {
			s.logger.Info("Webhook notification delivered", "job_id", job.ID)
		}
	}

	channel := spec.Channel
	if channel == "" {
		channel = s.channel
	}
	if channel != "" && s.slack != nil {
		if err := s.slack.PostMessage(ctx, channel, BuildTerminalMessage(job), deliveryTimeout); err != nil {
			s.logger.Error("Slack notification failed",
				"job_id", job.ID, "channel", channel, "error", err)
		} else {
			s.logger.Info("Slack notification delivered", "job_id", job.ID, "channel", channel)
		}
	}
}
