// Package events provides the in-process notification bus. The storage
// kernel remains the source of truth; the bus only wakes interested parties
// (long-poll waiters, SSE streams, the answer runner) so they re-read the
// database instead of polling it on a timer.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// Notification types published on the bus.
const (
	TypeAskCreated      = "ask.created"
	TypeAnswerRecorded  = "answer.recorded"
	TypeJobStateChanged = "job.state"
	TypeJobLog          = "job.log"
)

// Notification is a single bus message. Payload carries the entity that
// triggered it (an *models.Ask, *models.Answer, or *models.Job).
type Notification struct {
	Type  string
	JobID models.JobID
	AskID models.AskID
	TS    time.Time

	Payload any
}

// Filter selects which notifications a subscription receives. Zero values
// match everything.
type Filter struct {
	JobID models.JobID
	AskID models.AskID
	Types []string
}

func (f Filter) matches(n Notification) bool {
	if f.JobID != "" && f.JobID != n.JobID {
		return false
	}
	if f.AskID != "" && f.AskID != n.AskID {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == n.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// subscriberBuffer bounds each subscription's channel. A subscriber that
// falls this far behind loses notifications; since every notification is a
// wake-up hint rather than the data itself, the subscriber recovers by
// re-reading the store.
const subscriberBuffer = 64

type subscriber struct {
	id     string
	filter Filter
	ch     chan Notification
}

// Bus fans notifications out to subscribers. Publish never blocks on a slow
// subscriber.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger.With("component", "event_bus"),
		subs:   make(map[string]*subscriber),
	}
}

// Subscription is a live bus subscription. Close it when done or the
// subscriber leaks.
type Subscription struct {
	bus *Bus
	sub *subscriber

	closeOnce sync.Once
}

// C returns the notification channel. It is closed when the subscription or
// the bus shuts down.
func (s *Subscription) C() <-chan Notification { return s.sub.ch }

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if _, ok := s.bus.subs[s.sub.id]; ok {
			delete(s.bus.subs, s.sub.id)
			close(s.sub.ch)
		}
	})
}

// Subscribe registers a new subscriber for notifications matching the filter.
// Returns nil when the bus is already closed.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}

	sub := &subscriber{
		id:     uuid.NewString(),
		filter: filter,
		ch:     make(chan Notification, subscriberBuffer),
	}
	b.subs[sub.id] = sub
	return &Subscription{bus: b, sub: sub}
}

// Publish delivers a notification to every matching subscriber. Full
// subscriber buffers are skipped with a warning rather than blocking the
// publisher.
func (b *Bus) Publish(n Notification) {
	if n.TS.IsZero() {
		n.TS = time.Now()
	}

	b.mu.RLock()
	// Snapshot matching subscribers so sends happen outside the lock.
	matched := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.matches(n) {
			matched = append(matched, sub)
		}
	}
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	for _, sub := range matched {
		select {
		case sub.ch <- n:
		default:
			b.logger.Warn("Dropping notification for slow subscriber",
				"subscriber_id", sub.id, "type", n.Type, "job_id", n.JobID)
		}
	}
}

// Close shuts the bus down and closes every subscriber channel. Subsequent
// Publish calls are no-ops and Subscribe returns nil.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// SubscriberCount returns the number of live subscriptions. Used by health
// reporting and tests.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
