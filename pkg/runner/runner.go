package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codeready-toolchain/relay/pkg/events"
	"github.com/codeready-toolchain/relay/pkg/llm"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/services"
	"github.com/codeready-toolchain/relay/pkg/store"
)

// Config controls the answer runner.
type Config struct {
	// RolesDir holds user role YAML files merged over the built-ins.
	RolesDir string

	// DefaultTimeout bounds one completion call when the ask carries no
	// timeout constraint.
	DefaultTimeout time.Duration

	// MaxRetries is how many times a shape-invalid completion is retried
	// before downgrading.
	MaxRetries uint64

	// CacheTTLSeconds is the decision-cache entry lifetime.
	CacheTTLSeconds int64

	// CatchUpInterval is how often pending asks are re-scanned in case a
	// bus notification was dropped.
	CatchUpInterval time.Duration

	// Model is recorded in attestations for cache hits, where no live
	// completion names one.
	Model string
}

func (c *Config) applyDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 60 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.CacheTTLSeconds <= 0 {
		c.CacheTTLSeconds = 86400
	}
	if c.CatchUpInterval <= 0 {
		c.CatchUpInterval = 15 * time.Second
	}
}

// errShapeMismatch marks a completion whose answer_json fails the role's
// output schema; it is the only retryable pipeline failure.
var errShapeMismatch = errors.New("completion JSON does not match the role output schema")

// Runner consumes ask.created notifications and records answers. It never
// takes the process down: every pipeline failure becomes an ERROR answer.
type Runner struct {
	jobs      *services.JobService
	store     *store.Store
	bus       *events.Bus
	roles     *RoleRegistry
	completer llm.Completer
	logger    *slog.Logger
	config    Config

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	inFlight map[models.AskID]struct{}

	// llmCalls counts live completions, read by tests and health output.
	llmCalls int64
}

// New creates an answer runner.
func New(jobs *services.JobService, st *store.Store, bus *events.Bus, roles *RoleRegistry, completer llm.Completer, logger *slog.Logger, cfg Config) *Runner {
	cfg.applyDefaults()
	return &Runner{
		jobs:      jobs,
		store:     st,
		bus:       bus,
		roles:     roles,
		completer: completer,
		logger:    logger.With("component", "answer_runner"),
		config:    cfg,
		stopCh:    make(chan struct{}),
		inFlight:  make(map[models.AskID]struct{}),
	}
}

// Start subscribes to ask notifications and begins the catch-up scan.
func (r *Runner) Start(ctx context.Context) error {
	sub := r.bus.Subscribe(events.Filter{Types: []string{events.TypeAskCreated}})
	if sub == nil {
		return fmt.Errorf("event bus is closed")
	}

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		defer sub.Close()
		r.consume(ctx, sub)
	}()
	go func() {
		defer r.wg.Done()
		r.catchUp(ctx)
	}()

	r.logger.Info("Answer runner started", "roles", r.roles.IDs())
	return nil
}

// Stop shuts the runner down and waits for in-flight asks to finish.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// LLMCalls returns the number of live completion calls made so far.
func (r *Runner) LLMCalls() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.llmCalls
}

func (r *Runner) consume(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case n, ok := <-sub.C():
			if !ok {
				return
			}
			r.dispatch(ctx, n.AskID)
		}
	}
}

// catchUp re-scans pending asks on a ticker. Bus notifications are wake-up
// hints and may be dropped under load; the store is the source of truth.
func (r *Runner) catchUp(ctx context.Context) {
	ticker := time.NewTicker(r.config.CatchUpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			asks, err := r.store.ListPendingAsks(ctx, 50)
			if err != nil {
				r.logger.Error("Pending-ask scan failed", "error", err)
				continue
			}
			for _, ask := range asks {
				r.dispatch(ctx, ask.AskID)
			}
		}
	}
}

// dispatch processes one ask on its own goroutine, at most once at a time.
func (r *Runner) dispatch(ctx context.Context, askID models.AskID) {
	if askID == "" {
		return
	}
	r.mu.Lock()
	if _, busy := r.inFlight[askID]; busy {
		r.mu.Unlock()
		return
	}
	r.inFlight[askID] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inFlight, askID)
			r.mu.Unlock()
		}()
		r.ProcessAsk(ctx, askID)
	}()
}

// ProcessAsk answers a single pending ask end to end.
func (r *Runner) ProcessAsk(ctx context.Context, askID models.AskID) {
	log := r.logger.With("ask_id", askID)

	ask, err := r.jobs.GetAsk(ctx, askID)
	if err != nil {
		log.Error("Failed to load ask", "error", err)
		return
	}
	if ask.Status != models.AskStatusPending {
		return
	}

	payload, cacheKey := r.buildAnswer(ctx, ask, log)

	if _, err := r.jobs.RecordAnswer(ctx, payload); err != nil {
		// A racing executor answer or a canceled job may have closed the
		// ask; that is not the runner's failure.
		log.Warn("Failed to record answer", "status", payload.Status, "error", err)
		return
	}
	log.Info("Ask answered", "status", payload.Status, "job_id", ask.JobID)

	if cacheKey != "" && payload.Status == models.AnswerStatusAnswered && payload.IsCacheable() {
		entry := &models.DecisionCacheEntry{
			DecisionKey: cacheKey,
			AnswerText:  payload.AnswerText,
			AnswerJSON:  payload.AnswerJSON,
			PolicyTrace: payload.PolicyTrace,
			TTLSeconds:  r.config.CacheTTLSeconds,
		}
		if err := r.store.DecisionCachePut(ctx, entry); err != nil {
			log.Warn("Decision-cache upsert failed", "error", err)
		}
	}
}

// buildAnswer runs the answer pipeline. It returns the payload to record
// plus the decision key to cache under ("" when the result must not be
// cached or came from the cache already).
func (r *Runner) buildAnswer(ctx context.Context, ask *models.Ask, log *slog.Logger) (payload *models.AnswerPayload, cacheKey string) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Panic while answering ask", "panic", rec)
			payload = r.errorAnswer(ask, fmt.Sprintf("runner panic: %v", rec))
			cacheKey = ""
		}
	}()

	// Fail fast on a tampered envelope: no role resolution, no model call.
	hash, err := models.StableHashContext(ask.ContextEnvelope)
	if err != nil {
		return r.errorAnswer(ask, fmt.Sprintf("%s: envelope is not hashable: %v", models.ReasonContextMismatch, err)), ""
	}
	if hash != ask.ContextHash {
		log.Warn("Context hash mismatch", "stored", ask.ContextHash, "computed", hash)
		return r.errorAnswer(ask, fmt.Sprintf("%s: envelope hash %s does not match recorded %s",
			models.ReasonContextMismatch, hash, ask.ContextHash)), ""
	}

	roleID := ask.RoleID
	explicit := roleID != ""
	if !explicit {
		roleID = DefaultRoleID(ask.AskType)
	}
	role, ok := r.roles.Get(roleID)
	if !ok {
		if explicit {
			return r.errorAnswer(ask, fmt.Sprintf("unknown role %q", roleID)), ""
		}
		// Built-in defaults always resolve; reaching here means a broken
		// registry.
		return r.errorAnswer(ask, fmt.Sprintf("default role %q is not registered", roleID)), ""
	}

	prompt := BuildPrompt(ask, role)
	fingerprint := PromptFingerprint(prompt)
	policyVersion := models.PolicyVersion(ask.ContextEnvelope)

	attest := &models.Attestation{
		ContextHash:       ask.ContextHash,
		RoleID:            role.ID,
		RoleVersion:       role.Version,
		PromptFingerprint: fingerprint,
		ToolsUsed:         []string{},
		PolicyVersion:     policyVersion,
	}

	key := models.DecisionKey(ask.AskType, ask.Prompt, ask.ContextHash, policyVersion)
	if cached, err := r.store.DecisionCacheGet(ctx, key); err == nil {
		log.Info("Decision cache hit", "decision_key", key)
		attest.Model = r.config.Model
		return &models.AnswerPayload{
			Type:        "Answer",
			AskID:       ask.AskID,
			JobID:       ask.JobID,
			StepID:      ask.StepID,
			Status:      models.AnswerStatusAnswered,
			AnswerText:  cached.AnswerText,
			AnswerJSON:  cached.AnswerJSON,
			PolicyTrace: cached.PolicyTrace,
			Attestation: attest,
		}, ""
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Warn("Decision-cache read failed", "error", err)
	}

	maxTokens := 4096
	if role.Limits.MaxTokens > 0 {
		maxTokens = role.Limits.MaxTokens
	}
	timeout := r.config.DefaultTimeout
	if c := ask.Constraints; c != nil {
		if c.MaxTokens > 0 {
			maxTokens = c.MaxTokens
		}
		if c.TimeoutS > 0 {
			timeout = time.Duration(c.TimeoutS) * time.Second
		}
	}

	var (
		final   parsedAnswer
		model   string
		lastRaw string
	)
	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		r.mu.Lock()
		r.llmCalls++
		r.mu.Unlock()

		resp, err := r.completer.Complete(callCtx, llm.Request{
			System:    role.SystemPrompt,
			Prompt:    prompt,
			MaxTokens: maxTokens,
		})
		if err != nil {
			return backoff.Permanent(err)
		}
		model = resp.Model
		parsed := parseCompletion(resp.Text)
		if !validateShape(parsed.AnswerJSON, role.OutputSchema) {
			lastRaw = string(parsed.AnswerJSON)
			return errShapeMismatch
		}
		final = parsed
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
	), r.config.MaxRetries), ctx)

	if err := backoff.Retry(operation, bo); err != nil {
		if errors.Is(err, errShapeMismatch) {
			// The model keeps producing the wrong shape; hand the raw JSON
			// over as text and let the executor decide.
			log.Warn("Schema validation exhausted retries, downgrading to text")
			attest.Model = model
			cacheable := false
			return &models.AnswerPayload{
				Type:        "Answer",
				AskID:       ask.AskID,
				JobID:       ask.JobID,
				StepID:      ask.StepID,
				Status:      models.AnswerStatusAnswered,
				AnswerText:  lastRaw,
				Attestation: attest,
				Cacheable:   &cacheable,
			}, ""
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return r.timeoutAnswer(ask, timeout), ""
		}
		return r.errorAnswer(ask, fmt.Sprintf("completion failed: %v", err)), ""
	}

	attest.Model = model
	return &models.AnswerPayload{
		Type:        "Answer",
		AskID:       ask.AskID,
		JobID:       ask.JobID,
		StepID:      ask.StepID,
		Status:      models.AnswerStatusAnswered,
		AnswerText:  final.AnswerText,
		AnswerJSON:  final.AnswerJSON,
		AskBack:     final.AskBack,
		Attestation: attest,
	}, key
}

func (r *Runner) errorAnswer(ask *models.Ask, msg string) *models.AnswerPayload {
	cacheable := false
	return &models.AnswerPayload{
		Type:      "Answer",
		AskID:     ask.AskID,
		JobID:     ask.JobID,
		StepID:    ask.StepID,
		Status:    models.AnswerStatusError,
		Error:     msg,
		Cacheable: &cacheable,
	}
}

func (r *Runner) timeoutAnswer(ask *models.Ask, timeout time.Duration) *models.AnswerPayload {
	cacheable := false
	return &models.AnswerPayload{
		Type:      "Answer",
		AskID:     ask.AskID,
		JobID:     ask.JobID,
		StepID:    ask.StepID,
		Status:    models.AnswerStatusTimeout,
		Error:     fmt.Sprintf("completion timed out after %s", timeout),
		Cacheable: &cacheable,
	}
}
