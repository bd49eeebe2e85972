package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/relay/pkg/database"
	"github.com/codeready-toolchain/relay/pkg/events"
	"github.com/codeready-toolchain/relay/pkg/llm"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/services"
	"github.com/codeready-toolchain/relay/pkg/store"
)

// fakeCompleter returns scripted completions.
type fakeCompleter struct {
	mu    sync.Mutex
	calls int
	fn    func(req llm.Request) (*llm.Response, error)
}

func (c *fakeCompleter) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.fn(req)
}

func (c *fakeCompleter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type runnerHarness struct {
	store     *store.Store
	jobs      *services.JobService
	bus       *events.Bus
	completer *fakeCompleter
	runner    *Runner
}

func newRunnerHarness(t *testing.T) *runnerHarness {
	t.Helper()
	client, err := database.NewClient(database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "runner-test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	st := store.New(client.DB())
	bus := events.NewBus(slog.Default())
	t.Cleanup(bus.Close)
	jobs := services.NewJobService(st, bus, slog.Default())

	completer := &fakeCompleter{
		fn: func(_ llm.Request) (*llm.Response, error) {
			return &llm.Response{
				Text:  `{"answer_json": {"decision": "yes"}}`,
				Model: "test-model",
			}, nil
		},
	}

	roles, err := NewRoleRegistry("")
	require.NoError(t, err)

	h := &runnerHarness{store: st, jobs: jobs, bus: bus, completer: completer}
	h.runner = New(jobs, st, bus, roles, completer, slog.Default(), Config{
		MaxRetries:      1,
		CatchUpInterval: time.Hour,
		Model:           "test-model",
	})
	return h
}

// runningJob submits a job and moves it to RUNNING so it can raise asks.
func (h *runnerHarness) runningJob(t *testing.T, key string) *models.Job {
	t.Helper()
	spec := models.JobSpec{
		Repo: models.RepoSpec{
			Type:           "git",
			URL:            "https://example.com/org/repo.git",
			BaseBranch:     "main",
			BaselineCommit: "0123456789abcdef0123456789abcdef01234567",
		},
		Task:           models.TaskSpec{Title: "add retry logic"},
		IdempotencyKey: key,
	}
	spec.ApplyDefaults()
	res, err := h.jobs.Submit(context.Background(), spec)
	require.NoError(t, err)
	job, err := h.jobs.UpdateState(context.Background(), res.Job.ID, models.JobStateRunning, "", "")
	require.NoError(t, err)
	return job
}

func testEnvelope() map[string]any {
	return map[string]any{
		"role": "default",
		"job_snapshot": map[string]any{
			"policy_version": "policy-v1",
		},
	}
}

func (h *runnerHarness) createAsk(t *testing.T, job *models.Job, prompt string, mutate func(p *models.AskPayload)) *models.Ask {
	t.Helper()
	envelope := testEnvelope()
	hash, err := models.StableHashContext(envelope)
	require.NoError(t, err)

	payload := &models.AskPayload{
		Type:            "Ask",
		JobID:           job.ID,
		StepID:          "step-1",
		AskType:         models.AskTypeResourceFetch,
		Prompt:          prompt,
		ContextEnvelope: envelope,
		ContextHash:     hash,
	}
	if mutate != nil {
		mutate(payload)
	}
	ask, err := h.jobs.CreateAsk(context.Background(), payload)
	require.NoError(t, err)
	return ask
}

func TestProcessAsk(t *testing.T) {
	ctx := context.Background()

	t.Run("answers a pending ask with attestation", func(t *testing.T) {
		h := newRunnerHarness(t)
		job := h.runningJob(t, "runner-happy")
		ask := h.createAsk(t, job, "list columns", nil)

		h.runner.ProcessAsk(ctx, ask.AskID)

		answer, err := h.jobs.GetAnswer(ctx, ask.AskID)
		require.NoError(t, err)
		assert.Equal(t, models.AnswerStatusAnswered, answer.Status)
		assert.JSONEq(t, `{"decision": "yes"}`, string(answer.AnswerJSON))
		require.NotNil(t, answer.Attestation)
		assert.Equal(t, ask.ContextHash, answer.Attestation.ContextHash)
		assert.Equal(t, RoleFinder, answer.Attestation.RoleID)
		assert.Equal(t, "test-model", answer.Attestation.Model)
		assert.Equal(t, "policy-v1", answer.Attestation.PolicyVersion)
		assert.Len(t, answer.Attestation.PromptFingerprint, 64)

		got, err := h.jobs.GetAsk(ctx, ask.AskID)
		require.NoError(t, err)
		assert.Equal(t, models.AskStatusAnswered, got.Status)

		// ANSWERED resumes the job.
		j, err := h.jobs.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateRunning, j.State)
	})

	t.Run("tampered envelope fails fast without a model call", func(t *testing.T) {
		h := newRunnerHarness(t)
		job := h.runningJob(t, "runner-tampered")
		ask := h.createAsk(t, job, "list columns", func(p *models.AskPayload) {
			p.ContextEnvelope = map[string]any{"role": "default", "extra": "mutated"}
		})

		h.runner.ProcessAsk(ctx, ask.AskID)

		answer, err := h.jobs.GetAnswer(ctx, ask.AskID)
		require.NoError(t, err)
		assert.Equal(t, models.AnswerStatusError, answer.Status)
		assert.Contains(t, answer.Error, string(models.ReasonContextMismatch))
		assert.False(t, answer.Cacheable)
		assert.Zero(t, h.completer.callCount())

		// ERROR answers fail the job.
		j, err := h.jobs.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateFailed, j.State)
		assert.Equal(t, models.ReasonExecutorError, j.ReasonCode)
	})

	t.Run("identical decision key hits the cache", func(t *testing.T) {
		h := newRunnerHarness(t)
		jobA := h.runningJob(t, "runner-cache-a")
		jobB := h.runningJob(t, "runner-cache-b")
		askA := h.createAsk(t, jobA, "same question", nil)
		askB := h.createAsk(t, jobB, "same question", nil)

		h.runner.ProcessAsk(ctx, askA.AskID)
		h.runner.ProcessAsk(ctx, askB.AskID)

		first, err := h.jobs.GetAnswer(ctx, askA.AskID)
		require.NoError(t, err)
		second, err := h.jobs.GetAnswer(ctx, askB.AskID)
		require.NoError(t, err)
		assert.Equal(t, models.AnswerStatusAnswered, second.Status)
		assert.Equal(t, string(first.AnswerJSON), string(second.AnswerJSON))
		assert.Equal(t, 1, h.completer.callCount())
	})

	t.Run("shape failure retries then downgrades to text", func(t *testing.T) {
		h := newRunnerHarness(t)
		job := h.runningJob(t, "runner-shape")
		ask := h.createAsk(t, job, "give me an object", nil)

		h.completer.fn = func(_ llm.Request) (*llm.Response, error) {
			return &llm.Response{Text: `{"answer_json": [1, 2, 3]}`, Model: "test-model"}, nil
		}

		h.runner.ProcessAsk(ctx, ask.AskID)

		answer, err := h.jobs.GetAnswer(ctx, ask.AskID)
		require.NoError(t, err)
		assert.Equal(t, models.AnswerStatusAnswered, answer.Status)
		assert.Empty(t, answer.AnswerJSON)
		assert.JSONEq(t, `[1, 2, 3]`, answer.AnswerText)
		assert.False(t, answer.Cacheable)
		assert.Equal(t, 2, h.completer.callCount())

		// Non-cacheable answers must not land in the decision cache.
		key := models.DecisionKey(ask.AskType, ask.Prompt, ask.ContextHash, "policy-v1")
		_, err = h.store.DecisionCacheGet(ctx, key)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("unknown explicit role returns ERROR", func(t *testing.T) {
		h := newRunnerHarness(t)
		job := h.runningJob(t, "runner-no-role")
		ask := h.createAsk(t, job, "who am I", func(p *models.AskPayload) {
			p.RoleID = "role.does_not_exist"
		})

		h.runner.ProcessAsk(ctx, ask.AskID)

		answer, err := h.jobs.GetAnswer(ctx, ask.AskID)
		require.NoError(t, err)
		assert.Equal(t, models.AnswerStatusError, answer.Status)
		assert.Contains(t, answer.Error, "role.does_not_exist")
		assert.Zero(t, h.completer.callCount())
	})

	t.Run("completion failure returns ERROR", func(t *testing.T) {
		h := newRunnerHarness(t)
		job := h.runningJob(t, "runner-llm-err")
		ask := h.createAsk(t, job, "anything", nil)

		h.completer.fn = func(_ llm.Request) (*llm.Response, error) {
			return nil, errors.New("connection refused")
		}

		h.runner.ProcessAsk(ctx, ask.AskID)

		answer, err := h.jobs.GetAnswer(ctx, ask.AskID)
		require.NoError(t, err)
		assert.Equal(t, models.AnswerStatusError, answer.Status)
		assert.Contains(t, answer.Error, "connection refused")
		assert.Equal(t, 1, h.completer.callCount(), "network failures are not retried")
	})

	t.Run("ask_back passes through", func(t *testing.T) {
		h := newRunnerHarness(t)
		job := h.runningJob(t, "runner-askback")
		ask := h.createAsk(t, job, "ambiguous", nil)

		h.completer.fn = func(_ llm.Request) (*llm.Response, error) {
			return &llm.Response{Text: `{"ask_back": "which branch do you mean?"}`, Model: "test-model"}, nil
		}

		h.runner.ProcessAsk(ctx, ask.AskID)

		answer, err := h.jobs.GetAnswer(ctx, ask.AskID)
		require.NoError(t, err)
		assert.Equal(t, models.AnswerStatusAnswered, answer.Status)
		assert.Equal(t, "which branch do you mean?", answer.AskBack)
	})
}

func TestRunnerEventDriven(t *testing.T) {
	h := newRunnerHarness(t)
	ctx := context.Background()

	require.NoError(t, h.runner.Start(ctx))
	defer h.runner.Stop()

	job := h.runningJob(t, "runner-bus")
	ask := h.createAsk(t, job, "triggered via bus", nil)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if answer, err := h.jobs.GetAnswer(ctx, ask.AskID); err == nil {
			assert.Equal(t, models.AnswerStatusAnswered, answer.Status)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("runner never answered the ask raised on the bus")
}

func TestRunnerConcurrentAsks(t *testing.T) {
	h := newRunnerHarness(t)
	ctx := context.Background()

	require.NoError(t, h.runner.Start(ctx))
	defer h.runner.Stop()

	var asks []*models.Ask
	for i := 0; i < 5; i++ {
		job := h.runningJob(t, fmt.Sprintf("runner-conc-%d", i))
		asks = append(asks, h.createAsk(t, job, fmt.Sprintf("question %d", i), nil))
	}

	deadline := time.Now().Add(10 * time.Second)
	for _, ask := range asks {
		for {
			if _, err := h.jobs.GetAnswer(ctx, ask.AskID); err == nil {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("ask %s never answered", ask.AskID)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestDecisionCacheEntryRoundTrip(t *testing.T) {
	h := newRunnerHarness(t)
	ctx := context.Background()

	entry := &models.DecisionCacheEntry{
		DecisionKey: models.DecisionKey(models.AskTypeChoice, "p", "h", "v"),
		AnswerJSON:  json.RawMessage(`{"pick": "a"}`),
		TTLSeconds:  60,
	}
	require.NoError(t, h.store.DecisionCachePut(ctx, entry))

	got, err := h.store.DecisionCacheGet(ctx, entry.DecisionKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pick": "a"}`, string(got.AnswerJSON))
}
