// Package e2e runs the scheduler whole: real sqlite storage, the HTTP
// ask/answer bridge, a worker pool whose backend raises asks over that
// bridge like an external executor tool, and the answer runner driven by a
// scripted completion model.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/relay/pkg/api"
	"github.com/codeready-toolchain/relay/pkg/artifacts"
	"github.com/codeready-toolchain/relay/pkg/database"
	"github.com/codeready-toolchain/relay/pkg/events"
	"github.com/codeready-toolchain/relay/pkg/executor"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/queue"
	"github.com/codeready-toolchain/relay/pkg/runner"
	"github.com/codeready-toolchain/relay/pkg/services"
	"github.com/codeready-toolchain/relay/pkg/store"
)

// executorScript plays the executor side of one job: it may raise asks over
// the bridge and decides what the job produces.
type executorScript func(ctx context.Context, job *models.Job, rc *relayClient) (*executor.Result, error)

type scriptedBackend struct {
	rc     *relayClient
	script executorScript
}

func (b *scriptedBackend) Run(ctx context.Context, job *models.Job, _ string) (*executor.Result, error) {
	return b.script(ctx, job, b.rc)
}

// passPreparer skips git; these scenarios exercise the protocol, not the VCS.
type passPreparer struct{}

func (passPreparer) Prepare(_ context.Context, _ models.RepoSpec, workDir string) (string, error) {
	return workDir, nil
}

func (passPreparer) ApplyCheck(context.Context, string, []byte) error { return nil }

type harness struct {
	t     *testing.T
	store *store.Store
	jobs  *services.JobService
	model *scriptedModel
	rc    *relayClient
}

func newHarness(t *testing.T, script executorScript) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	client, err := database.NewClient(database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "e2e.db"),
	})
	require.NoError(t, err)

	st := store.New(client.DB())
	bus := events.NewBus(slog.Default())
	jobs := services.NewJobService(st, bus, slog.Default())
	art := artifacts.NewStore(t.TempDir())

	srv := api.NewServer(jobs, bus, client, nil, slog.Default(), api.Config{
		LongPollTimeout: 5 * time.Second,
	})
	ts := httptest.NewServer(srv.Routes())
	rc := &relayClient{baseURL: ts.URL, httpc: ts.Client()}

	model := newScriptedModel()
	roles, err := runner.NewRoleRegistry("")
	require.NoError(t, err)
	answerRunner := runner.New(jobs, st, bus, roles, model, slog.Default(), runner.Config{
		DefaultTimeout:  5 * time.Second,
		MaxRetries:      1,
		CacheTTLSeconds: 3600,
		CatchUpInterval: 50 * time.Millisecond,
		Model:           scriptedModelName,
	})
	require.NoError(t, answerRunner.Start(ctx))

	pool := queue.NewWorkerPool("e2e-pool", st, jobs, art, passPreparer{}, &scriptedBackend{rc: rc, script: script}, queue.Config{
		WorkerCount:        1,
		PollInterval:       20 * time.Millisecond,
		PollIntervalJitter: 5 * time.Millisecond,
		LeaseTTL:           5 * time.Second,
		HeartbeatInterval:  50 * time.Millisecond,
		StaleSweepInterval: time.Hour,
		WorkDir:            t.TempDir(),
	})
	require.NoError(t, pool.Start(ctx))

	t.Cleanup(func() {
		// Cancel first so blocked scripts and completions unwind before the
		// components are stopped.
		cancel()
		pool.Stop()
		answerRunner.Stop()
		ts.Close()
		bus.Close()
		_ = client.Close()
	})

	return &harness{t: t, store: st, jobs: jobs, model: model, rc: rc}
}

func (h *harness) submit(key, title string) *models.Job {
	h.t.Helper()
	spec := models.JobSpec{
		Repo: models.RepoSpec{
			Type:           "git",
			URL:            "https://example.com/org/service.git",
			BaseBranch:     "main",
			BaselineCommit: "0123456789abcdef0123456789abcdef01234567",
		},
		Task:           models.TaskSpec{Title: title},
		IdempotencyKey: key,
	}
	spec.ApplyDefaults()
	res, err := h.jobs.Submit(context.Background(), spec)
	require.NoError(h.t, err)
	return res.Job
}

func (h *harness) waitForState(id models.JobID, want models.JobState) *models.Job {
	h.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := h.jobs.Get(context.Background(), id)
		require.NoError(h.t, err)
		if job.State == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, err := h.jobs.Get(context.Background(), id)
	require.NoError(h.t, err)
	h.t.Fatalf("job %s never reached %s, stuck in %s", id, want, job.State)
	return nil
}

// relayClient talks to the bridge the way an executor tool does.
type relayClient struct {
	baseURL string
	httpc   *http.Client
}

func (c *relayClient) createAsk(ctx context.Context, payload *models.AskPayload) (*models.Ask, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/asks", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("POST /asks: %s: %s", resp.Status, raw)
	}
	var ask models.Ask
	if err := json.NewDecoder(resp.Body).Decode(&ask); err != nil {
		return nil, err
	}
	return &ask, nil
}

// awaitAnswer long-polls until the answer arrives or ctx ends.
func (c *relayClient) awaitAnswer(ctx context.Context, askID models.AskID) (*models.Answer, error) {
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/asks/%s/answer?wait=2s", c.baseURL, askID), nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, err
		}
		switch resp.StatusCode {
		case http.StatusOK:
			var answer models.Answer
			err := json.NewDecoder(resp.Body).Decode(&answer)
			resp.Body.Close()
			if err != nil {
				return nil, err
			}
			return &answer, nil
		case http.StatusNoContent:
			resp.Body.Close()
		default:
			raw, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("GET /asks/%s/answer: %s: %s", askID, resp.Status, raw)
		}
	}
}

// askEnvelope is deterministic across jobs so identical questions land on
// the same decision key.
func askEnvelope(question string) map[string]any {
	return map[string]any{
		"role": "executor",
		"job_snapshot": map[string]any{
			"policy_version": "policy-2026-01",
		},
		"question": question,
	}
}

func newAskPayload(jobID models.JobID, step, prompt string) (*models.AskPayload, error) {
	envelope := askEnvelope(prompt)
	hash, err := models.StableHashContext(envelope)
	if err != nil {
		return nil, err
	}
	return &models.AskPayload{
		Type:            "Ask",
		JobID:           jobID,
		StepID:          models.StepID(step),
		AskType:         models.AskTypeClarification,
		Prompt:          prompt,
		ContextHash:     hash,
		ContextEnvelope: envelope,
	}, nil
}
