package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/relay/pkg/database"
	"github.com/codeready-toolchain/relay/pkg/events"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/services"
	"github.com/codeready-toolchain/relay/pkg/store"
)

type apiHarness struct {
	jobs   *services.JobService
	bus    *events.Bus
	server *Server
	router http.Handler
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	client, err := database.NewClient(database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "api-test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	st := store.New(client.DB())
	bus := events.NewBus(slog.Default())
	t.Cleanup(bus.Close)
	jobs := services.NewJobService(st, bus, slog.Default())

	server := NewServer(jobs, bus, client, nil, slog.Default(), Config{
		LongPollTimeout: 2 * time.Second,
		SSEHeartbeat:    100 * time.Millisecond,
	})
	return &apiHarness{jobs: jobs, bus: bus, server: server, router: server.Routes()}
}

func (h *apiHarness) runningJob(t *testing.T, key string) *models.Job {
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

func (h *apiHarness) askPayload(t *testing.T, job *models.Job, step string) map[string]any {
	t.Helper()
	envelope := map[string]any{"role": "default"}
	hash, err := models.StableHashContext(envelope)
	require.NoError(t, err)
	return map[string]any{
		"type":             "Ask",
		"job_id":           job.ID,
		"step_id":          step,
		"ask_type":         "RESOURCE_FETCH",
		"prompt":           "list columns",
		"context_envelope": envelope,
		"context_hash":     hash,
	}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) createAsk(t *testing.T, job *models.Job, step string) *models.Ask {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/asks", h.askPayload(t, job, step))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var ask models.Ask
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ask))
	return &ask
}

func answerBody(ask *models.Ask) map[string]any {
	return map[string]any{
		"type":    "Answer",
		"ask_id":  ask.AskID,
		"job_id":  ask.JobID,
		"step_id": ask.StepID,
		"status":  "ANSWERED",
		"answer_json": map[string]any{
			"columns": []string{"id", "name"},
		},
		"attestation": map[string]any{
			"context_hash":       ask.ContextHash,
			"role_id":            "role.finder",
			"role_version":       "1",
			"model":              "test-model",
			"prompt_fingerprint": strings.Repeat("a", 64),
			"tools_used":         []string{},
		},
	}
}

func TestCreateAskEndpoint(t *testing.T) {
	t.Run("accepts and returns Location", func(t *testing.T) {
		h := newAPIHarness(t)
		job := h.runningJob(t, "api-ask-1")

		rec := h.do(t, http.MethodPost, "/asks", h.askPayload(t, job, "step-1"))
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		var ask models.Ask
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ask))
		assert.Equal(t, "/asks/"+string(ask.AskID)+"/answer", rec.Header().Get("Location"))
		assert.Equal(t, models.AskStatusPending, ask.Status)

		// The job parked while waiting.
		j, err := h.jobs.Get(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateWaitingOnAnswer, j.State)
	})

	t.Run("rejects invalid payload", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodPost, "/asks", map[string]any{"type": "Ask"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects ask for a queued job", func(t *testing.T) {
		h := newAPIHarness(t)
		job := h.runningJob(t, "api-ask-queued")
		// Park it first; a second ask against the same job must fail.
		h.createAsk(t, job, "step-1")
		rec := h.do(t, http.MethodPost, "/asks", h.askPayload(t, job, "step-2"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestWaitForAnswerEndpoint(t *testing.T) {
	t.Run("unknown ask id is 400", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodGet, "/asks/ask_nope/answer", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("no answer without wait is 204", func(t *testing.T) {
		h := newAPIHarness(t)
		job := h.runningJob(t, "api-poll-1")
		ask := h.createAsk(t, job, "step-1")

		rec := h.do(t, http.MethodGet, "/asks/"+string(ask.AskID)+"/answer", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("existing answer returns immediately", func(t *testing.T) {
		h := newAPIHarness(t)
		job := h.runningJob(t, "api-poll-2")
		ask := h.createAsk(t, job, "step-1")

		rec := h.do(t, http.MethodPost, "/answers", answerBody(ask))
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		rec = h.do(t, http.MethodGet, "/asks/"+string(ask.AskID)+"/answer?wait=5s", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var answer models.Answer
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &answer))
		assert.Equal(t, models.AnswerStatusAnswered, answer.Status)
	})

	t.Run("long-poll resolves when the answer arrives", func(t *testing.T) {
		h := newAPIHarness(t)
		job := h.runningJob(t, "api-poll-3")
		ask := h.createAsk(t, job, "step-1")

		done := make(chan *httptest.ResponseRecorder, 1)
		go func() {
			done <- h.do(t, http.MethodGet, "/asks/"+string(ask.AskID)+"/answer?wait=5s", nil)
		}()

		time.Sleep(100 * time.Millisecond)
		rec := h.do(t, http.MethodPost, "/answers", answerBody(ask))
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		select {
		case rec := <-done:
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			var answer models.Answer
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &answer))
			assert.Equal(t, ask.AskID, answer.AskID)
		case <-time.After(5 * time.Second):
			t.Fatal("long-poll never resolved")
		}
	})

	t.Run("wait clamps to the configured maximum", func(t *testing.T) {
		h := newAPIHarness(t)
		job := h.runningJob(t, "api-poll-4")
		ask := h.createAsk(t, job, "step-1")

		start := time.Now()
		rec := h.do(t, http.MethodGet, "/asks/"+string(ask.AskID)+"/answer?wait=300s", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Less(t, time.Since(start), 4*time.Second, "wait was not clamped")
	})
}

func TestRecordAnswerEndpoint(t *testing.T) {
	t.Run("attestation hash mismatch is 400", func(t *testing.T) {
		h := newAPIHarness(t)
		job := h.runningJob(t, "api-answer-1")
		ask := h.createAsk(t, job, "step-1")

		body := answerBody(ask)
		body["attestation"].(map[string]any)["context_hash"] = strings.Repeat("b", 64)
		rec := h.do(t, http.MethodPost, "/answers", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "E_CONTEXT_MISMATCH")
	})

	t.Run("second answer for the same ask is 400", func(t *testing.T) {
		h := newAPIHarness(t)
		job := h.runningJob(t, "api-answer-2")
		ask := h.createAsk(t, job, "step-1")

		rec := h.do(t, http.MethodPost, "/answers", answerBody(ask))
		require.Equal(t, http.StatusAccepted, rec.Code)
		rec = h.do(t, http.MethodPost, "/answers", answerBody(ask))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestJobEndpoints(t *testing.T) {
	t.Run("get job", func(t *testing.T) {
		h := newAPIHarness(t)
		job := h.runningJob(t, "api-job-1")

		rec := h.do(t, http.MethodGet, "/jobs/"+string(job.ID), nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = h.do(t, http.MethodGet, "/jobs/job_missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("ask history pairs asks with answers", func(t *testing.T) {
		h := newAPIHarness(t)
		job := h.runningJob(t, "api-job-2")
		ask := h.createAsk(t, job, "step-1")
		rec := h.do(t, http.MethodPost, "/answers", answerBody(ask))
		require.Equal(t, http.StatusAccepted, rec.Code)

		rec = h.do(t, http.MethodGet, "/jobs/"+string(job.ID)+"/asks", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var out struct {
			JobID string `json:"jobId"`
			Asks  []struct {
				Ask    *models.Ask    `json:"ask"`
				Answer *models.Answer `json:"answer"`
			} `json:"asks"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		assert.Equal(t, string(job.ID), out.JobID)
		require.Len(t, out.Asks, 1)
		require.NotNil(t, out.Asks[0].Answer)
		assert.Equal(t, ask.AskID, out.Asks[0].Answer.AskID)
	})

	t.Run("unknown job ask history is 400", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodGet, "/jobs/job_missing/asks", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHealthz(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestStreamJobEvents(t *testing.T) {
	h := newAPIHarness(t)
	job := h.runningJob(t, "api-sse-1")

	srv := httptest.NewServer(h.router)
	defer srv.Close()

	resp, err := http.Get(fmt.Sprintf("%s/jobs/%s/events", srv.URL, job.ID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	frames := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "event:") {
				frames <- strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			}
		}
		close(frames)
	}()

	expect := func(want string) {
		deadline := time.After(5 * time.Second)
		for {
			select {
			case frame, ok := <-frames:
				if !ok {
					t.Fatalf("stream closed before %q frame", want)
				}
				if frame == want {
					return
				}
			case <-deadline:
				t.Fatalf("no %q frame within deadline", want)
			}
		}
	}

	expect("connected")

	h.jobs.EmitLog(context.Background(), job.ID, "working on it")
	expect("log")

	_, err = h.jobs.UpdateState(context.Background(), job.ID, models.JobStateSucceeded, "", "done")
	require.NoError(t, err)
	expect("status")

	expect("heartbeat")
}

func TestShutdownDrainsLongPolls(t *testing.T) {
	h := newAPIHarness(t)
	job := h.runningJob(t, "api-drain-1")
	ask := h.createAsk(t, job, "step-1")

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- h.do(t, http.MethodGet, "/asks/"+string(ask.AskID)+"/answer?wait=5s", nil)
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, h.server.Shutdown(context.Background()))

	select {
	case rec := <-done:
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("long-poll did not drain on shutdown")
	}

	// New long-polls are refused while draining.
	rec := h.do(t, http.MethodGet, "/asks/"+string(ask.AskID)+"/answer?wait=1s", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
