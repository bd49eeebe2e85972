package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/relay/pkg/database"
	"github.com/codeready-toolchain/relay/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	client, err := database.NewClient(database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "relay-test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return New(client.DB())
}

func testSpec(key string) models.JobSpec {
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
	return spec
}

func mustCreateJob(t *testing.T, s *Store, key string, priority models.Priority) *models.Job {
	t.Helper()
	job, err := s.CreateJob(context.Background(), testSpec(key), priority, 3600)
	require.NoError(t, err)
	return job
}

func TestCreateJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("creates queued job", func(t *testing.T) {
		job := mustCreateJob(t, s, "key-create-1", models.PriorityP1)
		assert.Equal(t, models.JobStateQueued, job.State)
		assert.Equal(t, int64(0), job.StateVersion)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, "key-create-1", got.IdempotencyKey)
		assert.Equal(t, models.PriorityP1, got.Priority)
		assert.Equal(t, "add retry logic", got.Spec.Task.Title)
		assert.Nil(t, got.StartedAt)
		assert.Nil(t, got.LeaseOwner)
	})

	t.Run("duplicate idempotency key", func(t *testing.T) {
		mustCreateJob(t, s, "key-create-dup", models.PriorityP1)
		_, err := s.CreateJob(ctx, testSpec("key-create-dup"), models.PriorityP1, 3600)
		assert.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("lookup by idempotency key", func(t *testing.T) {
		job := mustCreateJob(t, s, "key-create-lookup", models.PriorityP0)
		got, err := s.GetJobByIdempotencyKey(ctx, "key-create-lookup")
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
	})

	t.Run("terminal job frees its idempotency key", func(t *testing.T) {
		job := mustCreateJob(t, s, "key-create-free", models.PriorityP1)
		_, err := s.UpdateJobState(ctx, UpdateJobStateParams{ID: job.ID, State: models.JobStateCanceled})
		require.NoError(t, err)

		replacement, err := s.CreateJob(ctx, testSpec("key-create-free"), models.PriorityP1, 3600)
		require.NoError(t, err)
		assert.NotEqual(t, job.ID, replacement.ID)

		got, err := s.GetJobByIdempotencyKey(ctx, "key-create-free")
		require.NoError(t, err)
		assert.Equal(t, replacement.ID, got.ID)
	})

	t.Run("missing job", func(t *testing.T) {
		_, err := s.GetJob(ctx, "job_nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p2 := mustCreateJob(t, s, "key-list-p2", models.PriorityP2)
	p0 := mustCreateJob(t, s, "key-list-p0", models.PriorityP0)
	p1 := mustCreateJob(t, s, "key-list-p1", models.PriorityP1)

	t.Run("orders by priority then age", func(t *testing.T) {
		jobs, total, err := s.ListJobs(ctx, ListJobsParams{Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, jobs, 3)
		assert.Equal(t, p0.ID, jobs[0].ID)
		assert.Equal(t, p1.ID, jobs[1].ID)
		assert.Equal(t, p2.ID, jobs[2].ID)
	})

	t.Run("filters by state", func(t *testing.T) {
		_, err := s.UpdateJobState(ctx, UpdateJobStateParams{ID: p2.ID, State: models.JobStateCanceled})
		require.NoError(t, err)

		state := models.JobStateQueued
		jobs, total, err := s.ListJobs(ctx, ListJobsParams{State: &state, Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, jobs, 2)
	})

	t.Run("pages with total intact", func(t *testing.T) {
		jobs, total, err := s.ListJobs(ctx, ListJobsParams{Limit: 1, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, jobs, 1)
	})
}

func TestUpdateJobState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("bumps version and stamps terminal", func(t *testing.T) {
		job := mustCreateJob(t, s, "key-upd-terminal", models.PriorityP1)
		got, err := s.UpdateJobState(ctx, UpdateJobStateParams{
			ID:         job.ID,
			State:      models.JobStateFailed,
			ReasonCode: models.ReasonTimeout,
			Summary:    "executor timed out",
		})
		require.NoError(t, err)
		assert.Equal(t, models.JobStateFailed, got.State)
		assert.Equal(t, int64(1), got.StateVersion)
		assert.Equal(t, models.ReasonTimeout, got.ReasonCode)
		assert.Equal(t, "executor timed out", got.Summary)
		require.NotNil(t, got.FinishedAt)
	})

	t.Run("compare and swap loses to concurrent writer", func(t *testing.T) {
		job := mustCreateJob(t, s, "key-upd-cas", models.PriorityP1)
		stale := job.StateVersion

		_, err := s.UpdateJobState(ctx, UpdateJobStateParams{ID: job.ID, State: models.JobStateCanceled})
		require.NoError(t, err)

		_, err = s.UpdateJobState(ctx, UpdateJobStateParams{
			ID: job.ID, State: models.JobStateRunning, ExpectVersion: &stale,
		})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("clears lease on unleased state", func(t *testing.T) {
		mustCreateJob(t, s, "key-upd-lease", models.PriorityP0)
		id, ok, err := s.AcquireLease(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.UpdateJobState(ctx, UpdateJobStateParams{ID: id, State: models.JobStateSucceeded})
		require.NoError(t, err)
		assert.Nil(t, got.LeaseOwner)
		assert.Nil(t, got.LeaseExpiresAt)
	})

	t.Run("missing job", func(t *testing.T) {
		_, err := s.UpdateJobState(ctx, UpdateJobStateParams{ID: "job_nope", State: models.JobStateCanceled})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAcquireLease(t *testing.T) {
	ctx := context.Background()

	t.Run("empty queue", func(t *testing.T) {
		s := newTestStore(t)
		_, ok, err := s.AcquireLease(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("prefers higher priority over older job", func(t *testing.T) {
		s := newTestStore(t)
		mustCreateJob(t, s, "key-acq-old-p1", models.PriorityP1)
		urgent := mustCreateJob(t, s, "key-acq-new-p0", models.PriorityP0)

		id, ok, err := s.AcquireLease(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, urgent.ID, id)

		got, err := s.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateRunning, got.State)
		require.NotNil(t, got.LeaseOwner)
		assert.Equal(t, models.LeaseOwner("worker-1"), *got.LeaseOwner)
		require.NotNil(t, got.StartedAt)
		require.NotNil(t, got.HeartbeatAt)
	})

	t.Run("running job with live lease is not reclaimed", func(t *testing.T) {
		s := newTestStore(t)
		mustCreateJob(t, s, "key-acq-held", models.PriorityP1)
		_, ok, err := s.AcquireLease(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		_, ok, err = s.AcquireLease(ctx, "worker-2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("stale job with expired lease is reclaimed", func(t *testing.T) {
		s := newTestStore(t)
		job := mustCreateJob(t, s, "key-acq-stale", models.PriorityP1)
		_, ok, err := s.AcquireLease(ctx, "worker-1", -time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		ids, err := s.MarkStaleLeases(ctx)
		require.NoError(t, err)
		require.Equal(t, []models.JobID{job.ID}, ids)

		id, ok, err := s.AcquireLease(ctx, "worker-2", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, job.ID, id)

		got, err := s.GetJob(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got.LeaseOwner)
		assert.Equal(t, models.LeaseOwner("worker-2"), *got.LeaseOwner)
	})

	t.Run("single winner under contention", func(t *testing.T) {
		s := newTestStore(t)
		mustCreateJob(t, s, "key-acq-race", models.PriorityP1)

		const claimers = 10
		var wg sync.WaitGroup
		wins := make(chan models.LeaseOwner, claimers)
		for i := 0; i < claimers; i++ {
			owner := models.LeaseOwner(string(rune('a' + i)))
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := s.AcquireLease(ctx, owner, time.Minute)
				assert.NoError(t, err)
				if ok {
					wins <- owner
				}
			}()
		}
		wg.Wait()
		close(wins)

		var winners []models.LeaseOwner
		for w := range wins {
			winners = append(winners, w)
		}
		require.Len(t, winners, 1)
	})
}

func TestRenewAndReleaseLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := mustCreateJob(t, s, "key-renew", models.PriorityP1)
	_, ok, err := s.AcquireLease(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	t.Run("owner renews", func(t *testing.T) {
		ok, err := s.RenewLease(ctx, job.ID, "worker-1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("non-owner cannot renew", func(t *testing.T) {
		ok, err := s.RenewLease(ctx, job.ID, "worker-2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("renew fails after job leaves leased state", func(t *testing.T) {
		_, err := s.UpdateJobState(ctx, UpdateJobStateParams{
			ID: job.ID, State: models.JobStateCanceled,
		})
		require.NoError(t, err)

		ok, err := s.RenewLease(ctx, job.ID, "worker-1", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("release is idempotent", func(t *testing.T) {
		require.NoError(t, s.ReleaseLease(ctx, job.ID, "worker-1"))
		require.NoError(t, s.ReleaseLease(ctx, job.ID, "worker-1"))
	})
}

func TestExpireJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	s.SetClock(func() time.Time { return base })
	expired, err := s.CreateJob(ctx, testSpec("key-expire-old"), models.PriorityP1, 60)
	require.NoError(t, err)
	fresh, err := s.CreateJob(ctx, testSpec("key-expire-new"), models.PriorityP1, 3600)
	require.NoError(t, err)

	s.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	ids, err := s.ExpireJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.JobID{expired.ID}, ids)

	got, err := s.GetJob(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateExpired, got.State)
	require.NotNil(t, got.FinishedAt)

	got, err = s.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateQueued, got.State)

	// Terminal jobs stay put on later sweeps.
	ids, err = s.ExpireJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func newTestAsk(job *models.Job, step models.StepID) *models.Ask {
	return &models.Ask{
		AskID:   models.NewAskID(),
		JobID:   job.ID,
		StepID:  step,
		AskType: models.AskTypeClarification,
		Prompt:  "which retry budget applies here?",
		ContextEnvelope: map[string]any{
			"role": "clarifier",
			"job_snapshot": map[string]any{
				"policy_version": "2024-11",
			},
		},
		ContextHash: "a3f5c9e1d7b2a4c6e8f0a1b3c5d7e9f1a3b5c7d9e1f3a5b7c9d1e3f5a7b9c1d3",
		Status:      models.AskStatusPending,
		CreatedAt:   time.Now().UnixMilli(),
	}
}

func TestAsks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := mustCreateJob(t, s, "key-asks", models.PriorityP1)

	t.Run("create and get round trip", func(t *testing.T) {
		ask := newTestAsk(job, "step-1")
		ask.Constraints = &models.AskConstraints{TimeoutS: 30, AllowedTools: []string{"search"}}
		ask.Meta = map[string]any{"attempt": "first"}
		require.NoError(t, s.CreateAsk(ctx, ask))

		got, err := s.GetAsk(ctx, ask.AskID)
		require.NoError(t, err)
		assert.Equal(t, ask.Prompt, got.Prompt)
		assert.Equal(t, ask.ContextHash, got.ContextHash)
		assert.Equal(t, "clarifier", got.ContextEnvelope["role"])
		require.NotNil(t, got.Constraints)
		assert.Equal(t, 30, got.Constraints.TimeoutS)
		assert.Equal(t, map[string]any{"attempt": "first"}, got.Meta)
		assert.Equal(t, models.AskStatusPending, got.Status)
	})

	t.Run("second open ask for same step is rejected", func(t *testing.T) {
		first := newTestAsk(job, "step-dup")
		require.NoError(t, s.CreateAsk(ctx, first))

		err := s.CreateAsk(ctx, newTestAsk(job, "step-dup"))
		assert.ErrorIs(t, err, ErrDuplicate)

		// Closing the first ask frees the (job, step) slot.
		require.NoError(t, s.SetAskStatus(ctx, first.AskID, models.AskStatusPending, models.AskStatusAnswered))
		require.NoError(t, s.CreateAsk(ctx, newTestAsk(job, "step-dup")))
	})

	t.Run("status transition is guarded", func(t *testing.T) {
		ask := newTestAsk(job, "step-guard")
		require.NoError(t, s.CreateAsk(ctx, ask))
		require.NoError(t, s.SetAskStatus(ctx, ask.AskID, models.AskStatusPending, models.AskStatusRejected))

		err := s.SetAskStatus(ctx, ask.AskID, models.AskStatusPending, models.AskStatusAnswered)
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("lists pending oldest first", func(t *testing.T) {
		pending, err := s.ListPendingAsks(ctx, 100)
		require.NoError(t, err)
		for _, ask := range pending {
			assert.Equal(t, models.AskStatusPending, ask.Status)
		}

		all, err := s.ListAsksByJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Greater(t, len(all), len(pending))
	})
}

func TestAnswers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := mustCreateJob(t, s, "key-answers", models.PriorityP1)
	ask := newTestAsk(job, "step-1")
	require.NoError(t, s.CreateAsk(ctx, ask))

	answer := &models.Answer{
		AskID:      ask.AskID,
		JobID:      job.ID,
		StepID:     ask.StepID,
		Status:     models.AnswerStatusAnswered,
		AnswerText: "use the per-route budget",
		AnswerJSON: []byte(`{"budget":"per-route"}`),
		Attestation: &models.Attestation{
			ContextHash:       ask.ContextHash,
			RoleID:            "role.clarifier",
			RoleVersion:       "1",
			Model:             "claude-sonnet-4-5",
			PromptFingerprint: "fp-1",
		},
		Cacheable: true,
		CreatedAt: time.Now().UnixMilli(),
	}

	t.Run("round trip", func(t *testing.T) {
		require.NoError(t, s.UpsertAnswer(ctx, answer))

		got, err := s.GetAnswer(ctx, ask.AskID)
		require.NoError(t, err)
		assert.Equal(t, models.AnswerStatusAnswered, got.Status)
		assert.Equal(t, "use the per-route budget", got.AnswerText)
		assert.JSONEq(t, `{"budget":"per-route"}`, string(got.AnswerJSON))
		require.NotNil(t, got.Attestation)
		assert.Equal(t, ask.ContextHash, got.Attestation.ContextHash)
		assert.True(t, got.Cacheable)
	})

	t.Run("upsert replaces", func(t *testing.T) {
		answer.Status = models.AnswerStatusRejected
		answer.Error = "E_CAPS_VIOLATION: tool not allowed"
		require.NoError(t, s.UpsertAnswer(ctx, answer))

		got, err := s.GetAnswer(ctx, ask.AskID)
		require.NoError(t, err)
		assert.Equal(t, models.AnswerStatusRejected, got.Status)
		assert.Equal(t, "E_CAPS_VIOLATION: tool not allowed", got.Error)
	})

	t.Run("missing answer", func(t *testing.T) {
		_, err := s.GetAnswer(ctx, "ask_nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := mustCreateJob(t, s, "key-events", models.PriorityP1)

	first, err := s.AppendEvent(ctx, job.ID, "job.state", map[string]string{"state": "QUEUED"})
	require.NoError(t, err)
	second, err := s.AppendEvent(ctx, job.ID, "ask.created", map[string]string{"ask_id": "ask_1"})
	require.NoError(t, err)
	require.Greater(t, second.ID, first.ID)

	all, err := s.ListEvents(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "job.state", all[0].Type)
	assert.JSONEq(t, `{"state":"QUEUED"}`, string(all[0].Payload))

	tail, err := s.ListEvents(ctx, job.ID, first.ID)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "ask.created", tail[0].Type)
}

func TestArtifacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := mustCreateJob(t, s, "key-artifacts", models.PriorityP1)

	meta := &models.ArtifactMeta{
		JobID:     job.ID,
		Kind:      models.ArtifactPatchDiff,
		URI:       "file:///var/lib/relay/artifacts/" + job.ID.String() + "/patch.diff",
		Digest:    "sha256:abc",
		Size:      1024,
		CreatedAt: time.Now().UnixMilli(),
	}
	require.NoError(t, s.PutArtifact(ctx, meta))

	t.Run("replaces per kind", func(t *testing.T) {
		meta.Digest = "sha256:def"
		meta.Size = 2048
		require.NoError(t, s.PutArtifact(ctx, meta))

		got, err := s.GetArtifact(ctx, job.ID, models.ArtifactPatchDiff)
		require.NoError(t, err)
		assert.Equal(t, "sha256:def", got.Digest)
		assert.Equal(t, int64(2048), got.Size)
	})

	t.Run("lists all kinds", func(t *testing.T) {
		require.NoError(t, s.PutArtifact(ctx, &models.ArtifactMeta{
			JobID: job.ID, Kind: models.ArtifactOutMD, URI: "file:///tmp/out.md",
			Digest: "sha256:123", Size: 10, CreatedAt: time.Now().UnixMilli(),
		}))
		metas, err := s.ListArtifacts(ctx, job.ID)
		require.NoError(t, err)
		assert.Len(t, metas, 2)
	})

	t.Run("missing artifact", func(t *testing.T) {
		_, err := s.GetArtifact(ctx, job.ID, models.ArtifactPRJSON)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDecisionCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	s.SetClock(func() time.Time { return base })

	entry := &models.DecisionCacheEntry{
		DecisionKey: "dk-1",
		AnswerText:  "approved",
		AnswerJSON:  []byte(`{"decision":"approve"}`),
		PolicyTrace: "rule policy.deploy matched",
		CreatedAt:   base.UnixMilli(),
		TTLSeconds:  60,
	}
	require.NoError(t, s.DecisionCachePut(ctx, entry))

	t.Run("hit before expiry", func(t *testing.T) {
		got, err := s.DecisionCacheGet(ctx, "dk-1")
		require.NoError(t, err)
		assert.Equal(t, "approved", got.AnswerText)
		assert.JSONEq(t, `{"decision":"approve"}`, string(got.AnswerJSON))
	})

	t.Run("miss after expiry", func(t *testing.T) {
		s.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
		_, err := s.DecisionCacheGet(ctx, "dk-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("put stamps the creation time when unset", func(t *testing.T) {
		s := newTestStore(t)

		// The runner builds entries without a creation time; a fresh put
		// must still be a hit against the real clock.
		entry := &models.DecisionCacheEntry{
			DecisionKey: "dk-stamped",
			AnswerText:  "go ahead",
			TTLSeconds:  60,
		}
		require.NoError(t, s.DecisionCachePut(ctx, entry))

		got, err := s.DecisionCacheGet(ctx, "dk-stamped")
		require.NoError(t, err)
		assert.Equal(t, "go ahead", got.AnswerText)
		assert.NotZero(t, got.CreatedAt)

		removed, err := s.DecisionCachePurgeExpired(ctx)
		require.NoError(t, err)
		assert.Zero(t, removed)
	})

	t.Run("purge removes expired rows only", func(t *testing.T) {
		fresh := &models.DecisionCacheEntry{
			DecisionKey: "dk-2",
			AnswerText:  "pick option b",
			CreatedAt:   base.Add(2 * time.Minute).UnixMilli(),
			TTLSeconds:  3600,
		}
		require.NoError(t, s.DecisionCachePut(ctx, fresh))

		removed, err := s.DecisionCachePurgeExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		_, err = s.DecisionCacheGet(ctx, "dk-2")
		require.NoError(t, err)
	})
}
