package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/services"
	"github.com/codeready-toolchain/relay/pkg/store"
)

type jobsSubmitInput struct {
	Spec models.JobSpec `json:"spec" jsonschema:"job specification to enqueue"`
}

type jobsGetInput struct {
	JobID string `json:"jobId" jsonschema:"job identifier"`
}

type jobsListInput struct {
	State  string `json:"state,omitempty" jsonschema:"optional state filter (QUEUED, RUNNING, ...)"`
	Limit  int    `json:"limit,omitempty" jsonschema:"optional page size (default 20, max 100)"`
	Offset int    `json:"offset,omitempty" jsonschema:"optional page offset"`
}

type jobsCancelInput struct {
	JobID string `json:"jobId" jsonschema:"job identifier"`
}

// jobSummary is the condensed job view returned by jobs_get and jobs_list.
type jobSummary struct {
	ID         models.JobID      `json:"id"`
	State      models.JobState   `json:"state"`
	Summary    string            `json:"summary,omitempty"`
	ReasonCode models.ReasonCode `json:"reasonCode,omitempty"`
	LastUpdate int64             `json:"lastUpdate"`
	Attempt    int64             `json:"attempt"`
	PR         json.RawMessage   `json:"pr,omitempty"`
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.server, &mcpsdk.Tool{
		Name:        "jobs_submit",
		Description: "Submit a job spec; returns the job id (idempotent on spec.idempotency_key)",
	}, s.handleJobsSubmit)

	mcpsdk.AddTool(s.server, &mcpsdk.Tool{
		Name:        "jobs_get",
		Description: "Get a condensed view of one job",
	}, s.handleJobsGet)

	mcpsdk.AddTool(s.server, &mcpsdk.Tool{
		Name:        "jobs_list",
		Description: "List jobs with optional state filter and paging",
	}, s.handleJobsList)

	mcpsdk.AddTool(s.server, &mcpsdk.Tool{
		Name:        "jobs_cancel",
		Description: "Cancel a job; reports ok=false with the current state when it is already terminal",
	}, s.handleJobsCancel)
}

func (s *Server) handleJobsSubmit(ctx context.Context, _ *mcpsdk.CallToolRequest, input jobsSubmitInput) (*mcpsdk.CallToolResult, any, error) {
	res, err := s.jobs.Submit(ctx, input.Spec)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(map[string]any{
		"jobId":    res.Job.ID,
		"deduped":  !res.Created,
		"state":    res.Job.State,
		"priority": res.Job.Priority,
	})
}

func (s *Server) handleJobsGet(ctx context.Context, _ *mcpsdk.CallToolRequest, input jobsGetInput) (*mcpsdk.CallToolResult, any, error) {
	job, err := s.jobs.Get(ctx, models.JobID(input.JobID))
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(s.summarize(ctx, job))
}

func (s *Server) handleJobsList(ctx context.Context, _ *mcpsdk.CallToolRequest, input jobsListInput) (*mcpsdk.CallToolResult, any, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := input.Offset
	if offset < 0 {
		offset = 0
	}

	params := store.ListJobsParams{Limit: limit, Offset: offset}
	if input.State != "" {
		state := models.JobState(input.State)
		if !state.Valid() {
			return nil, nil, fmt.Errorf("unknown state %q", input.State)
		}
		params.State = &state
	}

	jobs, total, err := s.jobs.List(ctx, params)
	if err != nil {
		return nil, nil, err
	}

	items := make([]jobSummary, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, s.summarize(ctx, job))
	}
	return jsonToolResult(map[string]any{
		"items":   items,
		"total":   total,
		"hasMore": offset+len(items) < total,
	})
}

func (s *Server) handleJobsCancel(ctx context.Context, _ *mcpsdk.CallToolRequest, input jobsCancelInput) (*mcpsdk.CallToolResult, any, error) {
	job, err := s.jobs.Cancel(ctx, models.JobID(input.JobID), "Canceled via MCP")
	if err != nil {
		// A terminal job is a soft failure: report the state instead of
		// erroring the tool call.
		if errors.Is(err, services.ErrWrongState) {
			current, getErr := s.jobs.Get(ctx, models.JobID(input.JobID))
			if getErr != nil {
				return nil, nil, getErr
			}
			return jsonToolResult(map[string]any{"ok": false, "state": current.State})
		}
		return nil, nil, err
	}
	return jsonToolResult(map[string]any{"ok": true, "state": job.State})
}

// summarize builds the condensed job view, inlining pr.json when present.
func (s *Server) summarize(ctx context.Context, job *models.Job) jobSummary {
	out := jobSummary{
		ID:         job.ID,
		State:      job.State,
		Summary:    job.Summary,
		ReasonCode: job.ReasonCode,
		LastUpdate: job.LastUpdate(),
		Attempt:    job.StateVersion,
	}
	if _, err := s.jobs.GetArtifact(ctx, job.ID, models.ArtifactPRJSON); err == nil {
		if data, err := s.artifacts.Read(job.ID, models.ArtifactPRJSON); err == nil && json.Valid(data) {
			out.PR = data
		}
	}
	return out
}

func jsonToolResult(v any) (*mcpsdk.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return textToolResult(string(data)), nil, nil
}

func textToolResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
	}
}
