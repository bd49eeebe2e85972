package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// webhookPayload is the JSON document POSTed to a job's notify URL.
type webhookPayload struct {
	JobID      models.JobID      `json:"jobId"`
	State      models.JobState   `json:"state"`
	Summary    string            `json:"summary,omitempty"`
	ReasonCode models.ReasonCode `json:"reasonCode,omitempty"`
	FinishedAt *int64            `json:"finishedAt,omitempty"`
}

// WebhookSender delivers terminal-state notifications as JSON POSTs.
type WebhookSender struct {
	httpc *http.Client
}

// NewWebhookSender creates a sender with the given per-request timeout.
func NewWebhookSender(timeout time.Duration) *WebhookSender {
	return &WebhookSender{httpc: &http.Client{Timeout: timeout}}
}

// Send POSTs the job's terminal state to url. Any non-2xx response is an
// error.
func (w *WebhookSender) Send(ctx context.Context, url string, job *models.Job) error {
	body, err := json.Marshal(webhookPayload{
		JobID:      job.ID,
		State:      job.State,
		Summary:    job.Summary,
		ReasonCode: job.ReasonCode,
		FinishedAt: job.FinishedAt,
	})
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("delivering webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned %s", resp.Status)
	}
	return nil
}
