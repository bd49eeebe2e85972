package notify

import (
	"fmt"

	goslack "github.com/slack-go/slack"

	"github.com/codeready-toolchain/relay/pkg/models"
)

const maxBlockTextLength = 2900

var stateEmoji = map[models.JobState]string{
	models.JobStateSucceeded: ":white_check_mark:",
	models.JobStateFailed:    ":x:",
	models.JobStateCanceled:  ":no_entry_sign:",
	models.JobStateExpired:   ":hourglass:",
}

var stateLabel = map[models.JobState]string{
	models.JobStateSucceeded: "Job Succeeded",
	models.JobStateFailed:    "Job Failed",
	models.JobStateCanceled:  "Job Canceled",
	models.JobStateExpired:   "Job Expired",
}

// BuildTerminalMessage creates Block Kit blocks for a terminal job
// notification.
func BuildTerminalMessage(job *models.Job) []goslack.Block {
	emoji := stateEmoji[job.State]
	if emoji == "" {
		emoji = ":question:"
	}
	label := stateLabel[job.State]
	if label == "" {
		label = "Job " + string(job.State)
	}

	header := fmt.Sprintf("%s *%s*: %s", emoji, label, job.Spec.Task.Title)
	if job.ReasonCode != "" {
		header += fmt.Sprintf("\n*Reason:* `%s`", job.ReasonCode)
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false),
			nil, nil,
		),
	}
	if job.Summary != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncateForSlack(job.Summary), false, false),
			nil, nil,
		))
	}
	blocks = append(blocks, goslack.NewContextBlock("",
		goslack.NewTextBlockObject(goslack.MarkdownType, "job `"+job.ID.String()+"`", false, false),
	))
	return blocks
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated)_"
}
