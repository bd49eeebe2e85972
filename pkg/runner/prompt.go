package runner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codeready-toolchain/relay/pkg/models"
)

const basePrompt = `## Base
You are the answer runner for a task scheduler. Respond with exactly one
JSON object and nothing else. The object may contain the fields
"answer_text" (string), "answer_json" (object or array), and "ask_back"
(string, only when the question cannot be answered without one more piece
of information). Summarize aggressively. Output JSON only.`

// BuildPrompt assembles the layered prompt for an ask: Base, Role, Context,
// and Task sections joined by a separator line.
func BuildPrompt(ask *models.Ask, role *Role) string {
	sections := []string{basePrompt}

	if role != nil {
		var b strings.Builder
		fmt.Fprintf(&b, "## Role\nid: %s\nversion: %s\n", role.ID, role.Version)
		if role.Purpose != "" {
			fmt.Fprintf(&b, "purpose: %s\n", role.Purpose)
		}
		if role.SystemPrompt != "" {
			fmt.Fprintf(&b, "\n%s\n", role.SystemPrompt)
		}
		if len(role.InputSchema) > 0 {
			b.WriteString("\ninput_schema:\n" + mustJSON(role.InputSchema) + "\n")
		}
		if len(role.OutputSchema) > 0 {
			b.WriteString("\noutput_schema:\n" + mustJSON(role.OutputSchema) + "\n")
		}
		if len(role.ToolWhitelist) > 0 {
			fmt.Fprintf(&b, "\ntool_whitelist: %s\n", strings.Join(role.ToolWhitelist, ", "))
		}
		if role.Limits != (RoleLimits{}) {
			fmt.Fprintf(&b, "limits: max_tokens=%d timeout_s=%d\n", role.Limits.MaxTokens, role.Limits.TimeoutS)
		}
		for _, g := range role.Guardrails {
			fmt.Fprintf(&b, "guardrail: %s\n", g)
		}
		sections = append(sections, strings.TrimRight(b.String(), "\n"))
	}

	var ctx strings.Builder
	fmt.Fprintf(&ctx, "## Context\njob_id: %s\nstep_id: %s\nask_type: %s\n", ask.JobID, ask.StepID, ask.AskType)
	if c := ask.Constraints; c != nil {
		if len(c.AllowedTools) > 0 {
			fmt.Fprintf(&ctx, "allowed_tools: %s\n", strings.Join(c.AllowedTools, ", "))
		}
		if c.TimeoutS > 0 {
			fmt.Fprintf(&ctx, "timeout_s: %d\n", c.TimeoutS)
		}
		if c.MaxTokens > 0 {
			fmt.Fprintf(&ctx, "max_tokens: %d\n", c.MaxTokens)
		}
	}
	if len(ask.Meta) > 0 {
		ctx.WriteString("meta:\n" + mustJSON(ask.Meta) + "\n")
	}
	sections = append(sections, strings.TrimRight(ctx.String(), "\n"))

	var task strings.Builder
	task.WriteString("## Task\n" + ask.Prompt + "\n")
	if overrides, ok := ask.Meta["prompt_overrides"].(map[string]any); ok {
		if appendix, ok := overrides["system_append"].(string); ok && appendix != "" {
			task.WriteString("\n" + appendix + "\n")
		}
		if schema, ok := overrides["output_schema"]; ok {
			task.WriteString("\nRequired output schema:\n" + mustJSON(schema) + "\n")
		}
	}
	task.WriteString("\nReturn JSON only.")
	sections = append(sections, task.String())

	return strings.Join(sections, "\n---\n")
}

// PromptFingerprint is the SHA-256 hex digest of the full layered prompt.
func PromptFingerprint(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

func mustJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
