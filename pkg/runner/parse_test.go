package runner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/relay/pkg/models"
)

func TestExtractOutermostJSON(t *testing.T) {
	t.Run("bare object", func(t *testing.T) {
		raw, ok := extractOutermostJSON(`{"a": 1}`)
		require.True(t, ok)
		assert.JSONEq(t, `{"a": 1}`, string(raw))
	})

	t.Run("object wrapped in prose and fences", func(t *testing.T) {
		text := "Here is the answer:\n```json\n{\"a\": {\"b\": 2}}\n```\nHope that helps."
		raw, ok := extractOutermostJSON(text)
		require.True(t, ok)
		assert.JSONEq(t, `{"a": {"b": 2}}`, string(raw))
	})

	t.Run("braces inside strings do not confuse depth", func(t *testing.T) {
		raw, ok := extractOutermostJSON(`{"text": "a } b { c", "n": 1}`)
		require.True(t, ok)
		assert.JSONEq(t, `{"text": "a } b { c", "n": 1}`, string(raw))
	})

	t.Run("no json", func(t *testing.T) {
		_, ok := extractOutermostJSON("plain prose without structure")
		assert.False(t, ok)
	})

	t.Run("unbalanced json", func(t *testing.T) {
		_, ok := extractOutermostJSON(`{"a": 1`)
		assert.False(t, ok)
	})
}

func TestParseCompletion(t *testing.T) {
	t.Run("known fields extracted", func(t *testing.T) {
		p := parseCompletion(`{"answer_text": "yes", "ask_back": ""}`)
		assert.Equal(t, "yes", p.AnswerText)
		assert.Empty(t, p.AnswerJSON)
	})

	t.Run("unknown object becomes answer_json", func(t *testing.T) {
		p := parseCompletion(`{"columns": ["id", "name"]}`)
		assert.JSONEq(t, `{"columns": ["id", "name"]}`, string(p.AnswerJSON))
	})

	t.Run("no json becomes answer_text", func(t *testing.T) {
		p := parseCompletion("  just words  ")
		assert.Equal(t, "just words", p.AnswerText)
		assert.Empty(t, p.AnswerJSON)
	})
}

func TestValidateShape(t *testing.T) {
	objectSchema := map[string]any{"type": "object"}
	arraySchema := map[string]any{"type": "array"}

	assert.True(t, validateShape([]byte(`{"a":1}`), objectSchema))
	assert.False(t, validateShape([]byte(`[1]`), objectSchema))
	assert.True(t, validateShape([]byte(`[1]`), arraySchema))
	assert.False(t, validateShape([]byte(`{"a":1}`), arraySchema))
	assert.True(t, validateShape(nil, objectSchema), "no answer_json means nothing to validate")
	assert.True(t, validateShape([]byte(`[1]`), nil), "no schema accepts everything")
	assert.True(t, validateShape([]byte(`"s"`), map[string]any{"type": "string"}), "shape check only guards object/array")
}

func TestBuildPrompt(t *testing.T) {
	role := builtinRoles()[RoleFinder]
	ask := &models.Ask{
		AskID:   "ask_1",
		JobID:   "job_1",
		StepID:  "step-1",
		AskType: models.AskTypeResourceFetch,
		Prompt:  "list the columns of table users",
		Constraints: &models.AskConstraints{
			TimeoutS:     30,
			MaxTokens:    512,
			AllowedTools: []string{"db.describe"},
		},
		Meta: map[string]any{
			"prompt_overrides": map[string]any{
				"system_append": "Prefer snake_case names.",
			},
		},
	}

	prompt := BuildPrompt(ask, role)

	sections := strings.Split(prompt, "\n---\n")
	require.Len(t, sections, 4)
	assert.Contains(t, sections[0], "JSON object")
	assert.Contains(t, sections[1], role.ID)
	assert.Contains(t, sections[1], role.SystemPrompt)
	assert.Contains(t, sections[2], "job_1")
	assert.Contains(t, sections[2], "db.describe")
	assert.Contains(t, sections[3], "list the columns of table users")
	assert.Contains(t, sections[3], "Prefer snake_case names.")
	assert.True(t, strings.HasSuffix(prompt, "Return JSON only."))

	// The fingerprint is stable for identical prompts.
	assert.Equal(t, PromptFingerprint(prompt), PromptFingerprint(BuildPrompt(ask, role)))
	assert.Len(t, PromptFingerprint(prompt), 64)
}
