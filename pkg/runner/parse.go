package runner

import (
	"encoding/json"
	"strings"
)

// parsedAnswer is what a model completion boils down to.
type parsedAnswer struct {
	AnswerText string          `json:"answer_text"`
	AnswerJSON json.RawMessage `json:"answer_json"`
	AskBack    string          `json:"ask_back"`
}

// extractOutermostJSON returns the first balanced top-level JSON object in
// text, scanning brace depth outside string literals. Models routinely wrap
// JSON in prose or code fences.
func extractOutermostJSON(text string) (json.RawMessage, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := json.RawMessage(text[start : i+1])
				if json.Valid(candidate) {
					return candidate, true
				}
				return nil, false
			}
		}
	}
	return nil, false
}

// parseCompletion extracts the answer fields from a raw model completion.
// When no JSON object is present the whole text becomes answer_text.
func parseCompletion(text string) parsedAnswer {
	raw, ok := extractOutermostJSON(text)
	if !ok {
		return parsedAnswer{AnswerText: strings.TrimSpace(text)}
	}
	var parsed parsedAnswer
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return parsedAnswer{AnswerText: strings.TrimSpace(text)}
	}
	// A JSON object carrying none of the known fields is itself the answer.
	if parsed.AnswerText == "" && len(parsed.AnswerJSON) == 0 && parsed.AskBack == "" {
		parsed.AnswerJSON = raw
	}
	return parsed
}

// validateShape checks answer_json against the role's output schema. The
// check is shape-only: when the schema declares a top-level "type" of
// object or array, the value's top-level type must match.
func validateShape(answerJSON json.RawMessage, schema map[string]any) bool {
	if len(answerJSON) == 0 || len(schema) == 0 {
		return true
	}
	want, _ := schema["type"].(string)
	if want != "object" && want != "array" {
		return true
	}

	trimmed := strings.TrimSpace(string(answerJSON))
	if trimmed == "" {
		return false
	}
	switch want {
	case "object":
		return trimmed[0] == '{'
	case "array":
		return trimmed[0] == '['
	}
	return true
}
