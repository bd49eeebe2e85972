package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// StableHashContext canonicalizes a context envelope and returns the
// lowercase-hex SHA-256 of the canonical form. Object keys are sorted
// recursively, array order is preserved, and the serialization carries no
// insignificant whitespace, so any two structurally-equal envelopes hash
// identically regardless of key order on the producer side.
func StableHashContext(envelope any) (string, error) {
	canon, err := CanonicalJSON(envelope)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON serializes v into the minimal canonical JSON form used for
// context hashing. v is round-tripped through encoding/json first so struct
// values and map values canonicalize identically.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var parsed any
	if err := dec.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("reparsing envelope: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, parsed); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case string:
		enc, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(enc)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(enc)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported JSON value of type %T", v)
	}
	return nil
}

// DecisionKey derives the decision-cache primary key from the identity of a
// decision: what was asked, over which exact context, under which policy.
func DecisionKey(askType AskType, prompt, contextHash, policyVersion string) string {
	h := sha256.New()
	h.Write([]byte(askType))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	h.Write([]byte{0})
	h.Write([]byte(contextHash))
	h.Write([]byte{0})
	h.Write([]byte(policyVersion))
	return hex.EncodeToString(h.Sum(nil))
}

// PolicyVersion extracts job_snapshot.policy_version from an envelope,
// returning "" when absent.
func PolicyVersion(envelope map[string]any) string {
	snap, ok := envelope["job_snapshot"].(map[string]any)
	if !ok {
		return ""
	}
	pv, _ := snap["policy_version"].(string)
	return pv
}
