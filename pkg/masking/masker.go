// Package masking scrubs credential material from job artifacts before
// they are persisted. Executor tools echo their environment freely; the
// log and notes artifacts must not leak what they saw.
package masking

import (
	"log/slog"
	"regexp"
)

// Pattern is a named regex with its replacement text.
type Pattern struct {
	Name        string
	Pattern     string
	Replacement string
	Description string
}

// compiledPattern holds a pre-compiled pattern.
type compiledPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// Masker applies a fixed pattern set to artifact bytes.
type Masker struct {
	patterns []compiledPattern
}

// NewMasker compiles the built-in patterns plus any extras. Invalid
// patterns are logged and skipped rather than failing construction.
func NewMasker(extra ...Pattern) *Masker {
	m := &Masker{}
	for _, p := range append(builtinPatterns(), extra...) {
		compiled, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("Failed to compile masking pattern, skipping",
				"pattern", p.Name, "error", err)
			continue
		}
		m.patterns = append(m.patterns, compiledPattern{
			name:        p.Name,
			regex:       compiled,
			replacement: p.Replacement,
		})
	}
	return m
}

// Mask returns data with every pattern occurrence replaced. The input is
// never modified.
func (m *Masker) Mask(data []byte) []byte {
	out := data
	for _, p := range m.patterns {
		out = p.regex.ReplaceAll(out, []byte(p.replacement))
	}
	return out
}

// MaskString is Mask for strings.
func (m *Masker) MaskString(s string) string {
	return string(m.Mask([]byte(s)))
}

// builtinPatterns covers the credential shapes executor tools commonly
// leak into their output. Deliberately absent: broad base64 matching,
// which would mangle legitimate diff content.
func builtinPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "api_key",
			Pattern:     `(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{20,})["']?`,
			Replacement: `"api_key": "__MASKED_API_KEY__"`,
			Description: "API keys",
		},
		{
			Name:        "password",
			Pattern:     `(?i)(?:password|pwd|passwd)["']?\s*[:=]\s*["']?([^"'\s\n]{6,})["']?`,
			Replacement: `"password": "__MASKED_PASSWORD__"`,
			Description: "Passwords",
		},
		{
			Name:        "token",
			Pattern:     `(?i)(?:token|bearer|jwt)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
			Replacement: `"token": "__MASKED_TOKEN__"`,
			Description: "Access tokens",
		},
		{
			Name:        "secret_key",
			Pattern:     `(?i)(?:secret[_-]?key|private[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
			Replacement: `"secret_key": "__MASKED_SECRET_KEY__"`,
			Description: "Secret and private key values",
		},
		{
			Name:        "certificate",
			Pattern:     `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
			Replacement: `__MASKED_CERTIFICATE__`,
			Description: "PEM blocks",
		},
		{
			Name:        "ssh_key",
			Pattern:     `ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`,
			Replacement: `__MASKED_SSH_KEY__`,
			Description: "SSH public keys",
		},
		{
			Name:        "aws_access_key",
			Pattern:     `\bAKIA[A-Z0-9]{16}\b`,
			Replacement: `__MASKED_AWS_KEY__`,
			Description: "AWS access key ids",
		},
		{
			Name:        "github_token",
			Pattern:     `\bgh[pousr]_[A-Za-z0-9_]{36,255}\b`,
			Replacement: `__MASKED_GITHUB_TOKEN__`,
			Description: "GitHub tokens",
		},
	}
}
