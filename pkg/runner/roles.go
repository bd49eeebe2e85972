// Package runner answers pending asks: it verifies the context envelope,
// resolves a role, builds the layered prompt, calls the completion model,
// and records the answer with an attestation.
package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// RoleLimits bounds a role's completion calls.
type RoleLimits struct {
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	TimeoutS  int `yaml:"timeout_s,omitempty" json:"timeout_s,omitempty"`
}

// Role is a named, versioned prompt template with schemas and limits.
type Role struct {
	ID            string         `yaml:"id" json:"id"`
	Version       string         `yaml:"version" json:"version"`
	Purpose       string         `yaml:"purpose,omitempty" json:"purpose,omitempty"`
	SystemPrompt  string         `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	InputSchema   map[string]any `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	OutputSchema  map[string]any `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`
	ToolWhitelist []string       `yaml:"tool_whitelist,omitempty" json:"tool_whitelist,omitempty"`
	Limits        RoleLimits     `yaml:"limits,omitempty" json:"limits,omitempty"`
	Guardrails    []string       `yaml:"guardrails,omitempty" json:"guardrails,omitempty"`
}

// Built-in role ids.
const (
	RoleClarifier     = "role.clarifier"
	RoleFinder        = "role.finder"
	RolePolicyDecider = "role.policy_decider"
)

// DefaultRoleID returns the built-in role used for an ask type when the ask
// names no role itself.
func DefaultRoleID(askType models.AskType) string {
	switch askType {
	case models.AskTypeResourceFetch:
		return RoleFinder
	case models.AskTypePolicyDecision, models.AskTypeApproval:
		return RolePolicyDecider
	default:
		return RoleClarifier
	}
}

func builtinRoles() map[string]*Role {
	objectSchema := map[string]any{"type": "object"}
	return map[string]*Role{
		RoleClarifier: {
			ID:      RoleClarifier,
			Version: "1",
			Purpose: "Resolve ambiguity in a task with the smallest binding decision.",
			SystemPrompt: "You clarify underspecified engineering tasks. Prefer the " +
				"most conservative reading. If the question offers choices, pick one " +
				"and state it plainly.",
			OutputSchema: objectSchema,
			Limits:       RoleLimits{MaxTokens: 4096, TimeoutS: 60},
			Guardrails:   []string{"Never invent repository facts not present in the context."},
		},
		RoleFinder: {
			ID:      RoleFinder,
			Version: "1",
			Purpose: "Surface facts and resources already present in the supplied context.",
			SystemPrompt: "You answer lookup questions strictly from the supplied " +
				"context snapshot. If the context does not contain the answer, say so " +
				"instead of guessing.",
			OutputSchema: objectSchema,
			Limits:       RoleLimits{MaxTokens: 4096, TimeoutS: 60},
			Guardrails:   []string{"Only report what the context contains."},
		},
		RolePolicyDecider: {
			ID:      RolePolicyDecider,
			Version: "1",
			Purpose: "Decide approval questions against the stated policy.",
			SystemPrompt: "You make binary policy decisions. Cite the policy clause " +
				"driving the decision in a policy_trace field. When policy is silent, " +
				"deny and say why.",
			OutputSchema: objectSchema,
			Limits:       RoleLimits{MaxTokens: 2048, TimeoutS: 60},
			Guardrails:   []string{"Deny when the policy does not clearly allow."},
		},
	}
}

// RoleRegistry resolves role ids to definitions. Built-in roles are always
// present; files from the roles directory override them by id.
type RoleRegistry struct {
	roles map[string]*Role
}

// NewRoleRegistry loads the built-in roles, then merges every *.yaml/*.yml
// file from rolesDir on top. An empty or missing directory leaves only the
// built-ins.
func NewRoleRegistry(rolesDir string) (*RoleRegistry, error) {
	roles := builtinRoles()

	if rolesDir != "" {
		entries, err := os.ReadDir(rolesDir)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading roles directory %s: %w", rolesDir, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
				continue
			}
			role, err := loadRoleFile(filepath.Join(rolesDir, name))
			if err != nil {
				return nil, err
			}
			roles[role.ID] = role
		}
	}

	return &RoleRegistry{roles: roles}, nil
}

func loadRoleFile(path string) (*Role, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading role file %s: %w", path, err)
	}
	var role Role
	if err := yaml.Unmarshal(data, &role); err != nil {
		return nil, fmt.Errorf("parsing role file %s: %w", path, err)
	}
	if role.ID == "" {
		return nil, fmt.Errorf("role file %s: missing required field id", path)
	}
	if role.Version == "" {
		return nil, fmt.Errorf("role file %s: missing required field version", path)
	}
	return &role, nil
}

// Get returns the role definition for id.
func (r *RoleRegistry) Get(id string) (*Role, bool) {
	role, ok := r.roles[id]
	return role, ok
}

// IDs returns the registered role ids.
func (r *RoleRegistry) IDs() []string {
	ids := make([]string, 0, len(r.roles))
	for id := range r.roles {
		ids = append(ids, id)
	}
	return ids
}
