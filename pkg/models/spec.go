package models

// JobSpec is the immutable description of a job, fixed at submission.
type JobSpec struct {
	Repo           RepoSpec      `json:"repo" validate:"required"`
	Task           TaskSpec      `json:"task" validate:"required"`
	Scope          ScopeSpec     `json:"scope"`
	Context        *ContextSpec  `json:"context,omitempty"`
	OutputContract []string      `json:"outputContract,omitempty"`
	Execution      ExecutionSpec `json:"execution"`
	IdempotencyKey string        `json:"idempotencyKey" validate:"required"`
	Notify         *NotifySpec   `json:"notify,omitempty"`
}

// RepoSpec locates the repository a job operates on.
type RepoSpec struct {
	Type           string     `json:"type" validate:"required,oneof=git local"`
	URL            string     `json:"url,omitempty"`
	Path           string     `json:"path,omitempty"`
	BaseBranch     string     `json:"baseBranch" validate:"required"`
	BaselineCommit CommitHash `json:"baselineCommit" validate:"required"`
}

// TaskSpec describes the work itself.
type TaskSpec struct {
	Title       string   `json:"title" validate:"required"`
	Description string   `json:"description"`
	Acceptance  []string `json:"acceptance,omitempty"`
}

// ScopeSpec bounds what the executor may touch.
type ScopeSpec struct {
	ReadPaths            []string `json:"readPaths,omitempty"`
	FileGlobs            []string `json:"fileGlobs,omitempty"`
	DisallowReformatting bool     `json:"disallowReformatting,omitempty"`
}

// ContextSpec carries optional pre-computed repository context.
type ContextSpec struct {
	DirTreeDigest string   `json:"dirTreeDigest,omitempty"`
	KeySignatures []string `json:"keySignatures,omitempty"`
	CodeSnippets  []string `json:"codeSnippets,omitempty"`
}

// ExecutionSpec controls how the job runs.
type ExecutionSpec struct {
	PreferredModel string   `json:"preferredModel,omitempty"`
	Sandbox        string   `json:"sandbox,omitempty"`
	AskPolicy      string   `json:"askPolicy,omitempty"`
	TimeoutS       int      `json:"timeoutS,omitempty" validate:"omitempty,min=1"`
	Priority       Priority `json:"priority,omitempty" validate:"omitempty,oneof=P0 P1 P2"`
	TTLSeconds     int64    `json:"ttlS,omitempty" validate:"omitempty,min=1"`
}

// NotifySpec is an optional notification target recorded with the job.
type NotifySpec struct {
	URL     string `json:"url,omitempty" validate:"omitempty,url"`
	Channel string `json:"channel,omitempty"`
}

// DefaultOutputContract is the fixed artifact contract for every job.
var DefaultOutputContract = []string{"DIFF", "TEST_PLAN", "NOTES"}

// Spec defaults applied at submission.
const (
	DefaultSandbox       = "read-only"
	DefaultAskPolicy     = "untrusted"
	DefaultExecTimeoutS  = 300
	DefaultJobTTLSeconds = 86400
	DefaultPriority      = PriorityP1
)

// ApplyDefaults fills unset JobSpec fields with their documented defaults.
func (s *JobSpec) ApplyDefaults() {
	if len(s.OutputContract) == 0 {
		s.OutputContract = DefaultOutputContract
	}
	if s.Execution.Sandbox == "" {
		s.Execution.Sandbox = DefaultSandbox
	}
	if s.Execution.AskPolicy == "" {
		s.Execution.AskPolicy = DefaultAskPolicy
	}
	if s.Execution.TimeoutS == 0 {
		s.Execution.TimeoutS = DefaultExecTimeoutS
	}
	if s.Execution.Priority == "" {
		s.Execution.Priority = DefaultPriority
	}
	if s.Execution.TTLSeconds == 0 {
		s.Execution.TTLSeconds = DefaultJobTTLSeconds
	}
}
