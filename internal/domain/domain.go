package domain

import "time"

// Target source-control platforms.
const (
	PlatformGitHub      = "github"
	PlatformAzureDevOps = "azure-devops"
)

// ProjectRequirements is the structured creation request. It is assembled by
// the intake layer and never mutated after plan creation starts.
type ProjectRequirements struct {
	ProjectName      string `json:"project_name"`
	Description      string `json:"description,omitempty"`
	Language         string `json:"language"`
	Framework        string `json:"framework,omitempty"`
	Platform         string `json:"platform" enum:"github,azure-devops"`
	Visibility       string `json:"visibility" enum:"private,public"`
	IncludeContainer bool   `json:"include_container,omitempty"`
	TestingFramework string `json:"testing_framework,omitempty"`
	Linting          string `json:"linting,omitempty"`
}

// TemplateSelection records which generator a plan was built with.
// Informational only; it is not re-validated during execution.
type TemplateSelection struct {
	GeneratorID string `json:"generator_id"`
	Version     string `json:"version,omitempty"`
}

// PlannedFile previews one path the scaffold step will materialize.
type PlannedFile struct {
	Path        string `json:"path"`
	IsDir       bool   `json:"is_dir,omitempty"`
	Description string `json:"description,omitempty"`
}

// RepositoryDetails describes the remote repository. URL and CloneURL are
// populated by the create-repository step; they are the only plan fields
// mutated after plan creation.
type RepositoryDetails struct {
	Name          string `json:"name"`
	Owner         string `json:"owner"`
	Visibility    string `json:"visibility" enum:"private,public"`
	DefaultBranch string `json:"default_branch"`
	URL           string `json:"url,omitempty"`
	CloneURL      string `json:"clone_url,omitempty"`
}

// PipelineDefinition is a generated CI pipeline file plus its metadata.
// Nil on a plan means CI generation was disabled or no generator matched.
type PipelineDefinition struct {
	FileName string   `json:"file_name"`
	FilePath string   `json:"file_path"`
	Content  string   `json:"content,omitempty"`
	Trigger  string   `json:"trigger,omitempty"`
	Steps    []string `json:"steps,omitempty"`
}

// Policy result severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// PolicyValidationResult is one advisory rule outcome attached to a plan.
type PolicyValidationResult struct {
	PolicyID string `json:"policy_id"`
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Message  string `json:"message,omitempty"`
	Severity string `json:"severity" enum:"info,warning,error"`
}

// Step operation identifiers, in execution order.
const (
	OpTemplateSelect   = "template.select"
	OpScaffold         = "scaffold.project"
	OpCreateRepository = "repo.create"
	OpInitCommit       = "git.init_commit"
	OpPush             = "git.push"
	OpTriggerPipeline  = "pipeline.trigger"
	OpVerifyPipeline   = "pipeline.verify"
)

// ExecutionStep is one ordered, auditable unit of plan execution. Steps are
// created once at plan time; Completed and Result are set only by the step
// that ran them.
type ExecutionStep struct {
	Number      int    `json:"number"`
	Description string `json:"description"`
	Operation   string `json:"operation"`
	Completed   bool   `json:"completed"`
	Result      string `json:"result,omitempty"`
}

// NewExecutionSteps assembles the deterministic step list for a plan. Numbers
// are contiguous starting at 1: five steps, or seven when a pipeline will be
// generated and verified.
func NewExecutionSteps(withPipeline bool) []ExecutionStep {
	steps := []ExecutionStep{
		{Description: "Select project template", Operation: OpTemplateSelect},
		{Description: "Scaffold project files", Operation: OpScaffold},
		{Description: "Create remote repository", Operation: OpCreateRepository},
		{Description: "Initialize git and commit", Operation: OpInitCommit},
		{Description: "Push to remote", Operation: OpPush},
	}
	if withPipeline {
		steps = append(steps,
			ExecutionStep{Description: "Trigger CI pipeline", Operation: OpTriggerPipeline},
			ExecutionStep{Description: "Verify CI pipeline run", Operation: OpVerifyPipeline},
		)
	}
	for i := range steps {
		steps[i].Number = i + 1
	}
	return steps
}

// ExecutionPlan is the approved-then-executed description of what will be
// built. Immutable after creation except for Repository.URL/CloneURL and the
// IsApproved flag, which is set exactly once before execution.
type ExecutionPlan struct {
	ID            string                   `json:"id"`
	Requirements  ProjectRequirements      `json:"requirements"`
	Template      TemplateSelection        `json:"template"`
	PlannedFiles  []PlannedFile            `json:"planned_files,omitempty"`
	Repository    RepositoryDetails        `json:"repository"`
	Pipeline      *PipelineDefinition      `json:"pipeline,omitempty"`
	PolicyResults []PolicyValidationResult `json:"policy_results,omitempty"`
	Steps         []ExecutionStep          `json:"steps"`
	IsApproved    bool                     `json:"is_approved"`
	Summary       string                   `json:"summary,omitempty"`
	CreatedAt     time.Time                `json:"created_at" format:"date-time"`
}

// HasPipeline reports whether the plan carries CI steps.
func (p *ExecutionPlan) HasPipeline() bool { return p != nil && p.Pipeline != nil }

// Clone returns an independent copy of the plan. Executors work on a clone so
// that concurrent readers of the original never observe in-flight mutation.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Pipeline != nil {
		pl := *p.Pipeline
		cp.Pipeline = &pl
	}
	cp.PlannedFiles = append([]PlannedFile(nil), p.PlannedFiles...)
	cp.PolicyResults = append([]PolicyValidationResult(nil), p.PolicyResults...)
	cp.Steps = append([]ExecutionStep(nil), p.Steps...)
	return &cp
}

// DeliveryResult is the final caller-facing outcome of executing a plan.
// Success implies non-empty RepositoryURL and CloneURL; failure implies a
// non-empty ErrorMessage.
type DeliveryResult struct {
	Success          bool              `json:"success"`
	Platform         string            `json:"platform,omitempty"`
	RepositoryURL    string            `json:"repository_url,omitempty"`
	CloneURL         string            `json:"clone_url,omitempty"`
	DefaultBranch    string            `json:"default_branch,omitempty"`
	PipelineURL      string            `json:"pipeline_url,omitempty"`
	BuildStatus      string            `json:"build_status,omitempty"`
	VSCodeWebURL     string            `json:"vscode_web_url,omitempty"`
	VSCodeDesktopURL string            `json:"vscode_desktop_url,omitempty"`
	Extras           map[string]string `json:"extras,omitempty"`
	Summary          string            `json:"summary,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
}

// Chat roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one entry in a session's append-only message log.
type ChatMessage struct {
	ID        string         `json:"id"`
	Role      string         `json:"role" enum:"user,assistant"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp" format:"date-time"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Agent event kinds.
const (
	EventAgentMessage  = "agent_message"
	EventPlanReady     = "plan_ready"
	EventStepStarted   = "step_started"
	EventDeliveryReady = "delivery_ready"
	EventError         = "error"
)

// AgentEvent is the tagged union broadcast on a session's stream. Kind
// selects which payload field is set.
type AgentEvent struct {
	Kind      string          `json:"kind" enum:"agent_message,plan_ready,step_started,delivery_ready,error"`
	Timestamp time.Time       `json:"timestamp" format:"date-time"`
	Message   *ChatMessage    `json:"message,omitempty"`
	Plan      *ExecutionPlan  `json:"plan,omitempty"`
	Step      *ExecutionStep  `json:"step,omitempty"`
	Delivery  *DeliveryResult `json:"delivery,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// EventSink receives progress events during plan execution. A session's
// stream satisfies this; publishing must never block the producer.
type EventSink interface {
	Publish(evt AgentEvent)
}

// NopSink discards events. Used by non-interactive callers.
type NopSink struct{}

func (NopSink) Publish(AgentEvent) {}

// Session statuses.
const (
	StatusIntake           = "intake"
	StatusPlanning         = "planning"
	StatusAwaitingApproval = "awaiting_approval"
	StatusExecuting        = "executing"
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
)

// Pipeline run conclusions as reported by the CI system. "success" is the
// only success-class conclusion.
const (
	ConclusionSuccess   = "success"
	ConclusionFailure   = "failure"
	ConclusionCancelled = "cancelled"
	ConclusionTimedOut  = "timed_out"
	ConclusionPending   = "pending"
)

// ConclusionIsSuccess reports whether a conclusion ends polling early.
func ConclusionIsSuccess(c string) bool { return c == ConclusionSuccess }

// ConclusionIsTerminal reports whether a conclusion means the run finished.
func ConclusionIsTerminal(c string) bool {
	switch c {
	case ConclusionSuccess, ConclusionFailure, ConclusionCancelled, ConclusionTimedOut:
		return true
	}
	return false
}
