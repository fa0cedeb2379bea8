// Package orchestrator builds execution plans and runs them against the
// external collaborators: templates, policy gate, source-control platform,
// local git, workspace filesystem and audit log.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"crisp/internal/audit"
	"crisp/internal/config"
	"crisp/internal/domain"
	"crisp/internal/fsops"
	"crisp/internal/gitops"
	"crisp/internal/links"
	"crisp/internal/platform"
	"crisp/internal/policy"
	"crisp/internal/templates"
)

const (
	defaultPollAttempts = 3
	defaultPollInterval = 10 * time.Second
)

// Orchestrator coordinates plan creation and sequential plan execution.
type Orchestrator struct {
	Config     *config.Config
	Templates  *templates.Registry
	Policy     policy.Engine
	Provider   platform.Provider
	Git        gitops.Client
	Workspaces fsops.Manager
	Audit      audit.Logger
	Logger     *slog.Logger
	Now        func() time.Time

	// PollAttempts/PollInterval bound the CI verification loop.
	PollAttempts int
	PollInterval time.Duration

	// PostDelivery, when set, runs after a successful delivery. Its errors
	// are logged, never folded into the result.
	PostDelivery func(ctx context.Context, plan *domain.ExecutionPlan, res *domain.DeliveryResult) error
}

func New(cfg *config.Config, reg *templates.Registry, gate policy.Engine, provider platform.Provider, git gitops.Client, workspaces fsops.Manager, auditLog audit.Logger) *Orchestrator {
	return &Orchestrator{
		Config:       cfg,
		Templates:    reg,
		Policy:       gate,
		Provider:     provider,
		Git:          git,
		Workspaces:   workspaces,
		Audit:        auditLog,
		Now:          time.Now,
		PollAttempts: defaultPollAttempts,
		PollInterval: defaultPollInterval,
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Orchestrator) auditLog() audit.Logger {
	if o.Audit != nil {
		return o.Audit
	}
	return audit.NopLogger{}
}

func (o *Orchestrator) appendAudit(ctx context.Context, sessionID, operation, phase, outcome, detail string) {
	err := o.auditLog().Append(ctx, audit.Entry{
		SessionID: sessionID,
		Operation: operation,
		Phase:     phase,
		Outcome:   outcome,
		Detail:    detail,
	})
	if err != nil {
		o.logger().Warn("audit append failed", "operation", operation, "error", err)
	}
}

// CreatePlan resolves a generator and pipeline for the requirements, asks
// the policy gate for advisory results, and assembles the plan. No
// filesystem or network side effects happen here.
func (o *Orchestrator) CreatePlan(ctx context.Context, sessionID string, req domain.ProjectRequirements) (*domain.ExecutionPlan, error) {
	gen, ok := o.Templates.Find(req)
	if !ok {
		perr := &PlanningError{Reason: fmt.Sprintf("no generator matches language %q framework %q", req.Language, req.Framework)}
		o.appendAudit(ctx, sessionID, "plan.create", audit.PhasePlan, audit.OutcomeError, perr.Reason)
		return nil, perr
	}

	var pipeline *domain.PipelineDefinition
	if o.Config.Pipelines.Enabled {
		if pg, found := o.Templates.FindPipeline(req.Platform, o.Config.Pipelines.Format); found {
			def, err := pg.Generate(req)
			if err != nil {
				perr := &PlanningError{Reason: fmt.Sprintf("pipeline generation: %v", err)}
				o.appendAudit(ctx, sessionID, "plan.create", audit.PhasePlan, audit.OutcomeError, perr.Reason)
				return nil, perr
			}
			pipeline = &def
		}
	}

	owner, err := platform.ResolveOwner(o.Config, req)
	if err != nil {
		perr := &PlanningError{Reason: err.Error()}
		o.appendAudit(ctx, sessionID, "plan.create", audit.PhasePlan, audit.OutcomeError, perr.Reason)
		return nil, perr
	}

	plan := &domain.ExecutionPlan{
		ID:           uuid.NewString(),
		Requirements: req,
		Template:     domain.TemplateSelection{GeneratorID: gen.ID(), Version: gen.Version()},
		PlannedFiles: gen.PlanFiles(req),
		Repository: domain.RepositoryDetails{
			Name:          req.ProjectName,
			Owner:         owner,
			Visibility:    req.Visibility,
			DefaultBranch: o.Config.Git.DefaultBranch,
		},
		Pipeline:  pipeline,
		CreatedAt: o.now().UTC(),
	}
	plan.PolicyResults = o.Policy.Validate(ctx, req, plan)
	plan.Steps = domain.NewExecutionSteps(pipeline != nil)
	plan.Summary = summarize(plan)

	o.appendAudit(ctx, sessionID, "plan.create", audit.PhasePlan, audit.OutcomeOK,
		fmt.Sprintf("plan %s: %d steps, generator %s", plan.ID, len(plan.Steps), gen.ID()))
	return plan, nil
}

func summarize(plan *domain.ExecutionPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create %s repository %s/%s (%s", plan.Requirements.Platform,
		plan.Repository.Owner, plan.Repository.Name, plan.Requirements.Language)
	if plan.Requirements.Framework != "" {
		fmt.Fprintf(&b, "/%s", plan.Requirements.Framework)
	}
	fmt.Fprintf(&b, ", %s)", plan.Repository.Visibility)
	fmt.Fprintf(&b, " with %d planned files", len(plan.PlannedFiles))
	if plan.Pipeline != nil {
		fmt.Fprintf(&b, " and CI pipeline %s", plan.Pipeline.FileName)
	}
	failed := 0
	for _, res := range plan.PolicyResults {
		if !res.Passed {
			failed++
		}
	}
	if failed > 0 {
		fmt.Fprintf(&b, "; %d policy check(s) flagged", failed)
	}
	return b.String()
}

// ExecutePlan runs an approved plan's steps strictly in order. Any step
// failure aborts the remaining steps and yields a failed DeliveryResult.
// The workspace is always cleaned up; cleanup failures are logged only.
func (o *Orchestrator) ExecutePlan(ctx context.Context, sessionID string, plan *domain.ExecutionPlan, sink domain.EventSink) (domain.DeliveryResult, error) {
	if plan == nil {
		return domain.DeliveryResult{}, &UsageError{Reason: "no plan to execute"}
	}
	if !plan.IsApproved {
		return domain.DeliveryResult{}, &UsageError{Reason: "plan is not approved"}
	}
	if sink == nil {
		sink = domain.NopSink{}
	}
	if sessionID == "" {
		sessionID = plan.ID
	}

	ws, err := o.Workspaces.Acquire(ctx, plan.Repository.Name)
	if err != nil {
		return o.failedResult(ctx, sessionID, plan, sink, fmt.Errorf("acquire workspace: %w", err))
	}
	defer func() {
		if cleanupErr := ws.Cleanup(); cleanupErr != nil {
			o.logger().Warn("workspace cleanup failed", "dir", ws.Dir(), "error", cleanupErr)
			o.appendAudit(ctx, sessionID, "workspace.cleanup", audit.PhaseCleanup, audit.OutcomeError, cleanupErr.Error())
		}
	}()

	run := &planRun{orch: o, sessionID: sessionID, plan: plan, sink: sink, workspace: ws}
	if err := run.execute(ctx); err != nil {
		return o.failedResult(ctx, sessionID, plan, sink, err)
	}

	result := o.buildDelivery(plan, run)
	sink.Publish(domain.AgentEvent{Kind: domain.EventDeliveryReady, Timestamp: o.now().UTC(), Delivery: &result})
	o.appendAudit(ctx, sessionID, "plan.execute", audit.PhaseExecute, audit.OutcomeOK, result.RepositoryURL)

	if o.PostDelivery != nil {
		if hookErr := o.PostDelivery(ctx, plan, &result); hookErr != nil {
			o.logger().Warn("post-delivery hook failed", "error", hookErr)
		}
	}
	return result, nil
}

func (o *Orchestrator) failedResult(ctx context.Context, sessionID string, plan *domain.ExecutionPlan, sink domain.EventSink, err error) (domain.DeliveryResult, error) {
	o.appendAudit(ctx, sessionID, "plan.execute", audit.PhaseExecute, audit.OutcomeError, err.Error())
	sink.Publish(domain.AgentEvent{Kind: domain.EventError, Timestamp: o.now().UTC(), Error: err.Error()})
	return domain.DeliveryResult{
		Success:      false,
		Platform:     plan.Requirements.Platform,
		ErrorMessage: err.Error(),
	}, err
}

// planRun carries per-execution state between steps.
type planRun struct {
	orch      *Orchestrator
	sessionID string
	plan      *domain.ExecutionPlan
	sink      domain.EventSink
	workspace fsops.Workspace

	pipelineRun platform.PipelineRun
	buildStatus string
}

func (r *planRun) execute(ctx context.Context) error {
	for i := range r.plan.Steps {
		step := &r.plan.Steps[i]
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, step, err)
		}
		announced := *step
		r.sink.Publish(domain.AgentEvent{Kind: domain.EventStepStarted, Timestamp: r.orch.now().UTC(), Step: &announced})

		result, err := r.runStep(ctx, step)
		if err != nil {
			return r.fail(ctx, step, err)
		}
		step.Completed = true
		step.Result = result
		r.orch.appendAudit(ctx, r.sessionID, step.Operation, audit.PhaseExecute, audit.OutcomeOK, result)
	}
	return nil
}

func (r *planRun) fail(ctx context.Context, step *domain.ExecutionStep, err error) error {
	step.Result = "failed: " + err.Error()
	r.orch.appendAudit(ctx, r.sessionID, step.Operation, audit.PhaseExecute, audit.OutcomeError, err.Error())
	return &StepExecutionError{StepNumber: step.Number, Operation: step.Operation, Err: err}
}

func (r *planRun) runStep(ctx context.Context, step *domain.ExecutionStep) (string, error) {
	o := r.orch
	plan := r.plan
	switch step.Operation {
	case domain.OpTemplateSelect:
		return fmt.Sprintf("selected %s@%s", plan.Template.GeneratorID, plan.Template.Version), nil

	case domain.OpScaffold:
		gen, ok := o.Templates.Find(plan.Requirements)
		if !ok {
			return "", fmt.Errorf("generator %s no longer registered", plan.Template.GeneratorID)
		}
		if err := gen.Scaffold(ctx, plan.Requirements, r.workspace.Dir()); err != nil {
			return "", fmt.Errorf("scaffold: %w", err)
		}
		if plan.Pipeline != nil {
			if err := r.workspace.WriteFile(plan.Pipeline.FilePath, []byte(plan.Pipeline.Content)); err != nil {
				return "", fmt.Errorf("write pipeline file: %w", err)
			}
		}
		return fmt.Sprintf("scaffolded %d files", len(plan.PlannedFiles)), nil

	case domain.OpCreateRepository:
		created, err := o.Provider.CreateRepository(ctx, plan.Repository.Name, plan.Requirements.Description, plan.Repository.Visibility)
		if err != nil {
			return "", fmt.Errorf("create repository: %w", err)
		}
		// The single allowed plan mutation after creation.
		plan.Repository.URL = created.URL
		plan.Repository.CloneURL = created.CloneURL
		return "created " + created.URL, nil

	case domain.OpInitCommit:
		dir := r.workspace.Dir()
		branch := plan.Repository.DefaultBranch
		if err := o.Git.Init(ctx, dir, branch); err != nil {
			return "", fmt.Errorf("git init: %w", err)
		}
		if err := o.Git.StageAll(ctx, dir); err != nil {
			return "", fmt.Errorf("git add: %w", err)
		}
		author := gitops.Author{Name: o.Config.Git.AuthorName, Email: o.Config.Git.AuthorEmail}
		if err := o.Git.Commit(ctx, dir, "Initial commit", author); err != nil {
			return "", fmt.Errorf("git commit: %w", err)
		}
		return "committed to " + branch, nil

	case domain.OpPush:
		dir := r.workspace.Dir()
		if err := o.Git.AddRemote(ctx, dir, "origin", plan.Repository.CloneURL); err != nil {
			return "", fmt.Errorf("add remote: %w", err)
		}
		creds := platform.PushCredentials(o.Config, plan.Repository.Owner)
		if err := o.Git.Push(ctx, dir, "origin", plan.Repository.DefaultBranch, creds); err != nil {
			return "", fmt.Errorf("push: %w", err)
		}
		return "pushed " + plan.Repository.DefaultBranch, nil

	case domain.OpTriggerPipeline:
		// CI is best-effort telemetry: a trigger failure is recorded on the
		// step but does not fail the delivery.
		pr, err := o.Provider.TriggerPipeline(ctx, plan.Repository.Owner, plan.Repository.Name, plan.Repository.DefaultBranch)
		if err != nil {
			r.buildStatus = "trigger_failed"
			return "trigger failed: " + err.Error(), nil
		}
		r.pipelineRun = pr
		return "triggered run " + pr.ID, nil

	case domain.OpVerifyPipeline:
		return r.verifyPipeline(ctx), nil

	default:
		return "", fmt.Errorf("unknown step operation %q", step.Operation)
	}
}

// verifyPipeline polls CI status with a fixed attempt budget and interval,
// stopping early on a success-class conclusion. Non-success outcomes and
// polling errors are recorded, never escalated.
func (r *planRun) verifyPipeline(ctx context.Context) string {
	o := r.orch
	if r.buildStatus == "trigger_failed" {
		return "skipped: pipeline trigger failed"
	}
	attempts := o.PollAttempts
	if attempts <= 0 {
		attempts = defaultPollAttempts
	}
	interval := o.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	last := platform.RunStatus{Status: "unknown"}
	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-ctx.Done():
			r.buildStatus = "unknown"
			return "verification cancelled"
		case <-time.After(interval):
		}
		status, err := o.Provider.PipelineRunStatus(ctx, r.plan.Repository.Owner, r.plan.Repository.Name, r.pipelineRun.ID)
		if err != nil {
			o.logger().Warn("pipeline status poll failed", "attempt", attempt, "error", err)
			continue
		}
		last = status
		if domain.ConclusionIsSuccess(status.Conclusion) {
			r.buildStatus = status.Conclusion
			return "pipeline succeeded"
		}
		if domain.ConclusionIsTerminal(status.Conclusion) {
			r.buildStatus = status.Conclusion
			return "pipeline finished: " + status.Conclusion
		}
	}
	if last.Conclusion != "" {
		r.buildStatus = last.Conclusion
	} else {
		r.buildStatus = last.Status
	}
	return "pipeline still running after " + fmt.Sprint(attempts) + " polls"
}

func (o *Orchestrator) buildDelivery(plan *domain.ExecutionPlan, run *planRun) domain.DeliveryResult {
	res := domain.DeliveryResult{
		Success:          true,
		Platform:         plan.Requirements.Platform,
		RepositoryURL:    plan.Repository.URL,
		CloneURL:         plan.Repository.CloneURL,
		DefaultBranch:    plan.Repository.DefaultBranch,
		PipelineURL:      run.pipelineRun.URL,
		BuildStatus:      run.buildStatus,
		VSCodeWebURL:     links.VSCodeWeb(plan.Repository.URL),
		VSCodeDesktopURL: links.VSCodeDesktop(plan.Repository.CloneURL),
	}
	switch plan.Requirements.Platform {
	case domain.PlatformGitHub:
		res.Extras = map[string]string{"actions_url": plan.Repository.URL + "/actions"}
	case domain.PlatformAzureDevOps:
		res.Extras = map[string]string{"organization": o.Config.AzureDevOps.Organization}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Delivered %s/%s on %s (branch %s)",
		plan.Repository.Owner, plan.Repository.Name, res.Platform, res.DefaultBranch)
	if plan.Pipeline != nil {
		fmt.Fprintf(&b, "; CI status: %s", orUnknown(res.BuildStatus))
	}
	res.Summary = b.String()
	return res
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// ScaffoldProject is the non-interactive wrapper: create a plan, optionally
// auto-approve, execute.
func (o *Orchestrator) ScaffoldProject(ctx context.Context, req domain.ProjectRequirements, autoApprove bool) (*domain.ExecutionPlan, domain.DeliveryResult, error) {
	plan, err := o.CreatePlan(ctx, "", req)
	if err != nil {
		return nil, domain.DeliveryResult{}, err
	}
	if autoApprove {
		plan.IsApproved = true
	}
	res, err := o.ExecutePlan(ctx, plan.ID, plan, domain.NopSink{})
	return plan, res, err
}

// ValidateConfiguration reports human-readable configuration problems. An
// empty list means healthy. Expected misconfiguration never returns an
// error; this is a read-only diagnostic.
func (o *Orchestrator) ValidateConfiguration(ctx context.Context) []string {
	var problems []string
	switch o.Config.Platform {
	case domain.PlatformGitHub:
		if o.Config.GitHub.Owner == "" {
			problems = append(problems, "github.owner is not set")
		}
		if o.Config.GitHub.Token == "" {
			problems = append(problems, "github token is not set (config or CRISP_GITHUB_TOKEN)")
		}
	case domain.PlatformAzureDevOps:
		if o.Config.AzureDevOps.Organization == "" {
			problems = append(problems, "azure_devops.organization is not set")
		}
		if o.Config.AzureDevOps.Token == "" {
			problems = append(problems, "azure devops token is not set (config or CRISP_AZURE_DEVOPS_TOKEN)")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown platform %q", o.Config.Platform))
	}
	if len(problems) == 0 && o.Provider != nil {
		if err := o.Provider.ValidateConnection(ctx); err != nil {
			problems = append(problems, fmt.Sprintf("platform connectivity check failed: %v", err))
		}
	}
	return problems
}
