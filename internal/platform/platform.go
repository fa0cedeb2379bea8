// Package platform defines the remote source-control collaborator and the
// platform-specific resolution rules the orchestrator relies on.
package platform

import (
	"context"
	"fmt"

	"crisp/internal/config"
	"crisp/internal/domain"
	"crisp/internal/gitops"
)

// Repository is the remote repository created for a plan.
type Repository struct {
	URL      string
	CloneURL string
}

// PipelineRun references a triggered CI run.
type PipelineRun struct {
	ID  string
	URL string
}

// RunStatus is a point-in-time CI run status. Conclusion is empty until the
// run reaches a terminal state.
type RunStatus struct {
	Status     string
	Conclusion string
}

// Provider is the remote platform client consumed by the orchestrator.
type Provider interface {
	Platform() string
	CreateRepository(ctx context.Context, name, description, visibility string) (Repository, error)
	TriggerPipeline(ctx context.Context, owner, repo, branch string) (PipelineRun, error)
	PipelineRunStatus(ctx context.Context, owner, repo, runID string) (RunStatus, error)
	ValidateConnection(ctx context.Context) error
}

// Azure DevOps pushes authenticate with a PAT under a placeholder username.
const azurePushUser = "crisp"

// ResolveOwner computes the repository owner for the configured platform:
// the configured account on GitHub, the project name itself on Azure DevOps
// (where repositories live inside a project of the same name).
func ResolveOwner(cfg *config.Config, req domain.ProjectRequirements) (string, error) {
	switch cfg.Platform {
	case domain.PlatformGitHub:
		if cfg.GitHub.Owner == "" {
			return "", fmt.Errorf("github owner not configured")
		}
		return cfg.GitHub.Owner, nil
	case domain.PlatformAzureDevOps:
		return req.ProjectName, nil
	default:
		return "", fmt.Errorf("unknown platform %q", cfg.Platform)
	}
}

// PushCredentials returns the credentials used for the push step.
func PushCredentials(cfg *config.Config, owner string) gitops.Credentials {
	switch cfg.Platform {
	case domain.PlatformAzureDevOps:
		return gitops.Credentials{Username: azurePushUser, Token: cfg.AzureDevOps.Token}
	default:
		return gitops.Credentials{Username: owner, Token: cfg.GitHub.Token}
	}
}
