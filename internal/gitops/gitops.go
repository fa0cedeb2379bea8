// Package gitops defines the local version-control collaborator.
package gitops

import "context"

// Author identifies the commit author.
type Author struct {
	Name  string
	Email string
}

// Credentials authenticate a push. Username is platform-specific: the
// repository owner on GitHub, a fixed placeholder user on Azure DevOps.
type Credentials struct {
	Username string
	Token    string
}

// Client performs local git operations inside a workspace directory.
type Client interface {
	Init(ctx context.Context, dir, defaultBranch string) error
	StageAll(ctx context.Context, dir string) error
	Commit(ctx context.Context, dir, message string, author Author) error
	AddRemote(ctx context.Context, dir, name, url string) error
	Push(ctx context.Context, dir, remote, branch string, creds Credentials) error
}
