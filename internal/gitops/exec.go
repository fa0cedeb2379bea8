package gitops

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Environment variables read by the push credential helper. The helper shell
// expands them itself, so the token never appears in argv or in the helper
// string passed to git.
const (
	pushUserEnv  = "CRISP_GIT_PUSH_USER"
	pushTokenEnv = "CRISP_GIT_PUSH_TOKEN"
)

// pushCredentialHelper emits credentials following the git credential
// protocol, which takes values raw (no percent-decoding).
const pushCredentialHelper = `!f() { echo "username=$` + pushUserEnv + `"; echo "password=$` + pushTokenEnv + `"; }; f`

// ExecClient shells out to the git binary. It is the default Client wired by
// the CLI; tests use fakes.
type ExecClient struct{}

func (ExecClient) run(ctx context.Context, dir string, env []string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = append(os.Environ(), env...)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %v: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (c ExecClient) Init(ctx context.Context, dir, defaultBranch string) error {
	return c.run(ctx, dir, nil, "init", "-b", defaultBranch)
}

func (c ExecClient) StageAll(ctx context.Context, dir string) error {
	return c.run(ctx, dir, nil, "add", "-A")
}

func (c ExecClient) Commit(ctx context.Context, dir, message string, author Author) error {
	return c.run(ctx, dir, nil,
		"-c", "user.name="+author.Name,
		"-c", "user.email="+author.Email,
		"commit", "-m", message)
}

func (c ExecClient) AddRemote(ctx context.Context, dir, name, url string) error {
	return c.run(ctx, dir, nil, "remote", "add", name, url)
}

func (c ExecClient) Push(ctx context.Context, dir, remote, branch string, creds Credentials) error {
	// Credentials are injected per-invocation through a helper so the token
	// never lands in .git/config. They travel via the environment, keeping
	// them out of the command line and of anything the shell interpolates.
	return c.run(ctx, dir, pushEnv(creds),
		"-c", "credential.helper="+pushCredentialHelper,
		"push", "-u", remote, branch)
}

func pushEnv(creds Credentials) []string {
	return []string{
		pushUserEnv + "=" + creds.Username,
		pushTokenEnv + "=" + creds.Token,
	}
}
