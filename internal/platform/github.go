package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"crisp/internal/domain"
)

const defaultGitHubAPI = "https://api.github.com"

// GitHubProvider is a thin client for the GitHub REST API.
type GitHubProvider struct {
	Token   string
	BaseURL string
	HTTP    *http.Client
}

func NewGitHubProvider(token, baseURL string) *GitHubProvider {
	if baseURL == "" {
		baseURL = defaultGitHubAPI
	}
	return &GitHubProvider{
		Token:   token,
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *GitHubProvider) Platform() string { return domain.PlatformGitHub }

func (p *GitHubProvider) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+p.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("github %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (p *GitHubProvider) CreateRepository(ctx context.Context, name, description, visibility string) (Repository, error) {
	payload := map[string]any{
		"name":        name,
		"description": description,
		"private":     visibility != "public",
	}
	var created struct {
		HTMLURL  string `json:"html_url"`
		CloneURL string `json:"clone_url"`
	}
	if err := p.do(ctx, http.MethodPost, "/user/repos", payload, &created); err != nil {
		return Repository{}, err
	}
	return Repository{URL: created.HTMLURL, CloneURL: created.CloneURL}, nil
}

func (p *GitHubProvider) TriggerPipeline(ctx context.Context, owner, repo, branch string) (PipelineRun, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/workflows/ci.yml/dispatches", owner, repo)
	payload := map[string]any{"ref": branch}
	if err := p.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		return PipelineRun{}, err
	}
	// Dispatch returns no run id; resolve the newest run.
	run, err := p.latestRun(ctx, owner, repo)
	if err != nil {
		// The run may not be visible yet; callers poll by repo in that case.
		return PipelineRun{URL: fmt.Sprintf("https://github.com/%s/%s/actions", owner, repo)}, nil
	}
	return run, nil
}

func (p *GitHubProvider) latestRun(ctx context.Context, owner, repo string) (PipelineRun, error) {
	var runs struct {
		WorkflowRuns []struct {
			ID      int64  `json:"id"`
			HTMLURL string `json:"html_url"`
		} `json:"workflow_runs"`
	}
	path := fmt.Sprintf("/repos/%s/%s/actions/runs?per_page=1", owner, repo)
	if err := p.do(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return PipelineRun{}, err
	}
	if len(runs.WorkflowRuns) == 0 {
		return PipelineRun{}, fmt.Errorf("no workflow runs yet")
	}
	first := runs.WorkflowRuns[0]
	return PipelineRun{ID: strconv.FormatInt(first.ID, 10), URL: first.HTMLURL}, nil
}

func (p *GitHubProvider) PipelineRunStatus(ctx context.Context, owner, repo, runID string) (RunStatus, error) {
	if runID == "" {
		run, err := p.latestRun(ctx, owner, repo)
		if err != nil {
			return RunStatus{Status: "queued", Conclusion: domain.ConclusionPending}, nil
		}
		runID = run.ID
	}
	var run struct {
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
	}
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%s", owner, repo, runID)
	if err := p.do(ctx, http.MethodGet, path, nil, &run); err != nil {
		return RunStatus{}, err
	}
	return RunStatus{Status: run.Status, Conclusion: run.Conclusion}, nil
}

func (p *GitHubProvider) ValidateConnection(ctx context.Context) error {
	return p.do(ctx, http.MethodGet, "/user", nil, nil)
}
