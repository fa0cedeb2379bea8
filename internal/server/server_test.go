package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v5"

	"crisp/internal/audit"
	"crisp/internal/config"
	"crisp/internal/db"
	"crisp/internal/domain"
	"crisp/internal/fsops"
	"crisp/internal/gitops"
	"crisp/internal/migrate"
	"crisp/internal/orchestrator"
	"crisp/internal/platform"
	"crisp/internal/policy"
	"crisp/internal/repo"
	"crisp/internal/session"
	"crisp/internal/templates"
)

type stubProvider struct{}

func (stubProvider) Platform() string { return domain.PlatformGitHub }
func (stubProvider) CreateRepository(ctx context.Context, name, description, visibility string) (platform.Repository, error) {
	return platform.Repository{
		URL:      "https://github.com/acme/" + name,
		CloneURL: "https://github.com/acme/" + name + ".git",
	}, nil
}
func (stubProvider) TriggerPipeline(ctx context.Context, owner, repo, branch string) (platform.PipelineRun, error) {
	return platform.PipelineRun{ID: "run-1", URL: "https://example.test/run-1"}, nil
}
func (stubProvider) PipelineRunStatus(ctx context.Context, owner, repo, runID string) (platform.RunStatus, error) {
	return platform.RunStatus{Status: "completed", Conclusion: domain.ConclusionSuccess}, nil
}
func (stubProvider) ValidateConnection(ctx context.Context) error { return nil }

type stubGit struct{}

func (stubGit) Init(ctx context.Context, dir, branch string) error                 { return nil }
func (stubGit) StageAll(ctx context.Context, dir string) error                     { return nil }
func (stubGit) Commit(ctx context.Context, dir, msg string, a gitops.Author) error { return nil }
func (stubGit) AddRemote(ctx context.Context, dir, name, url string) error         { return nil }
func (stubGit) Push(ctx context.Context, dir, remote, branch string, c gitops.Credentials) error {
	return nil
}

type testServer struct {
	URL      string
	Repo     repo.Repo
	Registry *session.Registry
	client   *http.Client
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Default()
	cfg.GitHub.Owner = "acme"
	cfg.GitHub.Token = "tok"

	auditLog := audit.Writer{DB: conn}
	orch := orchestrator.New(
		cfg,
		templates.Defaults(),
		policy.NewRulesEngine(cfg.Policies),
		stubProvider{},
		stubGit{},
		fsops.LocalManager{Root: t.TempDir()},
		auditLog,
	)
	orch.PollInterval = time.Millisecond

	registry := session.NewRegistry()
	r := repo.Repo{DB: conn}
	handler, err := New(Config{
		Orchestrator: orch,
		Registry:     registry,
		Repo:         r,
		Audit:        auditLog,
		BasePath:     "/v1",
		Auth:         auth,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:      "http://" + ln.Addr().String(),
		Repo:     r,
		Registry: registry,
		client:   &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func planRequest() map[string]any {
	return map[string]any{
		"requirements": map[string]any{
			"project_name": "widget",
			"description":  "a widget service",
			"language":     "go",
			"platform":     "github",
			"visibility":   "private",
		},
	}
}

func createSession(t *testing.T, srv *testServer) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sessions", nil, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create session status %d: %s", res.StatusCode, data)
	}
	var created SessionSummary
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	return created.ID
}

func waitForStatus(t *testing.T, srv *testServer, id string, want string) SessionStatusResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last SessionStatusResponse
	for time.Now().Before(deadline) {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/sessions/"+id+"/status", nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %s", res.StatusCode, data)
		}
		if err := json.Unmarshal(data, &last); err != nil {
			t.Fatalf("unmarshal status: %v", err)
		}
		if last.Status == want {
			return last
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session never reached %s, last status %q", want, last.Status)
	return last
}

func TestFullDeliveryFlow(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	id := createSession(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sessions/"+id+"/messages", map[string]any{
		"content": "scaffold a go service called widget",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("post message status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sessions/"+id+"/plan", planRequest(), nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create plan status %d: %s", res.StatusCode, data)
	}
	var plan domain.ExecutionPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	if len(plan.Steps) != 7 {
		t.Fatalf("plan has %d steps, want 7", len(plan.Steps))
	}
	if plan.IsApproved {
		t.Fatal("fresh plan must not be approved")
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sessions/"+id+"/approval", map[string]any{
		"approved": true,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approval status %d: %s", res.StatusCode, data)
	}

	status := waitForStatus(t, srv, id, domain.StatusCompleted)
	if !status.HasDelivery {
		t.Fatal("completed session has no delivery")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/sessions/"+id+"/result", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("result status %d: %s", res.StatusCode, data)
	}
	var delivery domain.DeliveryResult
	if err := json.Unmarshal(data, &delivery); err != nil {
		t.Fatalf("unmarshal delivery: %v", err)
	}
	if !delivery.Success {
		t.Fatalf("delivery failed: %+v", delivery)
	}
	if delivery.RepositoryURL != "https://github.com/acme/widget" {
		t.Fatalf("repository url = %q", delivery.RepositoryURL)
	}
	if delivery.VSCodeWebURL != "https://vscode.dev/github/acme/widget" {
		t.Fatalf("vscode web url = %q", delivery.VSCodeWebURL)
	}
	if !strings.HasPrefix(delivery.VSCodeDesktopURL, "vscode://vscode.git/clone?url=") {
		t.Fatalf("vscode desktop url = %q", delivery.VSCodeDesktopURL)
	}
	if delivery.BuildStatus != domain.ConclusionSuccess {
		t.Fatalf("build status = %q", delivery.BuildStatus)
	}

	// the stored plan now reflects execution progress
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/sessions/"+id+"/plan", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get plan status %d: %s", res.StatusCode, data)
	}
	var executed domain.ExecutionPlan
	if err := json.Unmarshal(data, &executed); err != nil {
		t.Fatal(err)
	}
	if !executed.IsApproved {
		t.Fatal("stored plan must be approved after execution")
	}
	for _, step := range executed.Steps {
		if !step.Completed {
			t.Fatalf("step %d %q not completed in stored plan", step.Number, step.Operation)
		}
	}
	if executed.Repository.URL != "https://github.com/acme/widget" {
		t.Fatalf("stored plan repository url = %q", executed.Repository.URL)
	}

	// the delivery summary lands in the message log as an assistant message
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/sessions/"+id+"/messages", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("messages status %d: %s", res.StatusCode, data)
	}
	var msgs []domain.ChatMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		t.Fatal(err)
	}
	last := msgs[len(msgs)-1]
	if last.Role != domain.RoleAssistant || !strings.Contains(last.Content, "Delivered") {
		t.Fatalf("no delivery message, last = %+v", last)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/sessions/"+id+"/audit", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", res.StatusCode, data)
	}
	var entries []audit.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Fatal("no audit entries recorded")
	}
}

func TestRejectFlow(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	id := createSession(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sessions/"+id+"/plan", planRequest(), nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create plan: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sessions/"+id+"/approval", map[string]any{
		"approved": false,
		"feedback": "make it public",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject status %d: %s", res.StatusCode, data)
	}
	var status SessionStatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatal(err)
	}
	if status.Status != domain.StatusPlanning {
		t.Fatalf("status after reject = %q", status.Status)
	}

	// feedback is recorded as a user message
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/sessions/"+id+"/messages", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatal("list messages failed")
	}
	var msgs []domain.ChatMessage
	_ = json.Unmarshal(data, &msgs)
	if len(msgs) == 0 || msgs[len(msgs)-1].Content != "make it public" {
		t.Fatalf("feedback not in message log: %+v", msgs)
	}

	// a new plan is accepted after rejection
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sessions/"+id+"/plan", planRequest(), nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("replan status %d: %s", res.StatusCode, data)
	}
}

func TestApprovalWithoutPlanConflicts(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	id := createSession(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sessions/"+id+"/approval", map[string]any{
		"approved": true,
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, data)
	}
}

func TestPlanUnknownLanguageUnprocessable(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	id := createSession(t, srv)
	body := planRequest()
	body["requirements"].(map[string]any)["language"] = "cobol"
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sessions/"+id+"/plan", body, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, data)
	}
	if !bytes.Contains(data, []byte("planning_failed")) {
		t.Fatalf("error code missing: %s", data)
	}
}

func TestUnknownSessionNotFound(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/sessions/nope/status", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}

func TestDeleteSession(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	id := createSession(t, srv)
	res, _ := doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/sessions/"+id, nil, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/sessions/"+id, nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status %d", res.StatusCode)
	}
}

func TestJWTAuth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})

	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sessions", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.StatusCode)
	}

	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	token := signToken(t, "test-secret", "alice")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sessions", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create with token status %d: %s", res.StatusCode, data)
	}
	var created SessionSummary
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatal(err)
	}
	if created.OwnerID != "alice" {
		t.Fatalf("owner = %q, want subject claim", created.OwnerID)
	}

	bad := signToken(t, "wrong-secret", "alice")
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sessions", nil, map[string]string{
		"Authorization": "Bearer " + bad,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad signature, got %d", res.StatusCode)
	}
}

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestOwnerHeaderInOpenMode(t *testing.T) {
	srv := newTestServer(t, AuthConfig{AllowOwnerHeader: true})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sessions", nil, map[string]string{
		"X-Owner-Id": "bob",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, data)
	}
	var created SessionSummary
	_ = json.Unmarshal(data, &created)
	if created.OwnerID != "bob" {
		t.Fatalf("owner = %q", created.OwnerID)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/sessions?owner_id=bob", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d", res.StatusCode)
	}
	var list []SessionSummary
	_ = json.Unmarshal(data, &list)
	if len(list) != 1 {
		t.Fatalf("owner filter returned %d sessions", len(list))
	}
}

func TestEventStreamDeliversProgress(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	id := createSession(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/sessions/" + id + "/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sessions/"+id+"/plan", planRequest(), nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create plan: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sessions/"+id+"/approval", map[string]any{"approved": true}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approval: %d %s", res.StatusCode, data)
	}

	seen := map[string]int{}
	for {
		var evt domain.AgentEvent
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			t.Fatalf("read event (seen %v): %v", seen, err)
		}
		seen[evt.Kind]++
		if evt.Kind == domain.EventDeliveryReady {
			if evt.Delivery == nil || !evt.Delivery.Success {
				t.Fatalf("delivery event without payload: %+v", evt)
			}
			break
		}
	}
	if seen[domain.EventPlanReady] != 1 {
		t.Fatalf("plan_ready seen %d times", seen[domain.EventPlanReady])
	}
	if seen[domain.EventStepStarted] != 7 {
		t.Fatalf("step_started seen %d times, want 7", seen[domain.EventStepStarted])
	}
}

func TestRestoreSessions(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	for i, status := range []string{domain.StatusCompleted, domain.StatusExecuting} {
		err := srv.Repo.SaveSession(ctx, repo.PersistedSession{
			ID:             fmt.Sprintf("restored-%d", i),
			OwnerID:        "alice",
			Status:         status,
			CreatedAt:      now,
			LastActivityAt: now,
		})
		if err != nil {
			t.Fatalf("seed session: %v", err)
		}
	}

	registry := session.NewRegistry()
	if err := RestoreSessions(ctx, srv.Repo, registry); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(registry.List()) != 2 {
		t.Fatalf("restored %d sessions", len(registry.List()))
	}
	completed, _ := registry.Get("restored-0")
	if completed.Status() != domain.StatusCompleted {
		t.Fatalf("restored-0 status = %q", completed.Status())
	}
	interrupted, _ := registry.Get("restored-1")
	if interrupted.Status() != domain.StatusFailed {
		t.Fatalf("interrupted session restored as %q, want failed", interrupted.Status())
	}
}
