// Package server exposes the Crisp REST API over huma/chi.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"crisp/internal/audit"
	"crisp/internal/domain"
	"crisp/internal/orchestrator"
	"crisp/internal/repo"
	"crisp/internal/session"
)

// Config for the HTTP API handler.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *session.Registry
	Repo         repo.Repo
	Audit        audit.Writer
	BasePath     string
	Auth         AuthConfig
	Logger       *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"session not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type service struct {
	orch     *orchestrator.Orchestrator
	registry *session.Registry
	repo     repo.Repo
	audit    audit.Writer
	logger   *slog.Logger
}

// New returns an HTTP handler exposing the Crisp API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	svc := &service{
		orch:     cfg.Orchestrator,
		registry: cfg.Registry,
		repo:     cfg.Repo,
		audit:    cfg.Audit,
		logger:   logger,
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Crisp API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	svc.registerSessions(group)
	svc.registerMessages(group)
	svc.registerPlanning(group)
	svc.registerApproval(group)
	svc.registerStatus(group)
	svc.registerAudit(group)

	router.Get(basePath+"/sessions/{session_id}/events", svc.handleEventStream)

	return router, nil
}

// huma.NewError is process-global, so it is swapped exactly once rather than
// on every New call.
func init() {
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var planErr *orchestrator.PlanningError
	if errors.As(err, &planErr) {
		return newAPIError(http.StatusUnprocessableEntity, "planning_failed", err.Error(), nil)
	}
	var usageErr *orchestrator.UsageError
	if errors.As(err, &usageErr) {
		return newAPIError(http.StatusConflict, "usage_error", err.Error(), nil)
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, session.ErrNoPendingPlan),
		errors.Is(err, session.ErrPlanPending),
		errors.Is(err, session.ErrNotExecutable),
		errors.Is(err, session.ErrSessionFinished):
		return newAPIError(http.StatusConflict, "usage_error", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

// SessionPath binds the session_id path parameter. It must stay exported:
// input structs embed it, and reflection cannot set fields through an
// unexported embedded type.
type SessionPath struct {
	SessionID string `path:"session_id"`
}

func (s *service) lookup(id string) (*session.Session, huma.StatusError) {
	sess, ok := s.registry.Get(id)
	if !ok {
		return nil, newAPIError(http.StatusNotFound, "not_found", "session not found", nil)
	}
	return sess, nil
}

// persist writes the session snapshot; persistence failures are logged, not
// surfaced, so a storage hiccup never breaks the conversation.
func (s *service) persist(ctx context.Context, sess *session.Session) {
	sn := sess.Snapshot()
	ps := repo.PersistedSession{
		ID:             sn.ID,
		OwnerID:        sn.OwnerID,
		ProjectName:    sess.ProjectName(),
		Status:         sn.Status,
		CreatedAt:      sn.CreatedAt,
		LastActivityAt: sn.LastActivity,
		Messages:       sn.Messages,
		Plan:           sn.Plan,
		Delivery:       repo.RecordFromResult(sn.Delivery),
	}
	if err := s.repo.SaveSession(ctx, ps); err != nil {
		s.logger.Error("persist session failed", "session_id", sn.ID, "error", err)
	}
}

func (s *service) registerSessions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Create a session",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SessionSummary `json:"body"`
	}, error) {
		sess := s.registry.Create(ownerFromContext(ctx))
		s.persist(ctx, sess)
		return &struct {
			Body SessionSummary `json:"body"`
		}{Body: summarize(sess)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
	}, func(ctx context.Context, input *struct {
		Owner string `query:"owner_id"`
	}) (*struct {
		Body []SessionSummary `json:"body"`
	}, error) {
		var sessions []*session.Session
		if input.Owner != "" {
			sessions = s.registry.ListByOwner(input.Owner)
		} else {
			sessions = s.registry.List()
		}
		out := make([]SessionSummary, 0, len(sessions))
		for _, sess := range sessions {
			out = append(out, summarize(sess))
		}
		return &struct {
			Body []SessionSummary `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-session",
		Method:        http.MethodDelete,
		Path:          "/sessions/{session_id}",
		Summary:       "Remove a session",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *SessionPath) (*struct{}, error) {
		if !s.registry.Remove(input.SessionID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "session not found", nil)
		}
		if err := s.repo.DeleteSession(ctx, input.SessionID); err != nil && !errors.Is(err, repo.ErrNotFound) {
			s.logger.Error("delete persisted session failed", "session_id", input.SessionID, "error", err)
		}
		return &struct{}{}, nil
	})
}

func (s *service) registerMessages(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "post-message",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/messages",
		Summary:       "Append a user message",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		SessionPath
		Body PostMessageRequest
	}) (*struct {
		Body domain.ChatMessage `json:"body"`
	}, error) {
		sess, herr := s.lookup(input.SessionID)
		if herr != nil {
			return nil, herr
		}
		msg := sess.AppendMessage(domain.RoleUser, input.Body.Content, nil)
		s.persist(ctx, sess)
		return &struct {
			Body domain.ChatMessage `json:"body"`
		}{Body: msg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/messages",
		Summary:     "List session messages",
	}, func(ctx context.Context, input *SessionPath) (*struct {
		Body []domain.ChatMessage `json:"body"`
	}, error) {
		sess, herr := s.lookup(input.SessionID)
		if herr != nil {
			return nil, herr
		}
		return &struct {
			Body []domain.ChatMessage `json:"body"`
		}{Body: sess.Messages()}, nil
	})
}

func (s *service) registerPlanning(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-plan",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/plan",
		Summary:       "Create an execution plan from structured requirements",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		SessionPath
		Body CreatePlanRequest
	}) (*struct {
		Body domain.ExecutionPlan `json:"body"`
	}, error) {
		sess, herr := s.lookup(input.SessionID)
		if herr != nil {
			return nil, herr
		}
		plan, err := s.orch.CreatePlan(ctx, sess.ID, input.Body.Requirements)
		if err != nil {
			return nil, handleError(err)
		}
		if err := sess.SetPlan(plan); err != nil {
			return nil, handleError(err)
		}
		s.persist(ctx, sess)
		return &struct {
			Body domain.ExecutionPlan `json:"body"`
		}{Body: *plan}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/plan",
		Summary:     "Get the current plan",
	}, func(ctx context.Context, input *SessionPath) (*struct {
		Body domain.ExecutionPlan `json:"body"`
	}, error) {
		sess, herr := s.lookup(input.SessionID)
		if herr != nil {
			return nil, herr
		}
		plan := sess.Plan()
		if plan == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "session has no plan", nil)
		}
		return &struct {
			Body domain.ExecutionPlan `json:"body"`
		}{Body: *plan}, nil
	})
}

func (s *service) registerApproval(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "approve-plan",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/approval",
		Summary:     "Approve or reject the pending plan",
	}, func(ctx context.Context, input *struct {
		SessionPath
		Body ApprovalRequest
	}) (*struct {
		Body SessionStatusResponse `json:"body"`
	}, error) {
		sess, herr := s.lookup(input.SessionID)
		if herr != nil {
			return nil, herr
		}
		if input.Body.Approved {
			plan, err := sess.Approve()
			if err != nil {
				return nil, handleError(err)
			}
			s.persist(ctx, sess)
			go s.execute(sess, plan)
		} else {
			if err := sess.Reject(input.Body.Feedback); err != nil {
				return nil, handleError(err)
			}
			s.persist(ctx, sess)
		}
		return &struct {
			Body SessionStatusResponse `json:"body"`
		}{Body: s.statusOf(sess)}, nil
	})
}

// execute runs an approved plan in the background, streaming progress to the
// session's subscribers.
func (s *service) execute(sess *session.Session, plan *domain.ExecutionPlan) {
	ctx := context.Background()
	res, err := s.orch.ExecutePlan(ctx, sess.ID, plan, sess.Stream())
	if err != nil {
		s.logger.Warn("plan execution failed", "session_id", sess.ID, "error", err)
		if res.ErrorMessage == "" {
			res = domain.DeliveryResult{Success: false, ErrorMessage: err.Error()}
		}
	}
	if ferr := sess.FinishExecution(plan, res); ferr != nil {
		s.logger.Error("finish execution", "session_id", sess.ID, "error", ferr)
		return
	}
	card := map[string]any{"delivery": res}
	if res.Success {
		sess.AppendMessage(domain.RoleAssistant, res.Summary, card)
	} else {
		sess.AppendMessage(domain.RoleAssistant, "Delivery failed: "+res.ErrorMessage, card)
	}
	s.persist(ctx, sess)
}

func (s *service) statusOf(sess *session.Session) SessionStatusResponse {
	resp := SessionStatusResponse{
		ID:             sess.ID,
		Status:         sess.Status(),
		HasDelivery:    sess.Delivery() != nil,
		LastActivityAt: sess.LastActivity(),
	}
	if plan := sess.Plan(); plan != nil {
		resp.PlanID = plan.ID
	}
	return resp
}

func (s *service) registerStatus(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/status",
		Summary:     "Get session status",
	}, func(ctx context.Context, input *SessionPath) (*struct {
		Body SessionStatusResponse `json:"body"`
	}, error) {
		sess, herr := s.lookup(input.SessionID)
		if herr != nil {
			return nil, herr
		}
		return &struct {
			Body SessionStatusResponse `json:"body"`
		}{Body: s.statusOf(sess)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-result",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/result",
		Summary:     "Get the delivery result",
	}, func(ctx context.Context, input *SessionPath) (*struct {
		Body domain.DeliveryResult `json:"body"`
	}, error) {
		sess, herr := s.lookup(input.SessionID)
		if herr != nil {
			return nil, herr
		}
		res := sess.Delivery()
		if res == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no delivery result yet", nil)
		}
		return &struct {
			Body domain.DeliveryResult `json:"body"`
		}{Body: *res}, nil
	})
}

func (s *service) registerAudit(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-audit-log",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/audit",
		Summary:     "List audit entries for a session",
	}, func(ctx context.Context, input *SessionPath) (*struct {
		Body []audit.Entry `json:"body"`
	}, error) {
		if _, herr := s.lookup(input.SessionID); herr != nil {
			return nil, herr
		}
		entries, err := s.audit.ListBySession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []audit.Entry `json:"body"`
		}{Body: entries}, nil
	})
}

// RestoreSessions loads persisted snapshots into the registry, skipping
// nothing: unreadable records were already filtered by the repo.
func RestoreSessions(ctx context.Context, r repo.Repo, registry *session.Registry) error {
	persisted, err := r.LoadAll(ctx)
	if err != nil {
		return err
	}
	for _, ps := range persisted {
		registry.Adopt(session.FromSnapshot(session.Snapshot{
			ID:           ps.ID,
			OwnerID:      ps.OwnerID,
			Status:       ps.Status,
			CreatedAt:    ps.CreatedAt,
			LastActivity: ps.LastActivityAt,
			Messages:     ps.Messages,
			Plan:         ps.Plan,
			Delivery:     ps.Delivery.Result(),
		}))
	}
	return nil
}
