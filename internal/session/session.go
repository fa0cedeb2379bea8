// Package session holds per-conversation state: the message log, the
// current plan, the delivery result and the live event stream. Sessions are
// internally synchronized; many goroutines may touch one session at once.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"crisp/internal/config"
	"crisp/internal/domain"
)

// Usage errors surfaced to callers. These are programming errors in the
// caller's workflow, not execution failures.
var (
	ErrNoPendingPlan   = errors.New("session has no plan pending approval")
	ErrPlanPending     = errors.New("session already has a plan pending approval")
	ErrNotExecutable   = errors.New("session is not executing")
	ErrSessionFinished = errors.New("session already finished")
)

// Session is one conversation's state.
type Session struct {
	ID        string
	OwnerID   string
	CreatedAt time.Time

	// ConfigOverride, when set, replaces the service config for this
	// session's plans.
	ConfigOverride *config.Config

	mu           sync.Mutex
	status       string
	lastActivity time.Time
	messages     []domain.ChatMessage
	plan         *domain.ExecutionPlan
	delivery     *domain.DeliveryResult
	stream       *Stream
}

// New creates a session in the intake state.
func New(ownerID string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		CreatedAt:    now,
		status:       domain.StatusIntake,
		lastActivity: now,
		stream:       NewStream(),
	}
}

// Stream returns the session's event stream.
func (s *Session) Stream() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// Status returns the current lifecycle status.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastActivity returns the last mutation time.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Messages returns a copy of the append-only message log.
func (s *Session) Messages() []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Plan returns the current plan, nil when none was created yet.
func (s *Session) Plan() *domain.ExecutionPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

// Delivery returns the delivery result, nil until execution finished.
func (s *Session) Delivery() *domain.DeliveryResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivery
}

// AppendMessage appends to the message log and publishes an agent_message
// event for assistant messages. A user message on a fresh session moves it
// from intake to planning.
func (s *Session) AppendMessage(role, content string, metadata map[string]any) domain.ChatMessage {
	msg := domain.ChatMessage{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.lastActivity = msg.Timestamp
	if role == domain.RoleUser && s.status == domain.StatusIntake {
		s.status = domain.StatusPlanning
	}
	stream := s.stream
	s.mu.Unlock()
	if role == domain.RoleAssistant {
		stream.Publish(domain.AgentEvent{Kind: domain.EventAgentMessage, Timestamp: msg.Timestamp, Message: &msg})
	}
	return msg
}

// SetPlan attaches a plan and transitions into awaiting_approval, publishing
// a plan_ready event. Only one plan may be pending at a time.
func (s *Session) SetPlan(plan *domain.ExecutionPlan) error {
	s.mu.Lock()
	switch s.status {
	case domain.StatusAwaitingApproval:
		s.mu.Unlock()
		return ErrPlanPending
	case domain.StatusExecuting:
		s.mu.Unlock()
		return ErrNotExecutable
	case domain.StatusCompleted, domain.StatusFailed:
		s.mu.Unlock()
		return ErrSessionFinished
	}
	s.plan = plan
	s.status = domain.StatusAwaitingApproval
	s.lastActivity = time.Now().UTC()
	stream := s.stream
	s.mu.Unlock()
	stream.Publish(domain.AgentEvent{Kind: domain.EventPlanReady, Timestamp: time.Now().UTC(), Plan: plan})
	return nil
}

// Approve marks the pending plan approved exactly once and transitions to
// executing. The returned plan is a clone: the executor mutates it freely
// while readers keep seeing the session's stored plan.
func (s *Session) Approve() (*domain.ExecutionPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != domain.StatusAwaitingApproval || s.plan == nil {
		return nil, ErrNoPendingPlan
	}
	s.plan.IsApproved = true
	s.status = domain.StatusExecuting
	s.lastActivity = time.Now().UTC()
	return s.plan.Clone(), nil
}

// Reject declines the pending plan. Feedback is appended as a new user
// message and the session re-enters planning so the intake layer can
// reprocess it.
func (s *Session) Reject(feedback string) error {
	s.mu.Lock()
	if s.status != domain.StatusAwaitingApproval || s.plan == nil {
		s.mu.Unlock()
		return ErrNoPendingPlan
	}
	s.status = domain.StatusPlanning
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
	if feedback != "" {
		s.AppendMessage(domain.RoleUser, feedback, nil)
	}
	return nil
}

// FinishExecution records the delivery result and moves to completed or
// failed. A non-nil plan replaces the stored one, so step progress made
// during execution becomes visible to readers.
func (s *Session) FinishExecution(plan *domain.ExecutionPlan, res domain.DeliveryResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != domain.StatusExecuting {
		return ErrNotExecutable
	}
	if plan != nil {
		s.plan = plan
	}
	s.delivery = &res
	if res.Success {
		s.status = domain.StatusCompleted
	} else {
		s.status = domain.StatusFailed
	}
	s.lastActivity = time.Now().UTC()
	return nil
}

// Snapshot is the plain-data projection used for persistence and restore.
type Snapshot struct {
	ID           string
	OwnerID      string
	Status       string
	CreatedAt    time.Time
	LastActivity time.Time
	Messages     []domain.ChatMessage
	Plan         *domain.ExecutionPlan
	Delivery     *domain.DeliveryResult
}

// Snapshot captures the session state for persistence.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	messages := make([]domain.ChatMessage, len(s.messages))
	copy(messages, s.messages)
	return Snapshot{
		ID:           s.ID,
		OwnerID:      s.OwnerID,
		Status:       s.status,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		Messages:     messages,
		Plan:         s.plan,
		Delivery:     s.delivery,
	}
}

// ProjectName returns the plan's project name, empty before planning.
func (s *Session) ProjectName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plan == nil {
		return ""
	}
	return s.plan.Requirements.ProjectName
}

// FromSnapshot rebuilds a session from a persisted snapshot. A restored
// session that was mid-execution comes back failed: the process that owned
// the execution is gone.
func FromSnapshot(sn Snapshot) *Session {
	status := sn.Status
	if status == domain.StatusExecuting {
		status = domain.StatusFailed
	}
	return &Session{
		ID:           sn.ID,
		OwnerID:      sn.OwnerID,
		CreatedAt:    sn.CreatedAt,
		status:       status,
		lastActivity: sn.LastActivity,
		messages:     sn.Messages,
		plan:         sn.Plan,
		delivery:     sn.Delivery,
		stream:       NewStream(),
	}
}
