package server

import (
	"time"

	"crisp/internal/domain"
	"crisp/internal/session"
)

// Request payloads

type PostMessageRequest struct {
	Content string `json:"content" minLength:"1"`
}

type CreatePlanRequest struct {
	Requirements domain.ProjectRequirements `json:"requirements"`
}

type ApprovalRequest struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// Response payloads

type SessionSummary struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id,omitempty"`
	ProjectName    string    `json:"project_name,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at" format:"date-time"`
	LastActivityAt time.Time `json:"last_activity_at" format:"date-time"`
}

type SessionStatusResponse struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	PlanID         string    `json:"plan_id,omitempty"`
	HasDelivery    bool      `json:"has_delivery"`
	LastActivityAt time.Time `json:"last_activity_at" format:"date-time"`
}

func summarize(s *session.Session) SessionSummary {
	return SessionSummary{
		ID:             s.ID,
		OwnerID:        s.OwnerID,
		ProjectName:    s.ProjectName(),
		Status:         s.Status(),
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivity(),
	}
}
