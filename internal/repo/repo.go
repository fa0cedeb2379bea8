// Package repo persists session snapshots and migrates older records on
// load.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"crisp/internal/domain"
	"crisp/internal/links"
)

type Repo struct {
	DB     *sql.DB
	Logger *slog.Logger
}

var ErrNotFound = errors.New("not found")

// DeliveryRecord is the denormalized stored projection of a DeliveryResult.
// Its schema has evolved: early records carried a single EditorLink; current
// records carry both VS Code links. Loading migrates old records in place.
type DeliveryRecord struct {
	Success          bool              `json:"success"`
	Platform         string            `json:"platform,omitempty"`
	RepositoryURL    string            `json:"repository_url,omitempty"`
	CloneURL         string            `json:"clone_url,omitempty"`
	DefaultBranch    string            `json:"default_branch,omitempty"`
	PipelineURL      string            `json:"pipeline_url,omitempty"`
	BuildStatus      string            `json:"build_status,omitempty"`
	VSCodeWebURL     string            `json:"vscode_web_url,omitempty"`
	VSCodeDesktopURL string            `json:"vscode_desktop_url,omitempty"`
	EditorLink       string            `json:"editor_link,omitempty"`
	Extras           map[string]string `json:"extras,omitempty"`
	Summary          string            `json:"summary,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
}

// PersistedSession is the durable projection of a session.
type PersistedSession struct {
	ID             string                `json:"id"`
	OwnerID        string                `json:"owner_id,omitempty"`
	ProjectName    string                `json:"project_name,omitempty"`
	Status         string                `json:"status"`
	CreatedAt      time.Time             `json:"created_at" format:"date-time"`
	LastActivityAt time.Time             `json:"last_activity_at" format:"date-time"`
	Messages       []domain.ChatMessage  `json:"messages"`
	Plan           *domain.ExecutionPlan `json:"plan,omitempty"`
	Delivery       *DeliveryRecord       `json:"delivery,omitempty"`
}

// RecordFromResult projects a DeliveryResult into its stored form.
func RecordFromResult(res *domain.DeliveryResult) *DeliveryRecord {
	if res == nil {
		return nil
	}
	return &DeliveryRecord{
		Success:          res.Success,
		Platform:         res.Platform,
		RepositoryURL:    res.RepositoryURL,
		CloneURL:         res.CloneURL,
		DefaultBranch:    res.DefaultBranch,
		PipelineURL:      res.PipelineURL,
		BuildStatus:      res.BuildStatus,
		VSCodeWebURL:     res.VSCodeWebURL,
		VSCodeDesktopURL: res.VSCodeDesktopURL,
		Extras:           res.Extras,
		Summary:          res.Summary,
		ErrorMessage:     res.ErrorMessage,
	}
}

// Result converts a stored record back to the caller-facing result.
func (r *DeliveryRecord) Result() *domain.DeliveryResult {
	if r == nil {
		return nil
	}
	return &domain.DeliveryResult{
		Success:          r.Success,
		Platform:         r.Platform,
		RepositoryURL:    r.RepositoryURL,
		CloneURL:         r.CloneURL,
		DefaultBranch:    r.DefaultBranch,
		PipelineURL:      r.PipelineURL,
		BuildStatus:      r.BuildStatus,
		VSCodeWebURL:     r.VSCodeWebURL,
		VSCodeDesktopURL: r.VSCodeDesktopURL,
		Extras:           r.Extras,
		Summary:          r.Summary,
		ErrorMessage:     r.ErrorMessage,
	}
}

// MigrateDeliveryRecord fills the dual VS Code link fields from whatever
// older fields are present. Running it on a current record is a no-op, so
// re-saving and reloading is a fixed point.
func MigrateDeliveryRecord(rec *DeliveryRecord) {
	if rec == nil {
		return
	}
	if rec.VSCodeWebURL == "" {
		if rec.EditorLink != "" {
			rec.VSCodeWebURL = rec.EditorLink
		} else if rec.RepositoryURL != "" {
			rec.VSCodeWebURL = links.VSCodeWeb(rec.RepositoryURL)
		}
	}
	if rec.VSCodeDesktopURL == "" && rec.CloneURL != "" {
		rec.VSCodeDesktopURL = links.VSCodeDesktop(rec.CloneURL)
	}
}

// SaveSession upserts the full snapshot. Called on every meaningful session
// mutation.
func (r Repo) SaveSession(ctx context.Context, s PersistedSession) error {
	messages, err := json.Marshal(s.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	var planJSON, deliveryJSON any
	if s.Plan != nil {
		data, err := json.Marshal(s.Plan)
		if err != nil {
			return fmt.Errorf("marshal plan: %w", err)
		}
		planJSON = string(data)
	}
	if s.Delivery != nil {
		data, err := json.Marshal(s.Delivery)
		if err != nil {
			return fmt.Errorf("marshal delivery: %w", err)
		}
		deliveryJSON = string(data)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO sessions(id,owner_id,project_name,status,created_at,last_activity_at,messages_json,plan_json,delivery_json)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id=excluded.owner_id,
			project_name=excluded.project_name,
			status=excluded.status,
			last_activity_at=excluded.last_activity_at,
			messages_json=excluded.messages_json,
			plan_json=excluded.plan_json,
			delivery_json=excluded.delivery_json`,
		s.ID, nullable(s.OwnerID), nullable(s.ProjectName), s.Status,
		s.CreatedAt.UTC().Format(time.RFC3339), s.LastActivityAt.UTC().Format(time.RFC3339),
		string(messages), planJSON, deliveryJSON)
	return err
}

// GetSession loads and migrates one snapshot.
func (r Repo) GetSession(ctx context.Context, id string) (PersistedSession, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,COALESCE(owner_id,''),COALESCE(project_name,''),status,created_at,last_activity_at,messages_json,plan_json,delivery_json FROM sessions WHERE id=?`, id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// LoadAll loads every snapshot, skipping records that fail to decode so one
// corrupt row cannot take down the whole session set.
func (r Repo) LoadAll(ctx context.Context) ([]PersistedSession, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(owner_id,''),COALESCE(project_name,''),status,created_at,last_activity_at,messages_json,plan_json,delivery_json FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PersistedSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			r.logger().Warn("skipping unreadable session record", "error", err)
			continue
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteSession removes a snapshot.
func (r Repo) DeleteSession(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (PersistedSession, error) {
	var s PersistedSession
	var created, lastActivity, messagesJSON string
	var planJSON, deliveryJSON sql.NullString
	if err := row.Scan(&s.ID, &s.OwnerID, &s.ProjectName, &s.Status, &created, &lastActivity, &messagesJSON, &planJSON, &deliveryJSON); err != nil {
		return s, err
	}
	var err error
	if s.CreatedAt, err = time.Parse(time.RFC3339, created); err != nil {
		return s, fmt.Errorf("session %s: created_at: %w", s.ID, err)
	}
	if s.LastActivityAt, err = time.Parse(time.RFC3339, lastActivity); err != nil {
		return s, fmt.Errorf("session %s: last_activity_at: %w", s.ID, err)
	}
	if err := json.Unmarshal([]byte(messagesJSON), &s.Messages); err != nil {
		return s, fmt.Errorf("session %s: messages: %w", s.ID, err)
	}
	if planJSON.Valid && planJSON.String != "" {
		s.Plan = &domain.ExecutionPlan{}
		if err := json.Unmarshal([]byte(planJSON.String), s.Plan); err != nil {
			return s, fmt.Errorf("session %s: plan: %w", s.ID, err)
		}
	}
	if deliveryJSON.Valid && deliveryJSON.String != "" {
		s.Delivery = &DeliveryRecord{}
		if err := json.Unmarshal([]byte(deliveryJSON.String), s.Delivery); err != nil {
			return s, fmt.Errorf("session %s: delivery: %w", s.ID, err)
		}
		MigrateDeliveryRecord(s.Delivery)
	}
	return s, nil
}

func (r Repo) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
