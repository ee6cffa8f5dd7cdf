package store

import (
	"encoding/json"
	"time"

	"github.com/maraver/planline/pkg/schema"
)

// Run is the persisted representation of a plan execution.
type Run struct {
	ID              string                 `json:"id"`
	PlanName        string                 `json:"plan_name"`
	TemplateName    string                 `json:"template_name,omitempty"`
	TemplateVersion string                 `json:"template_version,omitempty"`
	Definition      *schema.PlanDefinition `json:"definition,omitempty"`
	Status          schema.RunStatus       `json:"status"`
	Inputs          map[string]any         `json:"inputs,omitempty"`
	Error           json.RawMessage        `json:"error,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Document is an immutable entry in the run document log.
type Document struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Type      string          `json:"type"`
	Device    string          `json:"device,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// SnapshotRecord is the persisted safe-settings snapshot for a run.
type SnapshotRecord struct {
	RunID      string          `json:"run_id"`
	Entries    json.RawMessage `json:"entries"`
	CapturedAt time.Time       `json:"captured_at"`
	RestoredAt *time.Time      `json:"restored_at,omitempty"`
}

// Template is a reusable plan definition registered via planline.define.
type Template struct {
	Name        string                `json:"name"`
	Version     string                `json:"version"`
	Description string                `json:"description,omitempty"`
	Definition  schema.PlanDefinition `json:"definition"`
	InputSchema json.RawMessage       `json:"input_schema,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// ScheduledJob is a cron-triggered plan execution.
type ScheduledJob struct {
	ID              string          `json:"id"`
	TemplateName    string          `json:"template_name"`
	TemplateVersion string          `json:"template_version,omitempty"`
	CronExpression  string          `json:"cron_expression"`
	Inputs          json.RawMessage `json:"inputs,omitempty"`
	Enabled         bool            `json:"enabled"`
	LastRunAt       *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus   string          `json:"last_run_status,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status   *schema.RunStatus `json:"status,omitempty"`
	PlanName string            `json:"plan_name,omitempty"`
	Since    *time.Time        `json:"since,omitempty"`
	Limit    int               `json:"limit,omitempty"`
	Offset   int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// DocumentFilter specifies criteria for listing documents.
type DocumentFilter struct {
	RunID  string     `json:"run_id,omitempty"`
	Device string     `json:"device,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

// TemplateFilter specifies criteria for listing templates.
type TemplateFilter struct {
	Name  string `json:"name,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}
