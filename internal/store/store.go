package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Document Log (append-only)
	AppendDocument(ctx context.Context, doc *Document) error
	GetDocuments(ctx context.Context, runID string, since int64) ([]*Document, error)
	GetDocumentsByType(ctx context.Context, docType string, filter DocumentFilter) ([]*Document, error)

	// Safe-Settings Snapshots
	SaveSnapshot(ctx context.Context, snap *SnapshotRecord) error
	GetSnapshot(ctx context.Context, runID string) (*SnapshotRecord, error)
	MarkSnapshotRestored(ctx context.Context, runID string) error

	// Templates
	StoreTemplate(ctx context.Context, tpl *Template) error
	GetTemplate(ctx context.Context, name string, version string) (*Template, error)
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]*Template, error)

	// Scheduled Jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
