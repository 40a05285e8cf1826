package ports

import (
	"context"
	"time"

	"github.com/emooreatx/CIRISNode/internal/core/domain"
)

// Scorer abstracts the LLM backend invoked for each scenario (Ollama,
// OpenAI-compatible, etc.). Implementations must honor ctx deadlines.
type Scorer interface {
	// Generate produces the model response for a single prompt.
	Generate(ctx context.Context, prompt string, model string) (string, error)
}

// Repository abstracts the persistent storage (DuckDB).
type Repository interface {
	// Jobs. SaveJob inserts; UpdateJobState is a compare-and-swap on the
	// current state and reports false when another writer won the race.
	SaveJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)
	ListJobs(ctx context.Context) ([]domain.Job, error)
	UpdateJobState(ctx context.Context, id domain.JobID, from []domain.JobState, to domain.Job) (bool, error)

	// Audit log. AppendAudit persists a fully hashed entry; LastEntryHash
	// returns the chain tip ("" for an empty log).
	AppendAudit(ctx context.Context, entry domain.AuditEntry) error
	ListAudit(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error)
	ListAuditAll(ctx context.Context) ([]domain.AuditEntry, error)
	SetAuditArchived(ctx context.Context, id domain.AuditEntryID, archived bool) error
	DeleteAudit(ctx context.Context, id domain.AuditEntryID) error
	LastEntryHash(ctx context.Context) (string, error)

	// WBD tasks. ResolveWBDTask and BreachOverdueWBDTasks are CAS
	// operations: the loser of a concurrent transition gets ErrConflict /
	// an empty breached slice, never a silent overwrite. ResolveWBDTask
	// reports the status the task held before resolution.
	CreateWBDTask(ctx context.Context, task domain.WBDTask) error
	GetWBDTask(ctx context.Context, id domain.WBDTaskID) (domain.WBDTask, error)
	ListWBDTasks(ctx context.Context, filter domain.WBDFilter) ([]domain.WBDTask, error)
	ResolveWBDTask(ctx context.Context, id domain.WBDTaskID, decision domain.WBDDecision, comment *string, resolvedAt time.Time) (domain.WBDTask, domain.WBDStatus, error)
	BreachOverdueWBDTasks(ctx context.Context, now time.Time) ([]domain.WBDTask, error)
}
