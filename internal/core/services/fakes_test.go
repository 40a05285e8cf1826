package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/emooreatx/CIRISNode/internal/core/domain"
	"github.com/emooreatx/CIRISNode/internal/core/ports"
)

// memRepo is an in-memory Repository with the same transition semantics
// as the DuckDB adapter, so services can be tested without a database.
type memRepo struct {
	mu    sync.Mutex
	jobs  map[domain.JobID]domain.Job
	audit []domain.AuditEntry
	wbd   map[domain.WBDTaskID]domain.WBDTask
}

func newMemRepo() *memRepo {
	return &memRepo{
		jobs: make(map[domain.JobID]domain.Job),
		wbd:  make(map[domain.WBDTaskID]domain.WBDTask),
	}
}

func (m *memRepo) SaveJob(_ context.Context, job domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func (m *memRepo) GetJob(_ context.Context, id domain.JobID) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	return job, nil
}

func (m *memRepo) ListJobs(_ context.Context) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

func (m *memRepo) UpdateJobState(_ context.Context, id domain.JobID, from []domain.JobState, to domain.Job) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, s := range from {
		if job.State == s {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	job.State = to.State
	job.Error = to.Error
	job.Results = to.Results
	job.CompletedAt = to.CompletedAt
	m.jobs[id] = job
	return true, nil
}

func (m *memRepo) AppendAudit(_ context.Context, entry domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *memRepo) ListAudit(_ context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.AuditEntry{}
	for _, e := range m.audit {
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		if !filter.From.IsZero() && e.Timestamp.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && e.Timestamp.After(filter.To) {
			continue
		}
		if e.Archived && !filter.IncludeArchived {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memRepo) ListAuditAll(_ context.Context) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out, nil
}

func (m *memRepo) SetAuditArchived(_ context.Context, id domain.AuditEntryID, archived bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.audit {
		if m.audit[i].ID == id {
			m.audit[i].Archived = archived
			return nil
		}
	}
	return fmt.Errorf("%w: audit entry %s", domain.ErrNotFound, id)
}

func (m *memRepo) DeleteAudit(_ context.Context, id domain.AuditEntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.audit {
		if m.audit[i].ID == id {
			m.audit = append(m.audit[:i], m.audit[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: audit entry %s", domain.ErrNotFound, id)
}

func (m *memRepo) LastEntryHash(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.audit) == 0 {
		return "", nil
	}
	return m.audit[len(m.audit)-1].EntryHash, nil
}

func (m *memRepo) CreateWBDTask(_ context.Context, task domain.WBDTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wbd[task.ID] = task
	return nil
}

func (m *memRepo) GetWBDTask(_ context.Context, id domain.WBDTaskID) (domain.WBDTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.wbd[id]
	if !ok {
		return domain.WBDTask{}, fmt.Errorf("%w: wbd task %s", domain.ErrNotFound, id)
	}
	return task, nil
}

func (m *memRepo) ListWBDTasks(_ context.Context, filter domain.WBDFilter) ([]domain.WBDTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.WBDTask{}
	for _, t := range m.wbd {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && t.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

func (m *memRepo) ResolveWBDTask(_ context.Context, id domain.WBDTaskID, decision domain.WBDDecision, comment *string, resolvedAt time.Time) (domain.WBDTask, domain.WBDStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.wbd[id]
	if !ok {
		return domain.WBDTask{}, "", fmt.Errorf("%w: wbd task %s", domain.ErrNotFound, id)
	}
	if task.Status == domain.WBDStatusResolved {
		return domain.WBDTask{}, "", fmt.Errorf("%w: wbd task %s already resolved", domain.ErrConflict, id)
	}
	prior := task.Status
	task.Status = domain.WBDStatusResolved
	task.Decision = &decision
	task.Comment = comment
	task.ResolvedAt = &resolvedAt
	m.wbd[id] = task
	return task, prior, nil
}

func (m *memRepo) BreachOverdueWBDTasks(_ context.Context, now time.Time) ([]domain.WBDTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	breached := []domain.WBDTask{}
	for id, t := range m.wbd {
		if t.Status == domain.WBDStatusOpen && !t.SLADeadline.After(now) {
			t.Status = domain.WBDStatusSLABreached
			m.wbd[id] = t
			breached = append(breached, t)
		}
	}
	return breached, nil
}

var _ ports.Repository = (*memRepo)(nil)

// strictRepo refuses writes once the caller's context is dead, the way
// a database/sql driver honoring ExecContext would.
type strictRepo struct {
	*memRepo
}

func (r *strictRepo) SaveJob(ctx context.Context, job domain.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.memRepo.SaveJob(ctx, job)
}

func (r *strictRepo) UpdateJobState(ctx context.Context, id domain.JobID, from []domain.JobState, to domain.Job) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return r.memRepo.UpdateJobState(ctx, id, from, to)
}

func (r *strictRepo) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.memRepo.AppendAudit(ctx, entry)
}

// fakeScorer scripts responses per prompt; unmatched prompts get the
// fallback. failures counts down errors before the first success.
type fakeScorer struct {
	mu        sync.Mutex
	responses map[string]string
	fallback  string
	failures  int
	calls     int
}

func (f *fakeScorer) Generate(ctx context.Context, prompt, model string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.failures > 0 {
		f.failures--
		return "", fmt.Errorf("backend unavailable")
	}
	if r, ok := f.responses[prompt]; ok {
		return r, nil
	}
	return f.fallback, nil
}

type fakeFactory struct {
	scorer ports.Scorer
}

func (f *fakeFactory) Build(provider, model, apiKey string) (ports.Scorer, error) {
	if model == "" {
		return nil, fmt.Errorf("%w: model is required", domain.ErrInvalidArgument)
	}
	return f.scorer, nil
}
