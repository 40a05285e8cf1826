package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/emooreatx/CIRISNode/internal/core/domain"
)

func (r *Repository) CreateWBDTask(ctx context.Context, task domain.WBDTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO wbd_tasks (id, agent_task_id, payload, status, decision, comment, created_at, resolved_at, sla_deadline)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(task.ID), task.AgentTaskID, string(task.Payload), string(task.Status),
		nullableString(task.Decision), task.Comment, task.CreatedAt, task.ResolvedAt, task.SLADeadline,
	)
	if err != nil {
		return fmt.Errorf("insert wbd task: %w", err)
	}
	return nil
}

func (r *Repository) GetWBDTask(ctx context.Context, id domain.WBDTaskID) (domain.WBDTask, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, agent_task_id, CAST(payload AS TEXT), status, decision, comment, created_at, resolved_at, sla_deadline
		FROM wbd_tasks WHERE id = ?`, string(id))

	task, err := scanWBDTask(row)
	if err == sql.ErrNoRows {
		return domain.WBDTask{}, fmt.Errorf("%w: wbd task %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.WBDTask{}, fmt.Errorf("get wbd task: %w", err)
	}
	return task, nil
}

func (r *Repository) ListWBDTasks(ctx context.Context, filter domain.WBDFilter) ([]domain.WBDTask, error) {
	query := `SELECT id, agent_task_id, CAST(payload AS TEXT), status, decision, comment, created_at, resolved_at, sla_deadline
		FROM wbd_tasks WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since)
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query wbd tasks: %w", err)
	}
	defer rows.Close()

	tasks := []domain.WBDTask{}
	for rows.Next() {
		task, err := scanWBDTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ResolveWBDTask moves a task to resolved, recording the decision. Only
// tasks in open or sla_breached can be resolved; the status the task held
// before the transition is returned so callers can tell a late resolution
// from an on-time one. Concurrent resolvers race on the status predicate
// and exactly one wins.
func (r *Repository) ResolveWBDTask(ctx context.Context, id domain.WBDTaskID, decision domain.WBDDecision, comment *string, resolvedAt time.Time) (domain.WBDTask, domain.WBDStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, prior := range []domain.WBDStatus{domain.WBDStatusSLABreached, domain.WBDStatusOpen} {
		res, err := r.db.ExecContext(ctx, `
			UPDATE wbd_tasks SET status = ?, decision = ?, comment = ?, resolved_at = ?
			WHERE id = ? AND status = ?`,
			string(domain.WBDStatusResolved), string(decision), comment, resolvedAt,
			string(id), string(prior),
		)
		if err != nil {
			return domain.WBDTask{}, "", fmt.Errorf("resolve wbd task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return domain.WBDTask{}, "", fmt.Errorf("rows affected: %w", err)
		}
		if n > 0 {
			task, err := r.getWBDTaskLocked(ctx, id)
			if err != nil {
				return domain.WBDTask{}, "", err
			}
			return task, prior, nil
		}
	}

	// No transition fired: either the task does not exist or it is
	// already resolved.
	if _, err := r.getWBDTaskLocked(ctx, id); err != nil {
		return domain.WBDTask{}, "", err
	}
	return domain.WBDTask{}, "", fmt.Errorf("%w: wbd task %s already resolved", domain.ErrConflict, id)
}

func (r *Repository) getWBDTaskLocked(ctx context.Context, id domain.WBDTaskID) (domain.WBDTask, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, agent_task_id, CAST(payload AS TEXT), status, decision, comment, created_at, resolved_at, sla_deadline
		FROM wbd_tasks WHERE id = ?`, string(id))

	task, err := scanWBDTask(row)
	if err == sql.ErrNoRows {
		return domain.WBDTask{}, fmt.Errorf("%w: wbd task %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.WBDTask{}, fmt.Errorf("get wbd task: %w", err)
	}
	return task, nil
}

// BreachOverdueWBDTasks flips every open task past its deadline to
// sla_breached and returns the tasks it breached. Running it twice over
// the same set is a no-op the second time. Deadline equality counts as
// overdue, so a task due exactly now is breachable on this sweep.
func (r *Repository) BreachOverdueWBDTasks(ctx context.Context, now time.Time) ([]domain.WBDTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.QueryContext(ctx, `
		UPDATE wbd_tasks SET status = ?
		WHERE status = ? AND sla_deadline <= ?
		RETURNING id, agent_task_id, CAST(payload AS TEXT), status, decision, comment, created_at, resolved_at, sla_deadline`,
		string(domain.WBDStatusSLABreached), string(domain.WBDStatusOpen), now,
	)
	if err != nil {
		return nil, fmt.Errorf("breach overdue wbd tasks: %w", err)
	}
	defer rows.Close()

	tasks := []domain.WBDTask{}
	for rows.Next() {
		task, err := scanWBDTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanWBDTask(row rowScanner) (domain.WBDTask, error) {
	var task domain.WBDTask
	var idStr, status, payload string
	var decision, comment sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(&idStr, &task.AgentTaskID, &payload, &status,
		&decision, &comment, &task.CreatedAt, &resolvedAt, &task.SLADeadline)
	if err != nil {
		return domain.WBDTask{}, err
	}

	task.ID = domain.WBDTaskID(idStr)
	task.Status = domain.WBDStatus(status)
	task.Payload = []byte(payload)
	if decision.Valid {
		d := domain.WBDDecision(decision.String)
		task.Decision = &d
	}
	if comment.Valid {
		task.Comment = &comment.String
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		task.ResolvedAt = &t
	}
	return task, nil
}

func nullableString(d *domain.WBDDecision) any {
	if d == nil {
		return nil
	}
	return string(*d)
}
