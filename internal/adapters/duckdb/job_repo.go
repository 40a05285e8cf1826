package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/emooreatx/CIRISNode/internal/core/domain"
)

func (r *Repository) SaveJob(ctx context.Context, job domain.Job) error {
	scenarioJSON, err := json.Marshal(job.ScenarioIDs)
	if err != nil {
		return fmt.Errorf("marshal scenario ids: %w", err)
	}
	var resultsJSON *string
	if job.Results != nil {
		raw, err := json.Marshal(job.Results)
		if err != nil {
			return fmt.Errorf("marshal results: %w", err)
		}
		s := string(raw)
		resultsJSON = &s
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, scenario_ids, provider, model, state, error, results, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(job.ID), string(scenarioJSON), job.Provider, job.Model,
		string(job.State), job.Error, resultsJSON, job.CreatedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *Repository) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, scenario_ids, provider, model, state, error, CAST(results AS TEXT), created_at, completed_at
		FROM jobs WHERE id = ?`, string(id))

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (r *Repository) ListJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, scenario_ids, provider, model, state, error, CAST(results AS TEXT), created_at, completed_at
		FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []domain.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJobState is the per-job compare-and-swap: the update commits only
// while the current state is one of from. Reports whether this caller
// performed the transition.
func (r *Repository) UpdateJobState(ctx context.Context, id domain.JobID, from []domain.JobState, to domain.Job) (bool, error) {
	placeholders := make([]string, len(from))
	args := []any{string(to.State)}
	for i := range from {
		placeholders[i] = "?"
	}

	var resultsJSON *string
	if to.Results != nil {
		raw, err := json.Marshal(to.Results)
		if err != nil {
			return false, fmt.Errorf("marshal results: %w", err)
		}
		s := string(raw)
		resultsJSON = &s
	}
	args = append(args, to.Error, resultsJSON, to.CompletedAt, string(id))
	for _, s := range from {
		args = append(args, string(s))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE jobs SET state = ?, error = ?, results = ?, completed_at = ?
		WHERE id = ? AND state IN (%s)`, strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return false, fmt.Errorf("update job state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var job domain.Job
	var idStr, scenarioJSON, stateStr string
	var resultsJSON *string

	err := row.Scan(&idStr, &scenarioJSON, &job.Provider, &job.Model,
		&stateStr, &job.Error, &resultsJSON, &job.CreatedAt, &job.CompletedAt)
	if err != nil {
		return domain.Job{}, err
	}

	job.ID = domain.JobID(idStr)
	job.State = domain.JobState(stateStr)
	if err := json.Unmarshal([]byte(scenarioJSON), &job.ScenarioIDs); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal scenario ids for job %s: %w", idStr, err)
	}
	if resultsJSON != nil && *resultsJSON != "" {
		if err := json.Unmarshal([]byte(*resultsJSON), &job.Results); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal results for job %s: %w", idStr, err)
		}
	}
	return job, nil
}
