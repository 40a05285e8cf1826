package duckdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/emooreatx/CIRISNode/internal/core/domain"
)

func (r *Repository) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, ts, actor, event_type, payload, payload_sha256, prev_hash, entry_hash, archived)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(entry.ID), entry.Timestamp, entry.Actor, string(entry.EventType),
		string(entry.Payload), entry.PayloadSHA256, entry.PrevHash, entry.EntryHash, entry.Archived,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (r *Repository) ListAudit(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	query := `SELECT id, ts, actor, event_type, CAST(payload AS TEXT), payload_sha256, prev_hash, entry_hash, archived
		FROM audit_log WHERE 1=1`
	var args []any

	if filter.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, string(filter.EventType))
	}
	if !filter.From.IsZero() {
		query += " AND ts >= ?"
		args = append(args, filter.From)
	}
	if !filter.To.IsZero() {
		query += " AND ts <= ?"
		args = append(args, filter.To)
	}
	if !filter.IncludeArchived {
		query += " AND archived = FALSE"
	}
	query += " ORDER BY ts ASC, seq ASC"

	return r.queryAudit(ctx, query, args...)
}

// ListAuditAll returns every entry, archived included, in insertion
// order. This is the verifier's view of the chain.
func (r *Repository) ListAuditAll(ctx context.Context) ([]domain.AuditEntry, error) {
	return r.queryAudit(ctx, `
		SELECT id, ts, actor, event_type, CAST(payload AS TEXT), payload_sha256, prev_hash, entry_hash, archived
		FROM audit_log ORDER BY seq ASC`)
}

func (r *Repository) queryAudit(ctx context.Context, query string, args ...any) ([]domain.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	entries := []domain.AuditEntry{}
	for rows.Next() {
		var e domain.AuditEntry
		var idStr, eventType, payload string
		if err := rows.Scan(&idStr, &e.Timestamp, &e.Actor, &eventType,
			&payload, &e.PayloadSHA256, &e.PrevHash, &e.EntryHash, &e.Archived); err != nil {
			return nil, err
		}
		e.ID = domain.AuditEntryID(idStr)
		e.EventType = domain.EventType(eventType)
		e.Payload = []byte(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SetAuditArchived flips the archived flag. Idempotent: setting the
// current value again affects the row and succeeds.
func (r *Repository) SetAuditArchived(ctx context.Context, id domain.AuditEntryID, archived bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx,
		`UPDATE audit_log SET archived = ? WHERE id = ?`, archived, string(id))
	if err != nil {
		return fmt.Errorf("set archived: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: audit entry %s", domain.ErrNotFound, id)
	}
	return nil
}

func (r *Repository) DeleteAudit(ctx context.Context, id domain.AuditEntryID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx, `DELETE FROM audit_log WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("delete audit entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: audit entry %s", domain.ErrNotFound, id)
	}
	return nil
}

func (r *Repository) LastEntryHash(ctx context.Context) (string, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT entry_hash FROM audit_log ORDER BY seq DESC LIMIT 1`)
	var hash string
	err := row.Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read chain tip: %w", err)
	}
	return hash, nil
}
