package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emooreatx/CIRISNode/internal/core/domain"
	"github.com/emooreatx/CIRISNode/internal/core/ports"
)

// AuditLog is the append-only, hash-chained record of every mutating
// action. Entries are immutable once written; only the archived flag may
// change. Appends are serialized so the chain extends one entry at a time.
type AuditLog struct {
	logger *slog.Logger
	repo   ports.Repository

	mu sync.Mutex // guards chain extension
}

func NewAuditLog(logger *slog.Logger, repo ports.Repository) *AuditLog {
	return &AuditLog{logger: logger, repo: repo}
}

// sha256Payload hashes the canonical JSON form of payload. Maps marshal
// with sorted keys, so the hash is stable across processes.
func sha256Payload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// entryHash chains an entry onto its predecessor. The timestamp is
// excluded so a storage round-trip with reduced precision cannot break
// verification.
func entryHash(prevHash, payloadSHA string, id domain.AuditEntryID, eventType domain.EventType) string {
	sum := sha256.Sum256([]byte(prevHash + payloadSHA + string(id) + string(eventType)))
	return hex.EncodeToString(sum[:])
}

// Append records one action. The payload is marshalled to canonical JSON,
// hashed, and chained onto the current log tip.
func (a *AuditLog) Append(ctx context.Context, actor string, eventType domain.EventType, payload any) (domain.AuditEntry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("%w: marshal audit payload: %v", domain.ErrInvalidArgument, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	prev, err := a.repo.LastEntryHash(ctx)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("%w: read chain tip: %v", domain.ErrInternal, err)
	}

	entry := domain.AuditEntry{
		ID:            domain.AuditEntryID(uuid.New().String()),
		Timestamp:     time.Now().UTC(),
		Actor:         actor,
		EventType:     eventType,
		Payload:       raw,
		PayloadSHA256: sha256Payload(raw),
		PrevHash:      prev,
	}
	entry.EntryHash = entryHash(entry.PrevHash, entry.PayloadSHA256, entry.ID, entry.EventType)

	if err := a.repo.AppendAudit(ctx, entry); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("%w: append audit entry: %v", domain.ErrInternal, err)
	}

	a.logger.Info("audit entry written",
		"event_type", eventType, "actor", actor, "entry_id", entry.ID)
	return entry, nil
}

// List returns entries matching filter, timestamp ascending. Archived
// entries are excluded unless filter.IncludeArchived.
func (a *AuditLog) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	entries, err := a.repo.ListAudit(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: list audit entries: %v", domain.ErrInternal, err)
	}
	return entries, nil
}

// SetArchived flips the only mutable field. Idempotent: re-archiving an
// archived entry succeeds and records nothing new beyond the audit event.
func (a *AuditLog) SetArchived(ctx context.Context, actor string, id domain.AuditEntryID, archived bool) error {
	if err := a.repo.SetAuditArchived(ctx, id, archived); err != nil {
		return err
	}
	if _, err := a.Append(ctx, actor, domain.EventAuditEntryArchived, map[string]any{
		"entry_id": string(id),
		"archived": archived,
	}); err != nil {
		return err
	}
	return nil
}

// Delete permanently removes an entry. This is the documented admin
// escape hatch: it breaks the hash chain at the deleted entry, and the
// verifier will report the break from then on. The deletion itself is
// recorded as a new chain entry once the removal succeeds.
func (a *AuditLog) Delete(ctx context.Context, actor string, id domain.AuditEntryID) error {
	if err := a.repo.DeleteAudit(ctx, id); err != nil {
		return err
	}
	a.logger.Warn("audit entry deleted", "entry_id", id, "actor", actor)
	if _, err := a.Append(ctx, actor, domain.EventAuditEntryDeleted, map[string]any{
		"entry_id": string(id),
	}); err != nil {
		return err
	}
	return nil
}

// VerifyReport is the outcome of a full-log verification pass.
type VerifyReport struct {
	Entries  int      `json:"entries"`
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems,omitempty"`
}

// Verify re-hashes every payload against its stored digest and re-walks
// the hash chain in insertion order. Archived entries are included: the
// archived flag is outside the hashed content and must not affect this.
func (a *AuditLog) Verify(ctx context.Context) (VerifyReport, error) {
	entries, err := a.repo.ListAuditAll(ctx)
	if err != nil {
		return VerifyReport{}, fmt.Errorf("%w: load audit log: %v", domain.ErrInternal, err)
	}

	report := VerifyReport{Entries: len(entries), Valid: true}
	prev := ""
	for _, e := range entries {
		if got := sha256Payload(e.Payload); got != e.PayloadSHA256 {
			report.Valid = false
			report.Problems = append(report.Problems,
				fmt.Sprintf("entry %s: payload hash mismatch", e.ID))
		}
		if e.PrevHash != prev {
			report.Valid = false
			report.Problems = append(report.Problems,
				fmt.Sprintf("entry %s: chain break (prev_hash mismatch)", e.ID))
		}
		if got := entryHash(e.PrevHash, e.PayloadSHA256, e.ID, e.EventType); got != e.EntryHash {
			report.Valid = false
			report.Problems = append(report.Problems,
				fmt.Sprintf("entry %s: entry hash mismatch", e.ID))
		}
		prev = e.EntryHash
	}
	return report, nil
}
