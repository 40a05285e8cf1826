package services

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emooreatx/CIRISNode/internal/core/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestAuditLog_AppendChains(t *testing.T) {
	repo := newMemRepo()
	audit := NewAuditLog(discardLogger(), repo)
	ctx := context.Background()

	first, err := audit.Append(ctx, "alice", domain.EventBenchmarkSubmitted, map[string]any{"job_id": "j1"})
	require.NoError(t, err)
	assert.Equal(t, "", first.PrevHash)
	assert.NotEmpty(t, first.EntryHash)
	assert.NotEmpty(t, first.PayloadSHA256)

	second, err := audit.Append(ctx, "alice", domain.EventBenchmarkCompleted, map[string]any{"job_id": "j1"})
	require.NoError(t, err)
	assert.Equal(t, first.EntryHash, second.PrevHash)

	report, err := audit.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 2, report.Entries)
	assert.Empty(t, report.Problems)
}

func TestAuditLog_VerifyDetectsTamperedPayload(t *testing.T) {
	repo := newMemRepo()
	audit := NewAuditLog(discardLogger(), repo)
	ctx := context.Background()

	entry, err := audit.Append(ctx, "alice", domain.EventBenchmarkSubmitted, map[string]any{"job_id": "j1"})
	require.NoError(t, err)
	_, err = audit.Append(ctx, "alice", domain.EventBenchmarkCompleted, map[string]any{"job_id": "j1"})
	require.NoError(t, err)

	// Flip a byte in the stored payload behind the service's back.
	repo.mu.Lock()
	for i := range repo.audit {
		if repo.audit[i].ID == entry.ID {
			repo.audit[i].Payload = []byte(`{"job_id":"j2"}`)
		}
	}
	repo.mu.Unlock()

	report, err := audit.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	require.NotEmpty(t, report.Problems)
	assert.Contains(t, report.Problems[0], "payload hash mismatch")
}

func TestAuditLog_DeleteBreaksChain(t *testing.T) {
	repo := newMemRepo()
	audit := NewAuditLog(discardLogger(), repo)
	ctx := context.Background()

	_, err := audit.Append(ctx, "a", domain.EventBenchmarkSubmitted, map[string]any{"n": 1})
	require.NoError(t, err)
	middle, err := audit.Append(ctx, "a", domain.EventBenchmarkCompleted, map[string]any{"n": 2})
	require.NoError(t, err)
	_, err = audit.Append(ctx, "a", domain.EventWBDSubmitted, map[string]any{"n": 3})
	require.NoError(t, err)

	require.NoError(t, audit.Delete(ctx, "admin", middle.ID))

	// The deletion is itself on the record.
	deletions, err := audit.List(ctx, domain.AuditFilter{EventType: domain.EventAuditEntryDeleted})
	require.NoError(t, err)
	require.Len(t, deletions, 1)

	// And the verifier reports the break where the entry used to be.
	report, err := audit.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.NotEmpty(t, report.Problems)
}

func TestAuditLog_DeleteUnknownWritesNothing(t *testing.T) {
	repo := newMemRepo()
	audit := NewAuditLog(discardLogger(), repo)
	ctx := context.Background()

	err := audit.Delete(ctx, "admin", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	all, err := repo.ListAuditAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAuditLog_ArchiveKeepsChainValid(t *testing.T) {
	repo := newMemRepo()
	audit := NewAuditLog(discardLogger(), repo)
	ctx := context.Background()

	entry, err := audit.Append(ctx, "a", domain.EventBenchmarkSubmitted, map[string]any{"n": 1})
	require.NoError(t, err)

	require.NoError(t, audit.SetArchived(ctx, "a", entry.ID, true))
	// Idempotent.
	require.NoError(t, audit.SetArchived(ctx, "a", entry.ID, true))

	// Archived entries vanish from the default listing.
	visible, err := audit.List(ctx, domain.AuditFilter{EventType: domain.EventBenchmarkSubmitted})
	require.NoError(t, err)
	assert.Empty(t, visible)

	archived, err := audit.List(ctx, domain.AuditFilter{EventType: domain.EventBenchmarkSubmitted, IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, archived, 1)

	// Archiving mutates only the flag; the chain stays intact.
	report, err := audit.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}
