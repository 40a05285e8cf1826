package domain

import (
	"encoding/json"
	"time"
)

type AuditEntryID string

type EventType string

const (
	EventBenchmarkSubmitted  EventType = "benchmark_submitted"
	EventBenchmarkCompleted  EventType = "benchmark_completed"
	EventBenchmarkFailed     EventType = "benchmark_failed"
	EventWBDSubmitted        EventType = "wbd_submitted"
	EventWBDResolved         EventType = "wbd_resolved"
	EventWBDResolvedAfterSLA EventType = "wbd_resolved_after_breach"
	EventWBDSLABreached      EventType = "wbd_sla_breached"
	EventAuditEntryArchived  EventType = "audit_archived"
	EventAuditEntryDeleted   EventType = "audit_deleted"
)

// AuditEntry is an immutable fact about a system action. Only Archived may
// change after creation; Delete is a privileged admin override.
type AuditEntry struct {
	ID            AuditEntryID    `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	Actor         string          `json:"actor"`
	EventType     EventType       `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PayloadSHA256 string          `json:"payload_sha256"`
	PrevHash      string          `json:"prev_hash"`
	EntryHash     string          `json:"entry_hash"`
	Archived      bool            `json:"archived"`
}

// AuditFilter narrows a List call. Zero values mean "no constraint".
// Filters are ANDed; archived entries are excluded unless IncludeArchived.
type AuditFilter struct {
	EventType       EventType
	From            time.Time
	To              time.Time
	IncludeArchived bool
}
