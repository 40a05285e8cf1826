package domain

import (
	"encoding/json"
	"time"
)

type WBDTaskID string

type WBDStatus string

const (
	WBDStatusOpen        WBDStatus = "open"
	WBDStatusResolved    WBDStatus = "resolved"
	WBDStatusSLABreached WBDStatus = "sla_breached"
)

type WBDDecision string

const (
	WBDDecisionApprove WBDDecision = "approve"
	WBDDecisionReject  WBDDecision = "reject"
)

// WBDTask is one pending human decision (Wisdom-Based Deferral).
//
// State machine: open to resolved (explicit decision, terminal) and
// open to sla_breached (automatic once the deadline passes). A breached
// task can still be resolved manually; resolved is the only state that
// blocks further transitions.
type WBDTask struct {
	ID          WBDTaskID       `json:"id"`
	AgentTaskID string          `json:"agent_task_id"`
	Payload     json.RawMessage `json:"payload"`
	Status      WBDStatus       `json:"status"`
	Decision    *WBDDecision    `json:"decision,omitempty"`
	Comment     *string         `json:"comment,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
	SLADeadline time.Time       `json:"sla_deadline"`
}

// WBDFilter narrows a ListTasks call.
type WBDFilter struct {
	Status WBDStatus
	Since  time.Time
}

// ValidDecision reports whether d is one of the two accepted decisions.
func ValidDecision(d WBDDecision) bool {
	return d == WBDDecisionApprove || d == WBDDecisionReject
}
