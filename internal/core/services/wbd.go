package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/emooreatx/CIRISNode/internal/core/domain"
	"github.com/emooreatx/CIRISNode/internal/core/ports"
)

// WBDManager owns the Wisdom-Based Deferral task lifecycle: tasks needing
// human adjudication, SLA deadlines, and resolutions.
type WBDManager struct {
	logger     *slog.Logger
	repo       ports.Repository
	audit      *AuditLog
	defaultSLA time.Duration
	sweepTick  time.Duration
}

func NewWBDManager(logger *slog.Logger, repo ports.Repository, audit *AuditLog, defaultSLA, sweepTick time.Duration) *WBDManager {
	if defaultSLA <= 0 {
		defaultSLA = 72 * time.Hour
	}
	if sweepTick <= 0 {
		sweepTick = 30 * time.Second
	}
	return &WBDManager{
		logger:     logger,
		repo:       repo,
		audit:      audit,
		defaultSLA: defaultSLA,
		sweepTick:  sweepTick,
	}
}

// DefaultSLA returns the deadline duration applied when a caller does
// not choose one.
func (m *WBDManager) DefaultSLA() time.Duration {
	return m.defaultSLA
}

// CreateTask opens a deferral task with deadline now + sla. A zero sla
// makes the task due immediately, breachable by the next sweep; a
// negative one is rejected.
func (m *WBDManager) CreateTask(ctx context.Context, actor, agentTaskID string, payload json.RawMessage, sla time.Duration) (domain.WBDTask, error) {
	if agentTaskID == "" {
		return domain.WBDTask{}, fmt.Errorf("%w: agent_task_id must not be empty", domain.ErrInvalidArgument)
	}
	if sla < 0 {
		return domain.WBDTask{}, fmt.Errorf("%w: sla duration must not be negative", domain.ErrInvalidArgument)
	}
	if payload == nil {
		payload = json.RawMessage("{}")
	}

	now := time.Now().UTC()
	task := domain.WBDTask{
		ID:          domain.WBDTaskID(uuid.New().String()),
		AgentTaskID: agentTaskID,
		Payload:     payload,
		Status:      domain.WBDStatusOpen,
		CreatedAt:   now,
		SLADeadline: now.Add(sla),
	}

	if err := m.repo.CreateWBDTask(ctx, task); err != nil {
		return domain.WBDTask{}, fmt.Errorf("%w: create wbd task: %v", domain.ErrInternal, err)
	}

	if _, err := m.audit.Append(ctx, actor, domain.EventWBDSubmitted, map[string]any{
		"task_id":       string(task.ID),
		"agent_task_id": agentTaskID,
		"sla_deadline":  task.SLADeadline,
	}); err != nil {
		return domain.WBDTask{}, err
	}

	m.logger.Info("wbd task created", "task_id", task.ID, "agent_task_id", agentTaskID)
	return task, nil
}

// GetTask returns one task by id.
func (m *WBDManager) GetTask(ctx context.Context, id domain.WBDTaskID) (domain.WBDTask, error) {
	return m.repo.GetWBDTask(ctx, id)
}

// ListTasks returns tasks matching filter, newest first.
func (m *WBDManager) ListTasks(ctx context.Context, filter domain.WBDFilter) ([]domain.WBDTask, error) {
	tasks, err := m.repo.ListWBDTasks(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: list wbd tasks: %v", domain.ErrInternal, err)
	}
	return tasks, nil
}

// Resolve records a human decision. Allowed from open or sla_breached;
// a task already resolved yields Conflict. Concurrent resolutions race
// with at-most-one winner, decided by a compare-and-swap in the store.
func (m *WBDManager) Resolve(ctx context.Context, actor string, id domain.WBDTaskID, decision domain.WBDDecision, comment *string) (domain.WBDTask, error) {
	if !domain.ValidDecision(decision) {
		return domain.WBDTask{}, fmt.Errorf("%w: decision must be %q or %q", domain.ErrInvalidArgument, domain.WBDDecisionApprove, domain.WBDDecisionReject)
	}

	task, prior, err := m.repo.ResolveWBDTask(ctx, id, decision, comment, time.Now().UTC())
	if err != nil {
		return domain.WBDTask{}, err
	}

	// Resolving after a breach records the breach in the event type.
	eventType := domain.EventWBDResolved
	if prior == domain.WBDStatusSLABreached {
		eventType = domain.EventWBDResolvedAfterSLA
	}
	if _, err := m.audit.Append(ctx, actor, eventType, map[string]any{
		"task_id":  string(id),
		"decision": string(decision),
	}); err != nil {
		return domain.WBDTask{}, err
	}

	m.logger.Info("wbd task resolved", "task_id", id, "decision", decision, "prior_status", prior)
	return task, nil
}

// SweepSLA transitions every overdue open task to sla_breached and writes
// one audit entry per newly breached task. Safe to invoke concurrently:
// the store-side CAS picks each task at most once, so re-sweeping an
// already-breached task is a no-op.
func (m *WBDManager) SweepSLA(ctx context.Context) (int, error) {
	breached, err := m.repo.BreachOverdueWBDTasks(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: sweep sla: %v", domain.ErrInternal, err)
	}

	for _, task := range breached {
		if _, err := m.audit.Append(ctx, "system", domain.EventWBDSLABreached, map[string]any{
			"task_id":       string(task.ID),
			"agent_task_id": task.AgentTaskID,
			"sla_deadline":  task.SLADeadline,
		}); err != nil {
			return len(breached), err
		}
		m.logger.Warn("wbd task breached sla", "task_id", task.ID, "deadline", task.SLADeadline)
	}
	return len(breached), nil
}

// Run starts the recurring SLA sweep. Blocks until ctx is cancelled.
func (m *WBDManager) Run(ctx context.Context) error {
	m.logger.Info("sla sweeper started", "interval", m.sweepTick)
	ticker := time.NewTicker(m.sweepTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("sla sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := m.SweepSLA(ctx); err != nil {
				m.logger.Error("sla sweep failed", "error", err)
			}
		}
	}
}
