package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/emooreatx/CIRISNode/internal/core/domain"
	"github.com/emooreatx/CIRISNode/internal/core/ports"
)

// ScorerFactory builds a scorer backend for a provider/model pair and
// rejects unknown combinations with InvalidArgument.
type ScorerFactory interface {
	Build(provider, model, apiKey string) (ports.Scorer, error)
}

// OrchestratorConfig bounds execution of untrusted benchmark jobs.
type OrchestratorConfig struct {
	MaxConcurrentJobs int64
	ScorerTimeout     time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
}

// Orchestrator owns the Job/Result lifecycle: it accepts benchmark run
// requests, schedules execution against a scorer backend, tracks job
// state, persists signed results, and emits audit entries.
type Orchestrator struct {
	logger  *slog.Logger
	repo    ports.Repository
	catalog *Catalog
	factory ScorerFactory
	signer  *Signer
	audit   *AuditLog
	bus     *EventBus

	queue chan queuedJob
	sem   *semaphore.Weighted
	cfg   OrchestratorConfig

	mu      sync.Mutex
	cancels map[domain.JobID]context.CancelFunc
}

type queuedJob struct {
	jobID     domain.JobID
	actor     string
	scenarios []domain.Scenario
	scorer    ports.Scorer
	model     string
}

func NewOrchestrator(
	logger *slog.Logger,
	repo ports.Repository,
	catalog *Catalog,
	factory ScorerFactory,
	signer *Signer,
	audit *AuditLog,
	bus *EventBus,
	cfg OrchestratorConfig,
) *Orchestrator {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 4
	}
	if cfg.ScorerTimeout <= 0 {
		cfg.ScorerTimeout = 120 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	return &Orchestrator{
		logger:  logger,
		repo:    repo,
		catalog: catalog,
		factory: factory,
		signer:  signer,
		audit:   audit,
		bus:     bus,
		queue:   make(chan queuedJob, 100),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrentJobs),
		cfg:     cfg,
		cancels: make(map[domain.JobID]context.CancelFunc),
	}
}

// Submit validates the request, creates the job queued, and enqueues it
// for asynchronous execution. Returns immediately.
func (o *Orchestrator) Submit(ctx context.Context, actor string, req domain.RunRequest) (domain.Job, error) {
	job, q, err := o.prepare(ctx, actor, req)
	if err != nil {
		return domain.Job{}, err
	}

	select {
	case o.queue <- q:
	default:
		return domain.Job{}, fmt.Errorf("%w: job queue full", domain.ErrInternal)
	}

	return job, nil
}

// RunSync validates, creates, and executes the job inline, returning the
// terminal job. The state machine is identical to the async path: the
// job passes queued, running, then completed or failed with the same
// invariants and audit entries.
func (o *Orchestrator) RunSync(ctx context.Context, actor string, req domain.RunRequest) (domain.Job, error) {
	job, q, err := o.prepare(ctx, actor, req)
	if err != nil {
		return domain.Job{}, err
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return domain.Job{}, fmt.Errorf("%w: acquire execution slot: %v", domain.ErrInternal, err)
	}
	defer o.sem.Release(1)

	o.execute(ctx, q)
	return o.GetJob(ctx, job.ID)
}

// prepare validates the request and persists the queued job.
func (o *Orchestrator) prepare(ctx context.Context, actor string, req domain.RunRequest) (domain.Job, queuedJob, error) {
	scenarios, err := o.catalog.Resolve(req.ScenarioIDs)
	if err != nil {
		return domain.Job{}, queuedJob{}, err
	}

	scorer, err := o.factory.Build(req.Provider, req.Model, req.APIKey)
	if err != nil {
		return domain.Job{}, queuedJob{}, err
	}

	job := domain.Job{
		ID:          domain.JobID(uuid.New().String()),
		ScenarioIDs: req.ScenarioIDs,
		Provider:    req.Provider,
		Model:       req.Model,
		State:       domain.JobStateQueued,
		CreatedAt:   time.Now().UTC(),
	}

	if err := o.repo.SaveJob(ctx, job); err != nil {
		return domain.Job{}, queuedJob{}, fmt.Errorf("%w: persist job: %v", domain.ErrInternal, err)
	}

	if _, err := o.audit.Append(ctx, actor, domain.EventBenchmarkSubmitted, map[string]any{
		"job_id":       string(job.ID),
		"scenario_ids": req.ScenarioIDs,
		"provider":     req.Provider,
		"model":        req.Model,
	}); err != nil {
		return domain.Job{}, queuedJob{}, err
	}

	o.logger.Info("benchmark job submitted",
		"job_id", job.ID, "provider", req.Provider, "model", req.Model,
		"scenarios", len(scenarios), "actor", actor)

	return job, queuedJob{
		jobID:     job.ID,
		actor:     actor,
		scenarios: scenarios,
		scorer:    scorer,
		model:     req.Model,
	}, nil
}

// GetJob returns a job by id, NotFound if unknown.
func (o *Orchestrator) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	return o.repo.GetJob(ctx, id)
}

// ListJobs returns every known job, newest first.
func (o *Orchestrator) ListJobs(ctx context.Context) ([]domain.Job, error) {
	return o.repo.ListJobs(ctx)
}

// GetResults returns the signed result set of a completed job. A job
// that exists but has not completed is NotFound, same as an unknown id:
// there is nothing retrievable yet.
func (o *Orchestrator) GetResults(ctx context.Context, id domain.JobID) (domain.Job, error) {
	job, err := o.repo.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if job.State != domain.JobStateCompleted {
		return domain.Job{}, fmt.Errorf("%w: job %s has no results (state %s)", domain.ErrNotFound, id, job.State)
	}
	return job, nil
}

// Cancel aborts a job. Queued jobs transition directly to failed with
// cause "cancelled"; running jobs get a best-effort context cancellation
// and fail once the in-flight scorer call unwinds. Terminal jobs conflict.
func (o *Orchestrator) Cancel(ctx context.Context, actor string, id domain.JobID) error {
	job, err := o.repo.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return fmt.Errorf("%w: job %s already %s", domain.ErrConflict, id, job.State)
	}

	if job.State == domain.JobStateQueued {
		if ok := o.fail(ctx, id, []domain.JobState{domain.JobStateQueued}, "cancelled", actor); ok {
			return nil
		}
		// Lost the race to the worker; fall through to running cancellation.
	}

	o.mu.Lock()
	cancel, running := o.cancels[id]
	o.mu.Unlock()
	if running {
		cancel()
		return nil
	}
	return fmt.Errorf("%w: job %s changed state during cancel", domain.ErrConflict, id)
}

// Run consumes the queue: one goroutine per job, bounded by the weighted
// semaphore. Blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator started", "max_concurrent", o.cfg.MaxConcurrentJobs)
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopped")
			return nil
		case q := <-o.queue:
			if err := o.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			go func(q queuedJob) {
				defer o.sem.Release(1)
				o.execute(ctx, q)
			}(q)
		}
	}
}

// execute runs all scenarios for one job. All-or-nothing: any scorer
// failure after retries marks the job failed with no partial result set.
func (o *Orchestrator) execute(ctx context.Context, q queuedJob) {
	// State writes and audit appends run detached from the caller's
	// cancellation. A sync client disconnecting mid-run must still leave
	// the job in a terminal state with its failure recorded.
	persistCtx := context.WithoutCancel(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	o.cancels[q.jobID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, q.jobID)
		o.mu.Unlock()
	}()

	ok, err := o.repo.UpdateJobState(persistCtx, q.jobID,
		[]domain.JobState{domain.JobStateQueued},
		domain.Job{State: domain.JobStateRunning})
	if err != nil {
		o.logger.Error("failed to mark job running", "job_id", q.jobID, "error", err)
		return
	}
	if !ok {
		// Cancelled while queued; nothing to do.
		return
	}
	o.publishState(q.jobID, domain.JobStateRunning, "")

	results := make([]domain.SignedResult, 0, len(q.scenarios))
	for _, scenario := range q.scenarios {
		response, err := o.callScorer(runCtx, q.scorer, scenario.Prompt, q.model)
		if err != nil {
			cause := err.Error()
			if errors.Is(runCtx.Err(), context.Canceled) {
				cause = "cancelled"
			}
			o.fail(persistCtx, q.jobID, []domain.JobState{domain.JobStateRunning}, cause, q.actor)
			return
		}

		result := domain.Result{
			ScenarioID:     scenario.ID,
			Prompt:         scenario.Prompt,
			ExpectedAnswer: scenario.Answer,
			Response:       response,
			Passed:         gradeResponse(response, scenario.Answer),
			ModelUsed:      q.model,
		}
		sig, err := o.signer.Sign(result)
		if err != nil {
			o.fail(persistCtx, q.jobID, []domain.JobState{domain.JobStateRunning}, "signing failed: "+err.Error(), q.actor)
			return
		}
		results = append(results, domain.SignedResult{Result: result, Signature: sig})
	}

	now := time.Now().UTC()
	committed, err := o.repo.UpdateJobState(persistCtx, q.jobID,
		[]domain.JobState{domain.JobStateRunning},
		domain.Job{State: domain.JobStateCompleted, Results: results, CompletedAt: &now})
	if err != nil {
		o.logger.Error("failed to commit results", "job_id", q.jobID, "error", err)
		return
	}
	if !committed {
		// Another writer reached a terminal state first; discard our work.
		o.logger.Warn("discarding results, job already terminal", "job_id", q.jobID)
		return
	}

	if _, err := o.audit.Append(persistCtx, q.actor, domain.EventBenchmarkCompleted, map[string]any{
		"job_id":      string(q.jobID),
		"result_hash": resultSetHash(results),
		"scenarios":   len(results),
	}); err != nil {
		o.logger.Error("failed to audit completion", "job_id", q.jobID, "error", err)
	}

	o.publishState(q.jobID, domain.JobStateCompleted, "")
	o.logger.Info("benchmark job completed", "job_id", q.jobID, "scenarios", len(results))
}

// fail CAS-transitions the job to failed and records the cause. Reports
// whether this caller performed the transition. Detached from the
// caller's cancellation: a dead request context cannot leave the job
// non-terminal.
func (o *Orchestrator) fail(ctx context.Context, id domain.JobID, from []domain.JobState, cause, actor string) bool {
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	ok, err := o.repo.UpdateJobState(ctx, id, from,
		domain.Job{State: domain.JobStateFailed, Error: &cause, CompletedAt: &now})
	if err != nil {
		o.logger.Error("failed to mark job failed", "job_id", id, "error", err)
		return false
	}
	if !ok {
		return false
	}

	if _, err := o.audit.Append(ctx, actor, domain.EventBenchmarkFailed, map[string]any{
		"job_id": string(id),
		"cause":  cause,
	}); err != nil {
		o.logger.Error("failed to audit job failure", "job_id", id, "error", err)
	}

	o.publishState(id, domain.JobStateFailed, cause)
	o.logger.Warn("benchmark job failed", "job_id", id, "cause", cause)
	return true
}

// callScorer invokes the backend with a per-attempt timeout and bounded
// backoff. Only transport/upstream errors are retried.
func (o *Orchestrator) callScorer(ctx context.Context, scorer ports.Scorer, prompt, model string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", domain.ErrUpstream, ctx.Err())
			case <-time.After(o.cfg.RetryBackoff * time.Duration(attempt)):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.ScorerTimeout)
		response, err := scorer.Generate(attemptCtx, prompt, model)
		cancel()
		if err == nil {
			return response, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		o.logger.Warn("scorer call failed, retrying", "attempt", attempt+1, "error", err)
	}
	return "", fmt.Errorf("%w: scorer failed after %d attempts: %v", domain.ErrUpstream, o.cfg.MaxRetries, lastErr)
}

func (o *Orchestrator) publishState(id domain.JobID, state domain.JobState, cause string) {
	payload, _ := json.Marshal(map[string]string{
		"job_id": string(id),
		"state":  string(state),
		"error":  cause,
	})
	kind := EventKindState
	if state == domain.JobStateFailed {
		kind = EventKindError
	}
	o.bus.Publish(Event{
		JobID:     string(id),
		Kind:      kind,
		Data:      string(payload),
		Timestamp: time.Now().UnixMilli(),
	})
}

var answerPattern = regexp.MustCompile(`\b([A-F])\b`)

// gradeResponse extracts the first standalone answer letter (A-F) from
// the model output and compares it to the expected answer.
func gradeResponse(response, expected string) bool {
	match := answerPattern.FindStringSubmatch(response)
	if match == nil {
		return false
	}
	return strings.EqualFold(match[1], strings.TrimSpace(expected))
}

// resultSetHash digests the canonical JSON of the signed result set. The
// completion audit entry stores this hash instead of the raw content to
// bound audit-log size.
func resultSetHash(results []domain.SignedResult) string {
	raw, _ := json.Marshal(results)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
