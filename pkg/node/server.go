package node

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/emooreatx/CIRISNode/internal/core/domain"
	"github.com/emooreatx/CIRISNode/internal/core/services"
)

// Server is the stateless JSON boundary of the node. Every route decodes,
// delegates to a core service, and encodes; no business state lives here.
type Server struct {
	logger       *slog.Logger
	orchestrator *services.Orchestrator
	audit        *services.AuditLog
	wbd          *services.WBDManager
	signer       *services.Signer
	eventBus     *services.EventBus
	catalog      *services.Catalog

	adminToken  string // empty disables audit deletion entirely
	openapiJSON []byte
}

func NewServer(
	logger *slog.Logger,
	orchestrator *services.Orchestrator,
	audit *services.AuditLog,
	wbd *services.WBDManager,
	signer *services.Signer,
	eventBus *services.EventBus,
	catalog *services.Catalog,
	adminToken string,
	openapiJSON []byte,
) *Server {
	return &Server{
		logger:       logger,
		orchestrator: orchestrator,
		audit:        audit,
		wbd:          wbd,
		signer:       signer,
		eventBus:     eventBus,
		catalog:      catalog,
		adminToken:   adminToken,
		openapiJSON:  openapiJSON,
	}
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Benchmarks API
		if r.Method == "POST" && r.URL.Path == "/v1/benchmarks/run" {
			s.handleRun(w, r)
			return
		}
		if r.Method == "POST" && r.URL.Path == "/v1/benchmarks/run-sync" {
			s.handleRunSync(w, r, false)
			return
		}
		if r.Method == "GET" && r.URL.Path == "/v1/benchmarks/scenarios" {
			s.handleListScenarios(w, r)
			return
		}
		if r.Method == "GET" && isJobEventsPath(r.URL.Path) {
			s.handleJobSSE(w, r)
			return
		}
		if r.Method == "POST" && strings.HasPrefix(r.URL.Path, "/v1/benchmarks/jobs/") && strings.HasSuffix(r.URL.Path, "/cancel") {
			s.handleCancelJob(w, r)
			return
		}
		if r.Method == "GET" && strings.HasPrefix(r.URL.Path, "/v1/benchmarks/jobs/") {
			s.handleGetJob(w, r)
			return
		}
		if r.Method == "GET" && r.URL.Path == "/v1/benchmarks/jobs" {
			s.handleListJobs(w, r)
			return
		}
		if r.Method == "GET" && strings.HasPrefix(r.URL.Path, "/v1/benchmarks/results/") {
			s.handleGetResults(w, r, false)
			return
		}
		// Legacy simplebench aliases: same engine, flat result shape.
		if r.Method == "POST" && r.URL.Path == "/v1/simplebench/run-sync" {
			s.handleRunSync(w, r, true)
			return
		}
		if r.Method == "GET" && strings.HasPrefix(r.URL.Path, "/v1/simplebench/results/") {
			s.handleGetResults(w, r, true)
			return
		}
		// Audit API
		if r.Method == "GET" && r.URL.Path == "/v1/audit/logs" {
			s.handleListAudit(w, r)
			return
		}
		if r.Method == "POST" && r.URL.Path == "/v1/audit/verify" {
			s.handleVerifyAudit(w, r)
			return
		}
		if r.Method == "PATCH" && strings.HasPrefix(r.URL.Path, "/v1/audit/logs/") && strings.HasSuffix(r.URL.Path, "/archive") {
			s.handleArchiveAudit(w, r)
			return
		}
		if r.Method == "DELETE" && strings.HasPrefix(r.URL.Path, "/v1/audit/logs/") {
			s.handleDeleteAudit(w, r)
			return
		}
		// WBD API
		if r.Method == "GET" && r.URL.Path == "/v1/wbd/tasks" {
			s.handleListWBDTasks(w, r)
			return
		}
		if r.Method == "POST" && r.URL.Path == "/v1/wbd/tasks" {
			s.handleCreateWBDTask(w, r)
			return
		}
		if r.Method == "POST" && strings.HasPrefix(r.URL.Path, "/v1/wbd/tasks/") && strings.HasSuffix(r.URL.Path, "/resolve") {
			s.handleResolveWBDTask(w, r)
			return
		}
		if r.Method == "GET" && strings.HasPrefix(r.URL.Path, "/v1/wbd/tasks/") {
			s.handleGetWBDTask(w, r)
			return
		}
		// Node metadata
		if r.Method == "GET" && r.URL.Path == "/v1/keys/public" {
			s.handlePublicKey(w, r)
			return
		}
		if r.Method == "GET" && r.URL.Path == "/v1/health" {
			s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		if r.Method == "GET" && r.URL.Path == "/v1/openapi.json" {
			w.Header().Set("Content-Type", "application/json")
			w.Write(s.openapiJSON)
			return
		}
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
}

// isJobEventsPath checks if an URL path matches /v1/benchmarks/jobs/{id}/events
func isJobEventsPath(path string) bool {
	const prefix = "/v1/benchmarks/jobs/"
	const suffix = "/events"
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return false
	}
	middle := path[len(prefix) : len(path)-len(suffix)]
	return len(middle) > 0 && !strings.Contains(middle, "/")
}

// --- Benchmarks ---

type runRequest struct {
	ScenarioIDs []string `json:"scenario_ids"`
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	APIKey      string   `json:"api_key,omitempty"`
}

// handleRun submits an asynchronous benchmark job.
// POST /v1/benchmarks/run
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	job, err := s.orchestrator.Submit(r.Context(), actor, domain.RunRequest{
		ScenarioIDs: req.ScenarioIDs,
		Provider:    req.Provider,
		Model:       req.Model,
		APIKey:      req.APIKey,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": string(job.ID),
		"status": string(job.State),
	})
}

// handleRunSync runs a benchmark inline and returns the terminal job.
// POST /v1/benchmarks/run-sync and POST /v1/simplebench/run-sync
func (s *Server) handleRunSync(w http.ResponseWriter, r *http.Request, legacy bool) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	job, err := s.orchestrator.RunSync(r.Context(), actor, domain.RunRequest{
		ScenarioIDs: req.ScenarioIDs,
		Provider:    req.Provider,
		Model:       req.Model,
		APIKey:      req.APIKey,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	if legacy {
		s.writeJSON(w, http.StatusOK, legacyJobView(job))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"job_id":  string(job.ID),
		"status":  string(job.State),
		"error":   job.Error,
		"results": job.Results,
	})
}

// handleGetJob returns job status without the result payload.
// GET /v1/benchmarks/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/benchmarks/jobs/")
	if id == "" || strings.Contains(id, "/") {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job id"})
		return
	}

	job, err := s.orchestrator.GetJob(r.Context(), domain.JobID(id))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"job_id":       string(job.ID),
		"status":       string(job.State),
		"provider":     job.Provider,
		"model":        job.Model,
		"scenario_ids": job.ScenarioIDs,
		"error":        job.Error,
		"created_at":   job.CreatedAt,
		"completed_at": job.CompletedAt,
	})
}

// handleListJobs returns every job, newest first.
// GET /v1/benchmarks/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.orchestrator.ListJobs(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, map[string]any{
			"job_id":     string(job.ID),
			"status":     string(job.State),
			"provider":   job.Provider,
			"model":      job.Model,
			"created_at": job.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": views, "count": len(views)})
}

// handleCancelJob requests cancellation of a queued or running job.
// POST /v1/benchmarks/jobs/{id}/cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/benchmarks/jobs/"), "/cancel")
	if id == "" || strings.Contains(id, "/") {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job id"})
		return
	}

	if err := s.orchestrator.Cancel(r.Context(), actor, domain.JobID(id)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": id,
		"status": "cancel_requested",
	})
}

// handleGetResults returns the signed result set of a completed job.
// GET /v1/benchmarks/results/{id} and GET /v1/simplebench/results/{id}
func (s *Server) handleGetResults(w http.ResponseWriter, r *http.Request, legacy bool) {
	prefix := "/v1/benchmarks/results/"
	if legacy {
		prefix = "/v1/simplebench/results/"
	}
	id := strings.TrimPrefix(r.URL.Path, prefix)
	if id == "" || strings.Contains(id, "/") {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job id"})
		return
	}

	job, err := s.orchestrator.GetResults(r.Context(), domain.JobID(id))
	if err != nil {
		s.writeError(w, err)
		return
	}

	if legacy {
		s.writeJSON(w, http.StatusOK, legacyJobView(job))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"job_id":  string(job.ID),
		"status":  string(job.State),
		"results": job.Results,
	})
}

// handleListScenarios returns the ids of the bundled scenario catalog.
// GET /v1/benchmarks/scenarios
func (s *Server) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	ids := s.catalog.IDs()
	s.writeJSON(w, http.StatusOK, map[string]any{"scenario_ids": ids, "count": len(ids)})
}

// handleJobSSE streams lifecycle events for one job.
// GET /v1/benchmarks/jobs/{id}/events
func (s *Server) handleJobSSE(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	var jobID string
	if len(parts) >= 4 {
		jobID = parts[3] // v1/benchmarks/jobs/{id}/events, id at index 3
	}
	if jobID == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing job id"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsub := s.eventBus.Subscribe(jobID)
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, string(evt.Kind), evt.Data)
			flusher.Flush()
		}
	}
}

// --- Audit ---

// handleListAudit returns audit entries matching the query filters.
// GET /v1/audit/logs?type=&from_date=&to_date=&include_archived=
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.AuditFilter{
		EventType:       domain.EventType(q.Get("type")),
		IncludeArchived: q.Get("include_archived") == "true",
	}
	if v := q.Get("from_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid from_date: " + err.Error()})
			return
		}
		filter.From = t
	}
	if v := q.Get("to_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid to_date: " + err.Error()})
			return
		}
		filter.To = t
	}

	entries, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"logs": entries, "count": len(entries)})
}

// handleVerifyAudit re-checks the whole hash chain.
// POST /v1/audit/verify
func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	report, err := s.audit.Verify(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// handleArchiveAudit flips the archived flag of one entry.
// PATCH /v1/audit/logs/{id}/archive?archived=true|false
func (s *Server) handleArchiveAudit(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/audit/logs/"), "/archive")
	if id == "" || strings.Contains(id, "/") {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid entry id"})
		return
	}

	archived := true
	if v := r.URL.Query().Get("archived"); v != "" {
		archived = v == "true"
	}

	if err := s.audit.SetArchived(r.Context(), actor, domain.AuditEntryID(id), archived); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entry_id": id, "archived": archived})
}

// handleDeleteAudit permanently removes an entry. Requires the node admin
// token in addition to a bearer identity; with no admin token configured
// the route is disabled.
// DELETE /v1/audit/logs/{id}
func (s *Server) handleDeleteAudit(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	if s.adminToken == "" || r.Header.Get("X-Admin-Token") != s.adminToken {
		s.writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin token required"})
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/audit/logs/")
	if id == "" || strings.Contains(id, "/") {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid entry id"})
		return
	}

	if err := s.audit.Delete(r.Context(), actor, domain.AuditEntryID(id)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"entry_id": id, "status": "deleted"})
}

// --- WBD ---

type createWBDTaskRequest struct {
	AgentTaskID string          `json:"agent_task_id"`
	Payload     json.RawMessage `json:"payload"`
	SLASeconds  *int64          `json:"sla_seconds,omitempty"`
}

// handleCreateWBDTask opens a deferral awaiting a human decision.
// POST /v1/wbd/tasks
func (s *Server) handleCreateWBDTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	var req createWBDTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	// An omitted sla_seconds gets the configured default; an explicit
	// zero means the task is already due.
	sla := s.wbd.DefaultSLA()
	if req.SLASeconds != nil {
		sla = time.Duration(*req.SLASeconds) * time.Second
	}

	task, err := s.wbd.CreateTask(r.Context(), actor, req.AgentTaskID, req.Payload, sla)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, task)
}

// handleListWBDTasks returns tasks matching the query filters, newest first.
// GET /v1/wbd/tasks?state=&since=
func (s *Server) handleListWBDTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.WBDFilter{Status: domain.WBDStatus(q.Get("state"))}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid since: " + err.Error()})
			return
		}
		filter.Since = t
	}

	tasks, err := s.wbd.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

// handleGetWBDTask returns one task.
// GET /v1/wbd/tasks/{id}
func (s *Server) handleGetWBDTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/wbd/tasks/")
	if id == "" || strings.Contains(id, "/") {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}

	task, err := s.wbd.GetTask(r.Context(), domain.WBDTaskID(id))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

type resolveWBDTaskRequest struct {
	Decision string  `json:"decision"`
	Comment  *string `json:"comment,omitempty"`
}

// handleResolveWBDTask records the human decision on a task.
// POST /v1/wbd/tasks/{id}/resolve
func (s *Server) handleResolveWBDTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/wbd/tasks/"), "/resolve")
	if id == "" || strings.Contains(id, "/") {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}

	var req resolveWBDTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	task, err := s.wbd.Resolve(r.Context(), actor, domain.WBDTaskID(id),
		domain.WBDDecision(req.Decision), req.Comment)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

// --- Node metadata ---

// handlePublicKey serves the node's result-verification key.
// GET /v1/keys/public
func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	pemKey, err := s.signer.PublicKeyPEM()
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write([]byte(pemKey))
}

// --- Helpers ---

// bearerActor extracts the opaque identity from the Authorization header.
func bearerActor(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

// requireActor rejects mutating requests without a bearer identity.
func (s *Server) requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := bearerActor(r)
	if actor == "" {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
		return "", false
	}
	return actor, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// writeError maps the domain error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrUpstream):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeSSE(w http.ResponseWriter, event, data string) {
	w.Write([]byte("event: " + event + "\ndata: " + data + "\n\n"))
}

// legacyJobView flattens a job into the shape the original simplebench
// API exposed. Translation happens here only; storage stays canonical.
func legacyJobView(job domain.Job) map[string]any {
	results := make([]map[string]any, 0, len(job.Results))
	for _, sr := range job.Results {
		results = append(results, map[string]any{
			"scenario_id":     sr.Result.ScenarioID,
			"prompt":          sr.Result.Prompt,
			"expected_answer": sr.Result.ExpectedAnswer,
			"response":        sr.Result.Response,
			"passed":          sr.Result.Passed,
			"model":           sr.Result.ModelUsed,
			"signature":       sr.Signature,
		})
	}
	return map[string]any{
		"job_id":  string(job.ID),
		"status":  string(job.State),
		"results": results,
	}
}
