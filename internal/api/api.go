// Package api exposes the orchestrator over HTTP. Handlers are thin: they
// decode, call into the job service or pipeline executor, and map store
// errors to status codes. Tenancy rides on the X-Tenant-Id header.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tessera-labs/tessera-go/internal/domain"
	"github.com/tessera-labs/tessera-go/internal/events"
	"github.com/tessera-labs/tessera-go/internal/jobs"
	"github.com/tessera-labs/tessera-go/internal/pipeline"
	"github.com/tessera-labs/tessera-go/internal/repo"
)

const tenantHeader = "X-Tenant-Id"

type Store interface {
	repo.JobRepository
	repo.AdmissionRepository
	repo.QueueRepository
	repo.PipelineRepository
	repo.ExecutionRepository
	repo.EventOutbox
}

type API struct {
	logger   *slog.Logger
	store    Store
	jobs     *jobs.Service
	executor *pipeline.Executor
	bus      *events.Bus
	stream   *events.StreamHub
}

func New(logger *slog.Logger, store Store, jobSvc *jobs.Service, executor *pipeline.Executor, bus *events.Bus, stream *events.StreamHub) *API {
	return &API{
		logger:   logger,
		store:    store,
		jobs:     jobSvc,
		executor: executor,
		bus:      bus,
		stream:   stream,
	}
}

func (api *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /jobs", api.handleCreateJob)
	mux.HandleFunc("GET /jobs", api.handleListJobs)
	mux.HandleFunc("GET /jobs/{job_id}", api.handleGetJob)
	mux.HandleFunc("PATCH /jobs/{job_id}", api.handlePatchJob)
	mux.HandleFunc("GET /jobs/{job_id}/history", api.handleJobHistory)
	mux.HandleFunc("POST /jobs/{job_id}/cancel", api.handleCancelJob)
	mux.HandleFunc("POST /jobs/{job_id}/preempt", api.handlePreemptJob)

	mux.HandleFunc("POST /pipelines", api.handleCreatePipeline)
	mux.HandleFunc("GET /pipelines", api.handleListPipelines)
	mux.HandleFunc("GET /pipelines/{pipeline_id}", api.handleGetPipeline)
	mux.HandleFunc("POST /pipelines/{pipeline_id}/executions", api.handleStartExecution)

	mux.HandleFunc("GET /executions", api.handleListExecutions)
	mux.HandleFunc("GET /executions/{execution_id}", api.handleGetExecution)
	mux.HandleFunc("POST /executions/{execution_id}/cancel", api.handleCancelExecution)

	mux.HandleFunc("POST /signals", api.handleSignal)

	mux.HandleFunc("GET /queues", api.handleListQueues)
	mux.HandleFunc("GET /queues/{queue_name}/usage", api.handleQueueUsage)

	mux.HandleFunc("GET /events/{correlation_id}", api.handleListEvents)
	mux.HandleFunc("POST /events/{correlation_id}/redeliver", api.handleRedeliver)
	if api.stream != nil {
		mux.Handle("GET /events/stream", api.stream)
	}
}

type createJobRequest struct {
	Queue          string              `json:"queue"`
	Kind           string              `json:"kind"`
	Resources      domain.ResourceList `json:"resources"`
	PriorityClass  int                 `json:"priority_class,omitempty"`
	Preemptible    bool                `json:"preemptible,omitempty"`
	MaxRetries     int                 `json:"max_retries,omitempty"`
	MaxDurationSec int64               `json:"max_duration_seconds,omitempty"`
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
	Labels         map[string]string   `json:"labels,omitempty"`
	Image          string              `json:"image,omitempty"`
	Command        []string            `json:"command,omitempty"`
	Env            map[string]string   `json:"env,omitempty"`
}

type jobResponse struct {
	ID             string              `json:"id"`
	TenantID       string              `json:"tenant_id"`
	Queue          string              `json:"queue"`
	ClusterQueue   string              `json:"cluster_queue,omitempty"`
	Kind           string              `json:"kind"`
	Status         string              `json:"status"`
	Reason         string              `json:"reason,omitempty"`
	Resources      domain.ResourceList `json:"resources"`
	PriorityClass  int                 `json:"priority_class"`
	Preemptible    bool                `json:"preemptible"`
	RetryCount     int                 `json:"retry_count"`
	MaxRetries     int                 `json:"max_retries"`
	MaxDurationSec int64               `json:"max_duration_seconds,omitempty"`
	SubstrateRef   string              `json:"substrate_ref,omitempty"`
	Labels         map[string]string   `json:"labels,omitempty"`
	Outputs        domain.Metadata     `json:"outputs,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	ScheduledAt    *time.Time          `json:"scheduled_at,omitempty"`
	StartedAt      *time.Time          `json:"started_at,omitempty"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
}

func toJobResponse(j domain.Job) jobResponse {
	return jobResponse{
		ID:             j.ID,
		TenantID:       j.TenantID,
		Queue:          j.Queue,
		ClusterQueue:   j.ClusterQueue,
		Kind:           string(j.Kind),
		Status:         string(j.Status),
		Reason:         j.Reason,
		Resources:      j.Resources,
		PriorityClass:  j.PriorityClass,
		Preemptible:    j.Preemptible,
		RetryCount:     j.RetryCount,
		MaxRetries:     j.MaxRetries,
		MaxDurationSec: j.MaxDurationSec,
		SubstrateRef:   j.SubstrateRef,
		Labels:         j.Labels,
		Outputs:        j.Outputs,
		CreatedAt:      j.CreatedAt,
		ScheduledAt:    j.ScheduledAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
	}
}

func (api *API) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	tenant := strings.TrimSpace(r.Header.Get(tenantHeader))
	if tenant == "" {
		api.writeError(w, r, http.StatusBadRequest, "tenant_required")
		return
	}
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	job := domain.Job{
		TenantID:       tenant,
		Queue:          req.Queue,
		Kind:           domain.JobKind(req.Kind),
		Resources:      req.Resources,
		PriorityClass:  req.PriorityClass,
		Preemptible:    req.Preemptible,
		MaxRetries:     req.MaxRetries,
		MaxDurationSec: req.MaxDurationSec,
		IdempotencyKey: req.IdempotencyKey,
		Labels:         req.Labels,
		Image:          req.Image,
		Command:        req.Command,
		Env:            req.Env,
	}
	created, isNew, err := api.jobs.Create(r.Context(), job)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !isNew {
		status = http.StatusOK
	}
	api.writeJSON(w, status, toJobResponse(created))
}

func (api *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.JobFilter{
		TenantID: strings.TrimSpace(r.Header.Get(tenantHeader)),
		Queue:    q.Get("queue"),
		Status:   domain.JobStatus(q.Get("status")),
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_limit")
			return
		}
		filter.Limit = n
	}

	list, err := api.store.ListJobs(r.Context(), filter)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	out := make([]jobResponse, 0, len(list))
	for _, j := range list {
		out = append(out, toJobResponse(j))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (api *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := api.store.GetJob(r.Context(), r.PathValue("job_id"))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toJobResponse(job))
}

type patchJobRequest struct {
	PriorityClass *int              `json:"priority_class,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

func (api *API) handlePatchJob(w http.ResponseWriter, r *http.Request) {
	var req patchJobRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.PriorityClass == nil && req.Labels == nil {
		api.writeError(w, r, http.StatusBadRequest, "empty_patch")
		return
	}
	job, err := api.store.UpdateJobMeta(r.Context(), r.PathValue("job_id"), req.PriorityClass, req.Labels)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (api *API) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	history, err := api.store.JobHistory(r.Context(), r.PathValue("job_id"))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"transitions": history})
}

type reasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (api *API) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
	}
	job, err := api.jobs.Cancel(r.Context(), r.PathValue("job_id"), req.Reason)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (api *API) handlePreemptJob(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "preempted by operator"
	}
	job, err := api.jobs.Preempt(r.Context(), r.PathValue("job_id"), req.Reason)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toJobResponse(job))
}

type pipelineResponse struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	Name          string          `json:"name"`
	Trigger       domain.Trigger  `json:"trigger"`
	Params        domain.Metadata `json:"params,omitempty"`
	FailurePolicy string          `json:"failure_policy"`
	TimeoutSec    int64           `json:"timeout_seconds,omitempty"`
	Steps         []domain.Step   `json:"steps"`
	CreatedAt     time.Time       `json:"created_at"`
}

func toPipelineResponse(p domain.Pipeline) pipelineResponse {
	return pipelineResponse{
		ID:            p.ID,
		TenantID:      p.TenantID,
		Name:          p.Name,
		Trigger:       p.Trigger,
		Params:        p.Params,
		FailurePolicy: string(p.FailurePolicy),
		TimeoutSec:    p.TimeoutSec,
		Steps:         p.Steps,
		CreatedAt:     p.CreatedAt,
	}
}

// handleCreatePipeline accepts a definition as YAML or JSON; both decode
// through the same path.
func (api *API) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	tenant := strings.TrimSpace(r.Header.Get(tenantHeader))
	if tenant == "" {
		api.writeError(w, r, http.StatusBadRequest, "tenant_required")
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "unreadable_body")
		return
	}
	p, err := api.executor.SubmitPipeline(r.Context(), tenant, raw)
	if err != nil {
		var verr *pipeline.ValidationError
		if errors.As(err, &verr) {
			api.writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_pipeline", verr.Issues)
			return
		}
		api.writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_pipeline", err.Error())
		return
	}
	api.writeJSON(w, http.StatusCreated, toPipelineResponse(p))
}

func (api *API) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	filter := repo.PipelineFilter{
		TenantID: strings.TrimSpace(r.Header.Get(tenantHeader)),
		Name:     r.URL.Query().Get("name"),
	}
	list, err := api.store.ListPipelines(r.Context(), filter)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	out := make([]pipelineResponse, 0, len(list))
	for _, p := range list {
		out = append(out, toPipelineResponse(p))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"pipelines": out})
}

func (api *API) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := api.store.GetPipeline(r.Context(), r.PathValue("pipeline_id"))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toPipelineResponse(p))
}

type startExecutionRequest struct {
	Params domain.Metadata `json:"params,omitempty"`
}

type executionResponse struct {
	ID         string          `json:"id"`
	PipelineID string          `json:"pipeline_id"`
	TenantID   string          `json:"tenant_id"`
	Status     string          `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	Params     domain.Metadata `json:"params,omitempty"`
	Deadline   *time.Time      `json:"deadline,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	Steps      []stepResponse  `json:"steps,omitempty"`
}

type stepResponse struct {
	Name       string          `json:"name"`
	Kind       string          `json:"kind"`
	Parent     string          `json:"parent,omitempty"`
	Status     string          `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	JobID      string          `json:"job_id,omitempty"`
	AwaitEvent string          `json:"await_event,omitempty"`
	Outputs    domain.Metadata `json:"outputs,omitempty"`
	Deadline   *time.Time      `json:"deadline,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
}

func toExecutionResponse(e domain.Execution, steps []domain.StepState) executionResponse {
	out := executionResponse{
		ID:         e.ID,
		PipelineID: e.PipelineID,
		TenantID:   e.TenantID,
		Status:     string(e.Status),
		Reason:     e.Reason,
		Params:     e.Params,
		Deadline:   e.Deadline,
		StartedAt:  e.StartedAt,
		EndedAt:    e.EndedAt,
	}
	for _, st := range steps {
		out.Steps = append(out.Steps, stepResponse{
			Name:       st.Name,
			Kind:       string(st.Def.Kind),
			Parent:     st.Parent,
			Status:     string(st.Status),
			Reason:     st.Reason,
			JobID:      st.JobID,
			AwaitEvent: st.AwaitEvent,
			Outputs:    st.Outputs,
			Deadline:   st.Deadline,
			StartedAt:  st.StartedAt,
			EndedAt:    st.EndedAt,
		})
	}
	return out
}

func (api *API) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req startExecutionRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
	}
	exec, err := api.executor.StartExecution(r.Context(), r.PathValue("pipeline_id"), req.Params)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	steps, err := api.store.ListSteps(r.Context(), exec.ID)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, toExecutionResponse(exec, steps))
}

func (api *API) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.ExecutionFilter{
		TenantID:   strings.TrimSpace(r.Header.Get(tenantHeader)),
		PipelineID: q.Get("pipeline_id"),
		Status:     domain.ExecutionStatus(q.Get("status")),
	}
	list, err := api.store.ListExecutions(r.Context(), filter)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	out := make([]executionResponse, 0, len(list))
	for _, e := range list {
		out = append(out, toExecutionResponse(e, nil))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"executions": out})
}

func (api *API) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("execution_id")
	exec, err := api.store.GetExecution(r.Context(), id)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	steps, err := api.store.ListSteps(r.Context(), id)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toExecutionResponse(exec, steps))
}

func (api *API) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}
	exec, err := api.executor.CancelExecution(r.Context(), r.PathValue("execution_id"), req.Reason)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toExecutionResponse(exec, nil))
}

type signalRequest struct {
	Name string          `json:"name"`
	Data domain.Metadata `json:"data,omitempty"`
}

// handleSignal publishes an external signal event; wait steps listening on
// the name resume when the bus delivers it.
func (api *API) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		api.writeError(w, r, http.StatusBadRequest, "name_required")
		return
	}
	err := api.bus.Publish(r.Context(), domain.Event{
		Kind:          domain.EventExternalSignal,
		CorrelationID: "signal/" + name,
		Payload: domain.Metadata{
			"name": name,
			"data": map[string]any(req.Data),
		},
	})
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "name": name})
}

func (api *API) handleListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := api.store.ListClusterQueues(r.Context())
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"cluster_queues": queues})
}

func (api *API) handleQueueUsage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("queue_name")
	cq, err := api.store.GetClusterQueue(r.Context(), name)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	usage, err := api.store.QueueUsage(r.Context(), name)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"cluster_queue": cq.Name,
		"cohort":        cq.Cohort,
		"nominal":       cq.Nominal,
		"usage":         usage,
	})
}

func (api *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	list, err := api.store.ListEvents(r.Context(), r.PathValue("correlation_id"))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"events": list})
}

func (api *API) handleRedeliver(w http.ResponseWriter, r *http.Request) {
	n, err := api.bus.Redeliver(r.Context(), r.PathValue("correlation_id"))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"requeued": n})
}

func (api *API) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, repo.ErrConflict):
		api.writeError(w, r, http.StatusConflict, "conflict")
	default:
		api.writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	}
}

func (api *API) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func (api *API) writeErrorWithDetails(w http.ResponseWriter, r *http.Request, status int, code string, details any) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
		"details":    details,
	})
}

func (api *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		api.logger.Warn("write response failed", "error", err)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}
