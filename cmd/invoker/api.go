package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coughsense/coughsense-go/internal/contract"
	"github.com/coughsense/coughsense-go/internal/domain"
	"github.com/coughsense/coughsense-go/internal/permission"
	"github.com/coughsense/coughsense-go/internal/platform/auth"
	"github.com/coughsense/coughsense-go/internal/platform/httpserver"
	"github.com/coughsense/coughsense-go/internal/platform/requestid"
	"github.com/coughsense/coughsense-go/internal/repo"
	"github.com/coughsense/coughsense-go/internal/runtimeexec"
	"github.com/coughsense/coughsense-go/internal/service/jobs"
)

const maxRequestBytes = 1 << 20

type invokerAPI struct {
	logger  *slog.Logger
	jobs    *jobs.Service
	metrics *metrics
	limiter *subjectLimiter
}

func newInvokerAPI(logger *slog.Logger, svc *jobs.Service, m *metrics, limiter *subjectLimiter) *invokerAPI {
	return &invokerAPI{logger: logger, jobs: svc, metrics: m, limiter: limiter}
}

func (api *invokerAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /jobs", api.handleSubmitJob)
	mux.HandleFunc("GET /jobs/{job_id}", api.handleGetJob)
	mux.HandleFunc("GET /tasks/{task_id}", api.handleGetTask)
}

type taskResponse struct {
	TaskID      string           `json:"task_id"`
	JobID       string           `json:"job_id"`
	State       domain.TaskState `json:"state"`
	Status      string           `json:"status"`
	Reason      string           `json:"reason,omitempty"`
	ExitCode    *int             `json:"exit_code,omitempty"`
	Bucket      string           `json:"bucket"`
	OutputKey   string           `json:"output_key"`
	LogGroup    string           `json:"log_group"`
	LogStream   string           `json:"log_stream"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
	ReclaimedAt *time.Time       `json:"reclaimed_at,omitempty"`
}

func toTaskResponse(t domain.TaskInstance) taskResponse {
	env := contract.Env(t.Contract)
	return taskResponse{
		TaskID:      t.ID,
		JobID:       t.JobID,
		State:       t.State,
		Status:      t.TerminalStatus(),
		Reason:      t.Reason,
		ExitCode:    t.ExitCode,
		Bucket:      env.Get(contract.KeyBucket),
		OutputKey:   env.Get(contract.KeyOutputPrefix),
		LogGroup:    t.LogGroup,
		LogStream:   t.LogStream,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		FinishedAt:  t.FinishedAt,
		ReclaimedAt: t.ReclaimedAt,
	}
}

func (api *invokerAPI) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	actor := actorFromRequest(r)
	if !api.limiter.Allow(actor.Subject) {
		api.metrics.submissions.WithLabelValues("throttled").Inc()
		w.Header().Set("Retry-After", "1")
		httpserver.WriteError(w, r, http.StatusTooManyRequests, "rate_limited", nil)
		return
	}

	var req domain.JobRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		api.metrics.submissions.WithLabelValues("invalid").Inc()
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", map[string]any{"detail": err.Error()})
		return
	}

	handle, err := api.jobs.Submit(r.Context(), req, actor)
	switch {
	case err == nil:
		api.metrics.submissions.WithLabelValues("accepted").Inc()
		httpserver.WriteJSON(w, http.StatusAccepted, handle)
	case errors.Is(err, jobs.ErrAdmission):
		api.metrics.submissions.WithLabelValues("rejected").Inc()
		code := "admission_rejected"
		if errors.Is(err, permission.ErrAccessDenied) {
			code = "access_denied"
		}
		httpserver.WriteError(w, r, http.StatusBadRequest, code, map[string]any{"detail": err.Error()})
	case errors.Is(err, runtimeexec.ErrLaunchRejected):
		api.metrics.submissions.WithLabelValues("launch_rejected").Inc()
		httpserver.WriteError(w, r, http.StatusBadGateway, "launch_rejected", map[string]any{
			"detail":  err.Error(),
			"job_id":  handle.JobID,
			"task_id": handle.TaskID,
		})
	default:
		api.metrics.submissions.WithLabelValues("error").Inc()
		api.logger.Error("submit failed", "request_id", actor.RequestID, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", nil)
	}
}

func (api *invokerAPI) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	tasks, err := api.jobs.ListByJob(r.Context(), jobID)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResponse(t))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "tasks": out})
}

func (api *invokerAPI) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := api.jobs.Get(r.Context(), r.PathValue("task_id"))
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toTaskResponse(task))
}

func (api *invokerAPI) writeRepoError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, repo.ErrNotFound) {
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found", nil)
		return
	}
	api.logger.Error("task lookup failed", "request_id", requestid.FromContext(r.Context()), "error", err)
	httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", nil)
}

func actorFromRequest(r *http.Request) jobs.Actor {
	actor := jobs.Actor{
		RequestID: requestid.FromContext(r.Context()),
		UserAgent: r.UserAgent(),
	}
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		actor.Subject = identity.Subject
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		actor.IP = net.ParseIP(host)
	}
	return actor
}
