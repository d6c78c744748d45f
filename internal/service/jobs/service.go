package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coughsense/coughsense-go/internal/contract"
	"github.com/coughsense/coughsense-go/internal/deployment"
	"github.com/coughsense/coughsense-go/internal/domain"
	"github.com/coughsense/coughsense-go/internal/permission"
	"github.com/coughsense/coughsense-go/internal/platform/auditlog"
	"github.com/coughsense/coughsense-go/internal/repo"
	"github.com/coughsense/coughsense-go/internal/runtimeexec"
)

// Actor identifies the already-authorized caller for audit purposes.
type Actor struct {
	Subject   string
	RequestID string
	UserAgent string
	IP        net.IP
}

func (a Actor) subject() string {
	if s := strings.TrimSpace(a.Subject); s != "" {
		return s
	}
	return "anonymous"
}

// Handle is what a caller gets back from Submit; never the job's result.
type Handle struct {
	JobID     string           `json:"job_id"`
	TaskID    string           `json:"task_id"`
	State     domain.TaskState `json:"state"`
	Bucket    string           `json:"bucket"`
	OutputKey string           `json:"output_key"`
	LogGroup  string           `json:"log_group"`
	LogStream string           `json:"log_stream"`
}

type Service struct {
	deployment   deployment.Config
	dataIdentity permission.Identity
	tasks        repo.TaskRepository
	executor     runtimeexec.Executor
	audit        auditlog.Appender
	logger       *slog.Logger
	taskEnv      map[string]string

	launchTimeout time.Duration
	now           func() time.Time
	newID         func() string
}

func New(dep deployment.Config, tasks repo.TaskRepository, executor runtimeexec.Executor, audit auditlog.Appender, logger *slog.Logger) (*Service, error) {
	if err := dep.Validate(); err != nil {
		return nil, fmt.Errorf("deployment: %w", err)
	}
	if tasks == nil || executor == nil {
		return nil, errors.New("task repository and executor are required")
	}
	boundary, err := dep.Boundary()
	if err != nil {
		return nil, fmt.Errorf("permission boundary: %w", err)
	}
	data, ok := boundary.Identity(permission.PurposeData)
	if !ok {
		return nil, errors.New("permission boundary has no data identity")
	}
	if audit == nil {
		audit = auditlog.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		deployment:   dep,
		dataIdentity: data,
		tasks:        tasks,
		executor:     executor,
		audit:        audit,
		logger:       logger,
		taskEnv:      dep.TaskEnv(),

		launchTimeout: defaultLaunchTimeout,
		now:           func() time.Time { return time.Now().UTC() },
		newID:         uuid.NewString,
	}, nil
}

const defaultLaunchTimeout = 2 * time.Minute

// AddTaskEnv adds platform settings every task receives next to its
// contract. Keys must carry contract.PlatformPrefix; empty values are skipped.
func (s *Service) AddTaskEnv(kv map[string]string) error {
	for key, value := range kv {
		if !strings.HasPrefix(key, contract.PlatformPrefix) {
			return fmt.Errorf("task env %s: must start with %s", key, contract.PlatformPrefix)
		}
		if value != "" {
			s.taskEnv[key] = value
		}
	}
	return nil
}

// launchEnv is the contract plus platform settings. Platform keys cannot be
// overridden by requests, so they are added last.
func (s *Service) launchEnv(env contract.Env) contract.Env {
	out := env.Clone()
	for key, value := range s.taskEnv {
		out[key] = value
	}
	return out
}

// Submit launches exactly one Task Instance for req and returns without
// waiting for it. Identical requests launch independent tasks.
func (s *Service) Submit(ctx context.Context, req domain.JobRequest, actor Actor) (Handle, error) {
	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		jobID = s.newID()
	}
	env, err := s.resolve(jobID, req)
	if err != nil {
		s.auditRejected(ctx, actor, jobID, err)
		return Handle{}, err
	}

	taskID := s.newID()
	ref := s.executor.RefFor(taskID)
	now := s.now()
	task := domain.TaskInstance{
		ID:           taskID,
		JobID:        jobID,
		Deployment:   s.deployment.Name,
		State:        domain.TaskStatePending,
		Image:        s.deployment.Image,
		ExecutorKind: s.executor.Kind(),
		ExecutorRef:  ref.String(),
		Ceiling:      s.deployment.Resources,
		Contract:     env.Clone(),
		LogGroup:     s.deployment.LogGroup(),
		LogStream:    taskID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return Handle{}, fmt.Errorf("record task: %w", err)
	}
	s.appendAudit(ctx, auditlog.Event{
		Actor:        actor.subject(),
		Action:       auditlog.ActionJobSubmitted,
		ResourceType: auditlog.ResourceJob,
		ResourceID:   jobID,
		RequestID:    actor.RequestID,
		IP:           actor.IP,
		UserAgent:    actor.UserAgent,
		Payload: map[string]any{
			"task_id":    taskID,
			"deployment": s.deployment.Name,
			"image":      s.deployment.Image,
			"overrides":  sortedKeys(req.Overrides),
		},
	})

	handle := Handle{
		JobID:     jobID,
		TaskID:    taskID,
		State:     domain.TaskStatePending,
		Bucket:    env.Get(contract.KeyBucket),
		OutputKey: env.Get(contract.KeyOutputPrefix),
		LogGroup:  task.LogGroup,
		LogStream: task.LogStream,
	}

	// The launch outlives a caller that gives up: a unit created after the
	// caller left must still be recorded, and the tracker reclaims it by ref.
	recordCtx := context.WithoutCancel(ctx)
	launchCtx, cancel := context.WithTimeout(recordCtx, s.launchTimeout)
	defer cancel()
	launched, launchErr := s.executor.Launch(launchCtx, runtimeexec.LaunchSpec{
		TaskID:     taskID,
		JobID:      jobID,
		Deployment: s.deployment.Name,
		Image:      s.deployment.Image,
		Env:        s.launchEnv(env),
		Ceiling:    s.deployment.Resources,
		Identity:   s.dataIdentity.Name,
		Deadline:   time.Duration(s.deployment.Runtime.ActiveDeadlineSeconds) * time.Second,
	})
	if launchErr != nil {
		reason := "launch_rejected: " + launchErr.Error()
		if _, err := s.transition(recordCtx, actor.subject(), task, domain.TaskStateFailed, repo.TaskUpdate{At: s.now(), Reason: reason}); err != nil {
			s.logger.Error("record launch rejection failed", "task_id", taskID, "error", err)
		}
		handle.State = domain.TaskStateFailed
		if !errors.Is(launchErr, runtimeexec.ErrLaunchRejected) {
			launchErr = fmt.Errorf("%w: %v", runtimeexec.ErrLaunchRejected, launchErr)
		}
		return handle, launchErr
	}

	ref = launched
	updated, err := s.transition(recordCtx, actor.subject(), task, domain.TaskStateProvisioning, repo.TaskUpdate{At: s.now(), ExecutorRef: ref.String()})
	if err != nil {
		// The unit is running on the platform; the tracker will reconcile the record.
		s.logger.Error("record launch failed", "task_id", taskID, "executor_ref", ref.String(), "error", err)
		return handle, nil
	}
	handle.State = updated.State
	s.logger.Info("task launched", "job_id", jobID, "task_id", taskID, "executor_ref", ref.String())
	return handle, nil
}

// resolve builds and checks the contract. Every error it returns is an
// admission error.
func (s *Service) resolve(jobID string, req domain.JobRequest) (contract.Env, error) {
	if err := domain.ValidateJobID(jobID); err != nil {
		return nil, admission("invalid job id", err)
	}
	var extra []string
	for key := range req.Overrides {
		if contract.IsReserved(key) {
			return nil, admission(fmt.Sprintf("%s cannot be overridden", key), nil)
		}
		if !contract.IsKnown(key) {
			extra = append(extra, key)
		}
	}
	if len(extra) > 0 {
		s.logger.Debug("passing through non-contract overrides", "job_id", jobID, "keys", extra)
	}
	defaults := s.deployment.ContractDefaults()
	if _, ok := defaults[contract.KeyOutputPrefix]; !ok {
		defaults[contract.KeyOutputPrefix] = s.deployment.OutputPrefixFor(jobID)
	}
	env := contract.Merge(defaults, req.Overrides)
	env[contract.KeySessionID] = jobID

	if err := contract.Validate(env); err != nil {
		return nil, admission("execution contract", err)
	}
	if err := s.checkBoundary(env); err != nil {
		return nil, admission("permission boundary", err)
	}
	return env, nil
}

// checkBoundary dry-runs the data identity against the storage the task will
// touch, so a request aimed outside the deployment bucket never launches.
func (s *Service) checkBoundary(env contract.Env) error {
	bucket := env.Get(contract.KeyBucket)
	checks := []struct{ action, resource string }{
		{permission.ActionListBucket, permission.BucketARN(bucket)},
		{permission.ActionPutObject, permission.ObjectARN(bucket, env.OutputKey("output"))},
	}
	if env.Get(contract.KeyInputMode) == contract.ModeS3 {
		checks = append(checks, struct{ action, resource string }{
			permission.ActionGetObject, permission.ObjectARN(bucket, env.InputKey()),
		})
	}
	for _, c := range checks {
		decision := permission.Simulate(s.dataIdentity, c.action, c.resource)
		if !decision.Allowed() {
			return &permission.AccessError{Decision: decision, Action: c.action, Resource: c.resource}
		}
	}
	return nil
}

// Get returns one task by id.
func (s *Service) Get(ctx context.Context, taskID string) (domain.TaskInstance, error) {
	return s.tasks.Get(ctx, strings.TrimSpace(taskID))
}

// ListByJob returns every task launched under jobID. Duplicate submissions
// with the same job id show up as separate tasks.
func (s *Service) ListByJob(ctx context.Context, jobID string) ([]domain.TaskInstance, error) {
	tasks, err := s.tasks.ListByJob(ctx, strings.TrimSpace(jobID))
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, repo.ErrNotFound
	}
	return tasks, nil
}

func (s *Service) transition(ctx context.Context, actor string, task domain.TaskInstance, to domain.TaskState, update repo.TaskUpdate) (domain.TaskInstance, error) {
	return applyTransition(ctx, s.tasks, s.audit, s.logger, actor, task, to, update)
}

func (s *Service) auditRejected(ctx context.Context, actor Actor, jobID string, cause error) {
	s.logger.Info("job rejected", "job_id", jobID, "request_id", actor.RequestID, "error", cause)
	s.appendAudit(ctx, auditlog.Event{
		Actor:        actor.subject(),
		Action:       auditlog.ActionJobRejected,
		ResourceType: auditlog.ResourceJob,
		ResourceID:   jobID,
		RequestID:    actor.RequestID,
		IP:           actor.IP,
		UserAgent:    actor.UserAgent,
		Payload:      map[string]any{"deployment": s.deployment.Name, "error": cause.Error()},
	})
}

func (s *Service) appendAudit(ctx context.Context, event auditlog.Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}
	if err := s.audit.Append(ctx, event); err != nil {
		s.logger.Warn("audit append failed", "action", event.Action, "resource_id", event.ResourceID, "error", err)
	}
}

// applyTransition persists one legal step and records it in the audit log.
func applyTransition(ctx context.Context, tasks repo.TaskRepository, audit auditlog.Appender, logger *slog.Logger, actor string, task domain.TaskInstance, to domain.TaskState, update repo.TaskUpdate) (domain.TaskInstance, error) {
	updated, err := tasks.Transition(ctx, task.ID, task.State, to, update)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	action := auditlog.ActionTaskTransition
	if to == domain.TaskStateReclaimed {
		action = auditlog.ActionTaskReclaimed
	}
	payload := map[string]any{
		"job_id": task.JobID,
		"from":   string(task.State),
		"to":     string(to),
	}
	if update.Reason != "" {
		payload["reason"] = update.Reason
	}
	if update.ExitCode != nil {
		payload["exit_code"] = *update.ExitCode
	}
	at := update.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := audit.Append(ctx, auditlog.Event{
		OccurredAt:   at,
		Actor:        actor,
		Action:       action,
		ResourceType: auditlog.ResourceTask,
		ResourceID:   task.ID,
		Payload:      payload,
	}); err != nil {
		logger.Warn("audit append failed", "task_id", task.ID, "error", err)
	}
	logger.Info("task transition", "job_id", task.JobID, "task_id", task.ID, "from", task.State, "to", to, "reason", update.Reason)
	return updated, nil
}

func sortedKeys(m map[string]string) []string {
	return contract.Env(m).Keys()
}
