package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coughsense/coughsense-go/internal/contract"
	"github.com/coughsense/coughsense-go/internal/domain"
	"github.com/coughsense/coughsense-go/internal/logsink"
	"github.com/coughsense/coughsense-go/internal/notify"
	"github.com/coughsense/coughsense-go/internal/platform/auditlog"
	"github.com/coughsense/coughsense-go/internal/repo"
	"github.com/coughsense/coughsense-go/internal/runtimeexec"
)

const trackerActor = "system:tracker"

// Reasons the tracker itself records.
const (
	ReasonLaunchLost   = "launch_not_recorded"
	ReasonUnitLost     = "execution_unit_lost"
	ReasonUnknownState = "terminal_status_unknown"
)

type Tracker struct {
	Tasks      repo.TaskRepository
	Executor   runtimeexec.Executor
	Sink       logsink.Sink
	Notifier   notify.Notifier
	Audit      auditlog.Appender
	Logger     *slog.Logger
	Deployment string
	// LogRetentionDays is applied to the deployment log group on first use.
	LogRetentionDays int
	Batch            int
	// PendingTimeout fails tasks stuck in PENDING, which only happens when
	// the launcher died between recording and launching.
	PendingTimeout time.Duration
	// LogShipDeadline bounds how long reclaim waits on a failing sink.
	LogShipDeadline time.Duration
	// OnSync, if set, receives the result of every pass Run makes.
	OnSync func(SyncResult)
	Now    func() time.Time
}

type SyncResult struct {
	Inspected   int
	Transitions int
	Reclaimed   int
	Errors      int
}

func (t *Tracker) defaults() {
	if t.Audit == nil {
		t.Audit = auditlog.Discard{}
	}
	if t.Logger == nil {
		t.Logger = slog.Default()
	}
	if t.Notifier == nil {
		t.Notifier = notify.Noop{}
	}
	if t.Batch <= 0 {
		t.Batch = 100
	}
	if t.PendingTimeout <= 0 {
		t.PendingTimeout = 5 * time.Minute
	}
	if t.LogShipDeadline <= 0 {
		t.LogShipDeadline = 15 * time.Minute
	}
	if t.LogRetentionDays <= 0 {
		t.LogRetentionDays = logsink.DefaultRetentionDays
	}
	if t.Now == nil {
		t.Now = func() time.Time { return time.Now().UTC() }
	}
}

// Run syncs on every tick until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("tracker interval must be positive")
	}
	t.defaults()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := t.SyncOnce(ctx)
			if err != nil {
				t.Logger.Warn("tracker sync failed", "error", err)
				continue
			}
			if t.OnSync != nil {
				t.OnSync(res)
			}
		}
	}
}

// SyncOnce inspects every unreclaimed task once. Per-task failures are
// logged and counted; only a listing failure is returned.
func (t *Tracker) SyncOnce(ctx context.Context) (SyncResult, error) {
	if t.Tasks == nil || t.Executor == nil {
		return SyncResult{}, errors.New("tracker requires tasks and executor")
	}
	t.defaults()
	tasks, err := t.Tasks.ListUnreclaimed(ctx, repo.TaskFilter{Deployment: t.Deployment, Limit: t.Batch})
	if err != nil {
		return SyncResult{}, fmt.Errorf("list unreclaimed: %w", err)
	}
	var res SyncResult
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		res.Inspected++
		if err := t.syncTask(ctx, task, &res); err != nil {
			res.Errors++
			if errors.Is(err, repo.ErrStaleState) {
				t.Logger.Debug("task moved concurrently", "task_id", task.ID, "error", err)
				continue
			}
			t.Logger.Warn("task sync failed", "task_id", task.ID, "job_id", task.JobID, "error", err)
		}
	}
	return res, nil
}

func (t *Tracker) syncTask(ctx context.Context, task domain.TaskInstance, res *SyncResult) error {
	var err error
	switch {
	case task.State == domain.TaskStatePending:
		if t.Now().Sub(task.CreatedAt) < t.PendingTimeout {
			return nil
		}
		task, err = t.step(ctx, task, domain.TaskStateFailed, repo.TaskUpdate{Reason: ReasonLaunchLost}, res)
		if err != nil {
			return err
		}
	case !task.State.Finished():
		task, err = t.observe(ctx, task, res)
		if err != nil {
			return err
		}
	}
	if task.State.Finished() {
		return t.finish(ctx, task, res)
	}
	return nil
}

// observe maps the platform's view onto the stored state, walking any
// intermediate states the poll interval skipped.
func (t *Tracker) observe(ctx context.Context, task domain.TaskInstance, res *SyncResult) (domain.TaskInstance, error) {
	ref, err := runtimeexec.ParseRef(task.ExecutorRef)
	if err != nil {
		return t.step(ctx, task, domain.TaskStateFailed, repo.TaskUpdate{Reason: ReasonUnknownState + ": " + err.Error()}, res)
	}
	obs, err := t.Executor.Inspect(ctx, ref)
	if err != nil {
		if errors.Is(err, runtimeexec.ErrNotFound) {
			return t.step(ctx, task, domain.TaskStateFailed, repo.TaskUpdate{Reason: ReasonUnitLost}, res)
		}
		return task, fmt.Errorf("inspect %s: %w", ref, err)
	}
	if obs.Phase == task.State {
		return task, nil
	}
	path := domain.PathTo(task.State, obs.Phase)
	if len(path) == 0 {
		return task, nil
	}
	for _, next := range path {
		update := repo.TaskUpdate{StartedAt: obs.StartedAt}
		if next == obs.Phase {
			update.Reason = obs.Reason
			update.ExitCode = obs.ExitCode
			update.FinishedAt = obs.FinishedAt
		}
		task, err = t.step(ctx, task, next, update, res)
		if err != nil {
			return task, err
		}
	}
	return task, nil
}

// finish ships logs, notifies once and reclaims a SUCCEEDED or FAILED task.
// A task whose ref was lost is reclaimed by the unit name its launch would
// have used, so a unit created by an unrecorded launch is never orphaned.
func (t *Tracker) finish(ctx context.Context, task domain.TaskInstance, res *SyncResult) error {
	ref, err := runtimeexec.ParseRef(task.ExecutorRef)
	if err != nil {
		ref = t.Executor.RefFor(task.ID)
	}
	if err := t.shipLogs(ctx, task, ref); err != nil {
		finished := task.UpdatedAt
		if task.FinishedAt != nil {
			finished = *task.FinishedAt
		}
		if t.Now().Sub(finished) < t.LogShipDeadline {
			return fmt.Errorf("ship logs: %w", err)
		}
		t.Logger.Warn("log shipping abandoned", "task_id", task.ID, "error", err)
	}

	t.notify(ctx, task)

	if err := t.Executor.Reclaim(ctx, ref); err != nil {
		return fmt.Errorf("reclaim %s: %w", ref, err)
	}
	if _, err := t.step(ctx, task, domain.TaskStateReclaimed, repo.TaskUpdate{}, res); err != nil {
		return err
	}
	res.Reclaimed++
	return nil
}

// shipLogs copies the unit's output into the sink, resuming after the lines
// an earlier pass already stored.
func (t *Tracker) shipLogs(ctx context.Context, task domain.TaskInstance, ref runtimeexec.Ref) error {
	if t.Sink == nil || task.LogsShippedAt != nil {
		return nil
	}
	rc, err := t.Executor.Logs(ctx, ref)
	if err != nil {
		if errors.Is(err, runtimeexec.ErrNotFound) {
			return nil
		}
		return err
	}
	defer rc.Close()
	lines, err := logsink.ScanLines(rc, t.Now)
	if err != nil {
		return err
	}
	group := task.LogGroup
	if group == "" {
		group = logsink.GroupName(task.Deployment)
	}
	stream := task.LogStream
	if stream == "" {
		stream = task.ID
	}
	if err := t.Sink.EnsureGroup(ctx, group, t.LogRetentionDays); err != nil {
		return err
	}
	done := min(task.LogLinesShipped, len(lines))
	n, appendErr := t.Sink.Append(ctx, group, stream, lines[done:])
	var complete *time.Time
	if appendErr == nil {
		now := t.Now()
		complete = &now
	}
	if n > 0 || complete != nil {
		if err := t.Tasks.RecordLogProgress(ctx, task.ID, done+n, complete); err != nil {
			return errors.Join(appendErr, fmt.Errorf("record log progress: %w", err))
		}
	}
	return appendErr
}

func (t *Tracker) notify(ctx context.Context, task domain.TaskInstance) {
	first, err := t.Tasks.MarkNotified(ctx, task.ID, t.Now())
	if err != nil {
		t.Logger.Warn("mark notified failed", "task_id", task.ID, "error", err)
		return
	}
	if !first {
		return
	}
	finished := task.UpdatedAt
	if task.FinishedAt != nil {
		finished = *task.FinishedAt
	}
	env := contract.Env(task.Contract)
	c := notify.Completion{
		TaskID:     task.ID,
		JobID:      task.JobID,
		Deployment: task.Deployment,
		Status:     task.TerminalStatus(),
		Reason:     task.Reason,
		ExitCode:   task.ExitCode,
		Bucket:     env.Get(contract.KeyBucket),
		OutputKey:  env.Get(contract.KeyOutputPrefix),
		FinishedAt: finished,
	}
	if err := t.Notifier.Publish(ctx, c); err != nil {
		t.Logger.Warn("completion notice not delivered", "task_id", task.ID, "error", err)
	}
}

func (t *Tracker) step(ctx context.Context, task domain.TaskInstance, to domain.TaskState, update repo.TaskUpdate, res *SyncResult) (domain.TaskInstance, error) {
	if update.At.IsZero() {
		update.At = t.Now()
	}
	updated, err := applyTransition(ctx, t.Tasks, t.Audit, t.Logger, trackerActor, task, to, update)
	if err != nil {
		return task, err
	}
	res.Transitions++
	return updated, nil
}
