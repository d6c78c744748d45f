// Package repo defines persistence for Task Instances.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/coughsense/coughsense-go/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleState means the stored state no longer matches the expected
	// "from" state; another writer moved the task first.
	ErrStaleState = errors.New("stale task state")
)

// TaskUpdate carries the fields a transition may set. Nil and empty values
// leave the stored column unchanged.
type TaskUpdate struct {
	At          time.Time
	ExecutorRef string
	Reason      string
	ExitCode    *int
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

type TaskFilter struct {
	Deployment string
	Limit      int
}

// TaskRepository stores Task Instances. Transition is a compare-and-set on
// the current state, so concurrent trackers cannot apply the same step twice.
type TaskRepository interface {
	Create(ctx context.Context, task domain.TaskInstance) error
	Get(ctx context.Context, id string) (domain.TaskInstance, error)
	ListByJob(ctx context.Context, jobID string) ([]domain.TaskInstance, error)
	ListUnreclaimed(ctx context.Context, filter TaskFilter) ([]domain.TaskInstance, error)
	Transition(ctx context.Context, id string, from, to domain.TaskState, update TaskUpdate) (domain.TaskInstance, error)
	// MarkNotified records that the completion notice went out. It reports
	// false when another caller already marked the task.
	MarkNotified(ctx context.Context, id string, at time.Time) (bool, error)
	// RecordLogProgress raises the shipped line count to lines. A non-nil
	// complete marks the stream fully shipped. Neither value ever moves back.
	RecordLogProgress(ctx context.Context, id string, lines int, complete *time.Time) error
}

// ApplyTransition is the shared in-memory form of a transition, used by
// implementations that mutate a loaded TaskInstance.
func ApplyTransition(task *domain.TaskInstance, to domain.TaskState, update TaskUpdate) {
	at := update.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	task.State = to
	task.UpdatedAt = at
	if update.ExecutorRef != "" {
		task.ExecutorRef = update.ExecutorRef
	}
	if update.Reason != "" {
		task.Reason = update.Reason
	}
	if update.ExitCode != nil {
		code := *update.ExitCode
		task.ExitCode = &code
	}
	if update.StartedAt != nil && task.StartedAt == nil {
		started := update.StartedAt.UTC()
		task.StartedAt = &started
	}
	switch to {
	case domain.TaskStateSucceeded, domain.TaskStateFailed:
		task.Outcome = to
		finished := at
		if update.FinishedAt != nil {
			finished = update.FinishedAt.UTC()
		}
		task.FinishedAt = &finished
	case domain.TaskStateReclaimed:
		reclaimed := at
		task.ReclaimedAt = &reclaimed
	}
}
