package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coughsense/coughsense-go/internal/domain"
)

// MemoryTaskStore keeps tasks in process. It backs tests and the invoker's
// dev mode when no database is configured.
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[string]domain.TaskInstance
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]domain.TaskInstance)}
}

func (m *MemoryTaskStore) Create(_ context.Context, task domain.TaskInstance) error {
	if err := task.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

func (m *MemoryTaskStore) Get(_ context.Context, id string) (domain.TaskInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return domain.TaskInstance{}, ErrNotFound
	}
	return cloneTask(task), nil
}

func (m *MemoryTaskStore) ListByJob(_ context.Context, jobID string) ([]domain.TaskInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TaskInstance
	for _, task := range m.tasks {
		if task.JobID == jobID {
			out = append(out, cloneTask(task))
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *MemoryTaskStore) ListUnreclaimed(_ context.Context, filter TaskFilter) ([]domain.TaskInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TaskInstance
	for _, task := range m.tasks {
		if task.State == domain.TaskStateReclaimed {
			continue
		}
		if filter.Deployment != "" && task.Deployment != filter.Deployment {
			continue
		}
		out = append(out, cloneTask(task))
	}
	sortByCreated(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryTaskStore) Transition(_ context.Context, id string, from, to domain.TaskState, update TaskUpdate) (domain.TaskInstance, error) {
	if err := domain.ValidateTaskTransition(from, to); err != nil {
		return domain.TaskInstance{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return domain.TaskInstance{}, ErrNotFound
	}
	if task.State != from {
		return domain.TaskInstance{}, fmt.Errorf("%w: task %s is %s, expected %s", ErrStaleState, id, task.State, from)
	}
	ApplyTransition(&task, to, update)
	m.tasks[id] = task
	return cloneTask(task), nil
}

func (m *MemoryTaskStore) MarkNotified(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	if task.NotifiedAt != nil {
		return false, nil
	}
	at = at.UTC()
	task.NotifiedAt = &at
	m.tasks[id] = task
	return true, nil
}

func (m *MemoryTaskStore) RecordLogProgress(_ context.Context, id string, lines int, complete *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if lines > task.LogLinesShipped {
		task.LogLinesShipped = lines
	}
	if complete != nil && task.LogsShippedAt == nil {
		at := complete.UTC()
		task.LogsShippedAt = &at
	}
	m.tasks[id] = task
	return nil
}

func cloneTask(task domain.TaskInstance) domain.TaskInstance {
	if task.Contract != nil {
		contract := make(map[string]string, len(task.Contract))
		for k, v := range task.Contract {
			contract[k] = v
		}
		task.Contract = contract
	}
	return task
}

func sortByCreated(tasks []domain.TaskInstance) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
