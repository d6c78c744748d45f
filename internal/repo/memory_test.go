package repo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coughsense/coughsense-go/internal/domain"
)

func newTask(id string) domain.TaskInstance {
	return domain.TaskInstance{
		ID:         id,
		JobID:      "job-1",
		Deployment: "bhattis-coughsense",
		State:      domain.TaskStatePending,
		Image:      "registry.example.com/coughsense/inference:1.4.2",
		Ceiling:    domain.ResourceCeiling{CPUUnits: 4096, MemoryMB: 16384, EphemeralGB: 21},
		CreatedAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestMemoryTransitionCompareAndSet(t *testing.T) {
	store := NewMemoryTaskStore()
	ctx := context.Background()
	if err := store.Create(ctx, newTask("t-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Transition(ctx, "t-1", domain.TaskStatePending, domain.TaskStateProvisioning, TaskUpdate{})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrStaleState) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins=%d", wins)
	}
}

func TestMemoryOutcomeSurvivesReclaim(t *testing.T) {
	store := NewMemoryTaskStore()
	ctx := context.Background()
	_ = store.Create(ctx, newTask("t-1"))
	at := time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC)
	code := 0
	steps := []struct {
		from, to domain.TaskState
		update   TaskUpdate
	}{
		{domain.TaskStatePending, domain.TaskStateProvisioning, TaskUpdate{At: at, ExecutorRef: "docker:coughsense-t-1"}},
		{domain.TaskStateProvisioning, domain.TaskStateRunning, TaskUpdate{At: at, StartedAt: &at}},
		{domain.TaskStateRunning, domain.TaskStateSucceeded, TaskUpdate{At: at, ExitCode: &code}},
		{domain.TaskStateSucceeded, domain.TaskStateReclaimed, TaskUpdate{At: at}},
	}
	for _, s := range steps {
		if _, err := store.Transition(ctx, "t-1", s.from, s.to, s.update); err != nil {
			t.Fatalf("%s->%s: %v", s.from, s.to, err)
		}
	}
	task, _ := store.Get(ctx, "t-1")
	if task.TerminalStatus() != "succeeded" || task.ReclaimedAt == nil || task.ExecutorRef != "docker:coughsense-t-1" {
		t.Fatalf("task=%+v", task)
	}
	open, _ := store.ListUnreclaimed(ctx, TaskFilter{})
	if len(open) != 0 {
		t.Fatalf("unreclaimed=%d", len(open))
	}
}

func TestMemoryMarkNotifiedOnce(t *testing.T) {
	store := NewMemoryTaskStore()
	ctx := context.Background()
	_ = store.Create(ctx, newTask("t-1"))
	first, _ := store.MarkNotified(ctx, "t-1", time.Now())
	second, _ := store.MarkNotified(ctx, "t-1", time.Now())
	if !first || second {
		t.Fatalf("first=%v second=%v", first, second)
	}
	if _, err := store.MarkNotified(ctx, "nope", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
}

func TestMemoryLogProgressOnlyMovesForward(t *testing.T) {
	store := NewMemoryTaskStore()
	ctx := context.Background()
	_ = store.Create(ctx, newTask("t-1"))
	at := time.Date(2026, 3, 1, 9, 10, 0, 0, time.UTC)

	if err := store.RecordLogProgress(ctx, "t-1", 40, nil); err != nil {
		t.Fatalf("RecordLogProgress: %v", err)
	}
	if err := store.RecordLogProgress(ctx, "t-1", 12, &at); err != nil {
		t.Fatalf("RecordLogProgress: %v", err)
	}
	later := at.Add(time.Hour)
	_ = store.RecordLogProgress(ctx, "t-1", 12, &later)

	task, _ := store.Get(ctx, "t-1")
	if task.LogLinesShipped != 40 {
		t.Fatalf("lines=%d", task.LogLinesShipped)
	}
	if task.LogsShippedAt == nil || !task.LogsShippedAt.Equal(at) {
		t.Fatalf("shipped_at=%v", task.LogsShippedAt)
	}
	if err := store.RecordLogProgress(ctx, "missing", 1, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
}
