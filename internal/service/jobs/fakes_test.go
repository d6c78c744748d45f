package jobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/coughsense/coughsense-go/internal/deployment"
	"github.com/coughsense/coughsense-go/internal/domain"
	"github.com/coughsense/coughsense-go/internal/logsink"
	"github.com/coughsense/coughsense-go/internal/notify"
	"github.com/coughsense/coughsense-go/internal/platform/auditlog"
	"github.com/coughsense/coughsense-go/internal/runtimeexec"
)

const testDeploymentYAML = `
name: bhattis-coughsense
image: registry.example.com/coughsense/inference:1.4.2
bucket: bhattis-coughsense
model_filename: resnet18.pth
resources:
  cpu_units: 4096
  memory_mb: 16384
  ephemeral_gb: 21
runtime:
  kind: kubernetes
  namespace: coughsense
  active_deadline_seconds: 3600
`

func testDeployment(t *testing.T) deployment.Config {
	t.Helper()
	cfg, err := deployment.Parse([]byte(testDeploymentYAML))
	if err != nil {
		t.Fatalf("parse deployment: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate deployment: %v", err)
	}
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeExecutor struct {
	mu        sync.Mutex
	launches  []runtimeexec.LaunchSpec
	obs       map[string]runtimeexec.Observation
	logs      map[string]string
	gone      map[string]bool
	reclaimed []string
	launchErr error
	// createErr fails Launch after the unit already exists on the platform.
	createErr error
	// reclaimFailures fails that many Reclaim calls before one succeeds.
	reclaimFailures int
	// onLaunch plays the platform: it runs the task and reports how it ended.
	onLaunch func(spec runtimeexec.LaunchSpec) (runtimeexec.Observation, string)
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		obs:  map[string]runtimeexec.Observation{},
		logs: map[string]string{},
		gone: map[string]bool{},
	}
}

func (f *fakeExecutor) Kind() string { return "fake" }

func (f *fakeExecutor) RefFor(taskID string) runtimeexec.Ref {
	return runtimeexec.Ref{Kind: "fake", Name: runtimeexec.UnitName(taskID)}
}

func (f *fakeExecutor) Launch(ctx context.Context, spec runtimeexec.LaunchSpec) (runtimeexec.Ref, error) {
	f.mu.Lock()
	if f.launchErr != nil {
		err := f.launchErr
		f.mu.Unlock()
		return runtimeexec.Ref{}, err
	}
	f.launches = append(f.launches, spec)
	run := f.onLaunch
	f.mu.Unlock()

	ref := f.RefFor(spec.TaskID)
	obs := runtimeexec.Observation{Phase: domain.TaskStateProvisioning}
	logs := ""
	if run != nil {
		obs, logs = run(spec)
	}
	f.mu.Lock()
	f.obs[ref.Name] = obs
	f.logs[ref.Name] = logs
	createErr := f.createErr
	f.mu.Unlock()
	if createErr != nil {
		return runtimeexec.Ref{}, createErr
	}
	if err := ctx.Err(); err != nil {
		return runtimeexec.Ref{}, err
	}
	return ref, nil
}

func (f *fakeExecutor) Inspect(_ context.Context, ref runtimeexec.Ref) (runtimeexec.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[ref.Name] {
		return runtimeexec.Observation{}, fmt.Errorf("%w: %s", runtimeexec.ErrNotFound, ref.Name)
	}
	obs, ok := f.obs[ref.Name]
	if !ok {
		return runtimeexec.Observation{}, fmt.Errorf("%w: %s", runtimeexec.ErrNotFound, ref.Name)
	}
	return obs, nil
}

func (f *fakeExecutor) Logs(_ context.Context, ref runtimeexec.Ref) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[ref.Name] {
		return nil, runtimeexec.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(f.logs[ref.Name])), nil
}

func (f *fakeExecutor) Reclaim(_ context.Context, ref runtimeexec.Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reclaimFailures > 0 {
		f.reclaimFailures--
		return fmt.Errorf("reclaim %s: connection refused", ref.Name)
	}
	f.reclaimed = append(f.reclaimed, ref.Name)
	f.gone[ref.Name] = true
	return nil
}

func (f *fakeExecutor) set(taskID string, obs runtimeexec.Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs[runtimeexec.UnitName(taskID)] = obs
}

func (f *fakeExecutor) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

type fakeAuditAppender struct {
	mu     sync.Mutex
	events []auditlog.Event
}

func (f *fakeAuditAppender) Append(_ context.Context, e auditlog.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeAuditAppender) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Action)
	}
	return out
}

type fakeSink struct {
	mu      sync.Mutex
	groups  map[string]int
	streams map[string][]logsink.Line
	err     error
}

func newFakeSink() *fakeSink {
	return &fakeSink{groups: map[string]int{}, streams: map[string][]logsink.Line{}}
}

func (f *fakeSink) EnsureGroup(_ context.Context, group string, retentionDays int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.groups[group] = retentionDays
	return nil
}

func (f *fakeSink) Append(_ context.Context, group, stream string, lines []logsink.Line) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.streams[group+"/"+stream] = append(f.streams[group+"/"+stream], lines...)
	return len(lines), nil
}

func (f *fakeSink) stream(group, stream string) []logsink.Line {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]logsink.Line(nil), f.streams[group+"/"+stream]...)
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Completion
}

func (f *fakeNotifier) Publish(_ context.Context, c notify.Completion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return nil
}
