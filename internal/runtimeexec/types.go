// Package runtimeexec launches and observes Task Instances on a container
// platform. One execution unit per task, never reused, never restarted.
package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/coughsense/coughsense-go/internal/domain"
)

const (
	KindKubernetes = "kubernetes"
	KindDocker     = "docker"
)

// Executor is the platform surface the coordination layer drives.
type Executor interface {
	Kind() string
	// RefFor names the unit Launch creates for taskID, so a unit can be found
	// and reclaimed even when the launch outcome was never recorded.
	RefFor(taskID string) Ref
	// Launch asks the platform to start the task. It returns once the platform
	// has accepted or rejected the request, not when the task finishes.
	Launch(ctx context.Context, spec LaunchSpec) (Ref, error)
	Inspect(ctx context.Context, ref Ref) (Observation, error)
	Logs(ctx context.Context, ref Ref) (io.ReadCloser, error)
	// Reclaim frees the execution unit. Reclaiming something already gone is not an error.
	Reclaim(ctx context.Context, ref Ref) error
}

type LaunchSpec struct {
	TaskID     string
	JobID      string
	Deployment string
	Image      string
	Env        map[string]string
	Ceiling    domain.ResourceCeiling
	// Identity is the data-access identity the task runs as.
	Identity string
	// Deadline is the platform wall-clock ceiling. Zero disables it.
	Deadline time.Duration
}

func (s LaunchSpec) Validate() error {
	switch {
	case strings.TrimSpace(s.TaskID) == "":
		return errors.New("task id is required")
	case strings.TrimSpace(s.Deployment) == "":
		return errors.New("deployment is required")
	}
	if err := ValidateImageRef(s.Image); err != nil {
		return err
	}
	return s.Ceiling.Validate()
}

// Ref locates a launched unit on its platform.
type Ref struct {
	Kind      string
	Namespace string
	Name      string
}

func (r Ref) String() string {
	if r.Namespace == "" {
		return r.Kind + ":" + r.Name
	}
	return r.Kind + ":" + r.Namespace + "/" + r.Name
}

func ParseRef(s string) (Ref, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return Ref{}, fmt.Errorf("malformed executor ref %q", s)
	}
	if ns, name, ok := strings.Cut(rest, "/"); ok {
		return Ref{Kind: kind, Namespace: ns, Name: name}, nil
	}
	return Ref{Kind: kind, Name: rest}, nil
}

// Observation is what the platform currently reports for a unit, already
// mapped onto task states (PROVISIONING, RUNNING, SUCCEEDED or FAILED).
type Observation struct {
	Phase      domain.TaskState
	Reason     string
	ExitCode   *int
	StartedAt  *time.Time
	FinishedAt *time.Time
}

var (
	ErrLaunchRejected  = errors.New("launch rejected")
	ErrNotFound        = errors.New("execution unit not found")
	ErrImageRefMutable = errors.New("image ref must be immutable")
)

// Reasons reported in Observation.Reason.
const (
	ReasonImagePull        = "image_pull_failed"
	ReasonUnschedulable    = "unschedulable"
	ReasonDeadlineExceeded = "deadline_exceeded"
	ReasonNonZeroExit      = "non_zero_exit"
	ReasonOOMKilled        = "oom_killed"
)

// UnitName is the platform object name for a task.
func UnitName(taskID string) string {
	return "coughsense-" + taskID
}

func intPtr(v int) *int { return &v }
