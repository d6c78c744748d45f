package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ResourceCeiling is fixed per deployment and applied to every task it launches.
type ResourceCeiling struct {
	CPUUnits    int `yaml:"cpu_units" json:"cpu_units"`
	MemoryMB    int `yaml:"memory_mb" json:"memory_mb"`
	EphemeralGB int `yaml:"ephemeral_gb" json:"ephemeral_gb"`
}

func (r ResourceCeiling) Validate() error {
	var issues []string
	if r.CPUUnits <= 0 {
		issues = append(issues, "cpu_units must be positive")
	}
	if r.MemoryMB <= 0 {
		issues = append(issues, "memory_mb must be positive")
	}
	if r.EphemeralGB <= 0 {
		issues = append(issues, "ephemeral_gb must be positive")
	}
	if len(issues) > 0 {
		return errors.New(strings.Join(issues, "; "))
	}
	return nil
}

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,62}$`)

// JobRequest is caller intent for one run. Overrides are Execution Environment
// Contract values that replace the deployment defaults.
type JobRequest struct {
	JobID     string            `json:"job_id,omitempty"`
	Overrides map[string]string `json:"overrides,omitempty"`
}

func ValidateJobID(id string) error {
	if !jobIDPattern.MatchString(id) {
		return fmt.Errorf("job_id %q must match %s", id, jobIDPattern.String())
	}
	return nil
}

// TaskInstance is one launched execution unit, bound to a single job.
type TaskInstance struct {
	ID           string
	JobID        string
	Deployment   string
	State        TaskState
	Outcome      TaskState
	Image        string
	ExecutorKind string
	ExecutorRef  string
	Ceiling      ResourceCeiling
	Contract     map[string]string
	LogGroup     string
	LogStream    string
	Reason       string
	ExitCode     *int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	ReclaimedAt  *time.Time
	NotifiedAt   *time.Time
	// LogLinesShipped counts stream lines already in the sink. LogsShippedAt
	// is set once the whole stream is there.
	LogLinesShipped int
	LogsShippedAt   *time.Time
}

func (t TaskInstance) Validate() error {
	switch {
	case strings.TrimSpace(t.ID) == "":
		return errors.New("task id is required")
	case strings.TrimSpace(t.JobID) == "":
		return errors.New("job id is required")
	case !t.State.Valid():
		return fmt.Errorf("invalid task state %q", t.State)
	case strings.TrimSpace(t.Image) == "":
		return errors.New("image is required")
	}
	return t.Ceiling.Validate()
}

// TerminalStatus is the caller-facing outcome: succeeded, failed or unknown.
// Outcome survives reclaim, so a RECLAIMED task still reports how it ended.
func (t TaskInstance) TerminalStatus() string {
	switch t.Outcome {
	case TaskStateSucceeded:
		return "succeeded"
	case TaskStateFailed:
		return "failed"
	}
	return "unknown"
}
