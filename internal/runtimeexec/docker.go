package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/coughsense/coughsense-go/internal/domain"
)

const labelDeadline = "coughsense.io/deadline-seconds"

// DockerEngine is the slice of the Docker API the executor needs.
type DockerEngine interface {
	ImagePresent(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (types.ContainerJSON, error)
	ContainerLogs(ctx context.Context, id string) (io.ReadCloser, error)
	KillContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
}

type sdkEngine struct {
	cli *client.Client
}

// NewDockerEngine connects using DOCKER_HOST and friends.
func NewDockerEngine() (DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &sdkEngine{cli: cli}, nil
}

func (s *sdkEngine) ImagePresent(ctx context.Context, ref string) (bool, error) {
	_, _, err := s.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (s *sdkEngine) PullImage(ctx context.Context, ref string) error {
	rc, err := s.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (s *sdkEngine) CreateContainer(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig) (string, error) {
	resp, err := s.cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (s *sdkEngine) StartContainer(ctx context.Context, id string) error {
	return s.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (s *sdkEngine) InspectContainer(ctx context.Context, id string) (types.ContainerJSON, error) {
	return s.cli.ContainerInspect(ctx, id)
}

func (s *sdkEngine) ContainerLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	rc, err := s.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, err
	}
	// Non-TTY containers multiplex stdout and stderr.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		rc.Close()
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func (s *sdkEngine) KillContainer(ctx context.Context, id string) error {
	return s.cli.ContainerKill(ctx, id, "SIGKILL")
}

func (s *sdkEngine) RemoveContainer(ctx context.Context, id string) error {
	return s.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

type DockerConfig struct {
	// EnforceDiskQuota sets a storage-opt size, which only some storage drivers support.
	EnforceDiskQuota bool
	Network          string
	// PullTimeout bounds a background image pull. Zero means 30 minutes.
	PullTimeout time.Duration
	Logger      *slog.Logger
}

// DockerExecutor runs each task as a single non-restarting container on one host.
type DockerExecutor struct {
	engine DockerEngine
	cfg    DockerConfig
	now    func() time.Time

	mu      sync.Mutex
	pulls   map[string]*pendingPull
	pulling sync.WaitGroup
}

// pendingPull tracks a unit whose image is still being fetched. The
// container does not exist until the pull is done.
type pendingPull struct {
	cancel context.CancelFunc
	done   bool
	reason string
}

func NewDockerExecutor(engine DockerEngine, cfg DockerConfig) (*DockerExecutor, error) {
	if engine == nil {
		return nil, errors.New("docker engine is required")
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = 30 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if !cfg.EnforceDiskQuota {
		cfg.Logger.Warn("docker disk quota disabled; the ephemeral disk ceiling is not enforced on docker tasks")
	}
	return &DockerExecutor{engine: engine, cfg: cfg, now: time.Now, pulls: map[string]*pendingPull{}}, nil
}

func (e *DockerExecutor) Kind() string { return KindDocker }

func (e *DockerExecutor) RefFor(taskID string) Ref {
	return Ref{Kind: KindDocker, Name: UnitName(taskID)}
}

// Launch creates and starts the container when the image is already local.
// Otherwise it returns at once and pulls in the background; Inspect reports
// the unit as PROVISIONING until the pull ends and FAILED if it fails.
func (e *DockerExecutor) Launch(ctx context.Context, spec LaunchSpec) (Ref, error) {
	if err := spec.Validate(); err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrLaunchRejected, err)
	}
	ref := e.RefFor(spec.TaskID)
	cfg, host := e.containerSpec(spec)

	present, err := e.engine.ImagePresent(ctx, spec.Image)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: inspect image: %v", ErrLaunchRejected, err)
	}
	if present {
		if err := e.createAndStart(ctx, ref.Name, cfg, host); err != nil {
			return Ref{}, fmt.Errorf("%w: %v", ErrLaunchRejected, err)
		}
		return ref, nil
	}

	e.mu.Lock()
	if _, ok := e.pulls[ref.Name]; ok {
		e.mu.Unlock()
		return ref, nil
	}
	pullCtx, cancel := context.WithTimeout(context.Background(), e.cfg.PullTimeout)
	e.pulls[ref.Name] = &pendingPull{cancel: cancel}
	e.pulling.Add(1)
	e.mu.Unlock()

	go e.pullAndStart(pullCtx, ref.Name, cfg, host)
	return ref, nil
}

func (e *DockerExecutor) pullAndStart(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig) {
	defer e.pulling.Done()
	reason := ""
	if err := e.engine.PullImage(ctx, cfg.Image); err != nil {
		reason = ReasonImagePull + ": " + err.Error()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pulls[name]
	if !ok {
		// Reclaimed while pulling.
		return
	}
	defer p.cancel()
	if reason == "" {
		if err := e.createAndStart(ctx, name, cfg, host); err != nil {
			reason = "start_failed: " + err.Error()
		}
	}
	if reason == "" {
		delete(e.pulls, name)
		return
	}
	p.done, p.reason = true, reason
	e.cfg.Logger.Warn("docker task did not start", "unit", name, "reason", reason)
}

func (e *DockerExecutor) createAndStart(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig) error {
	if _, err := e.engine.CreateContainer(ctx, name, cfg, host); err != nil && !errdefs.IsConflict(err) {
		return fmt.Errorf("create container: %w", err)
	}
	if err := e.engine.StartContainer(ctx, name); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

func (e *DockerExecutor) containerSpec(spec LaunchSpec) (*container.Config, *container.HostConfig) {
	labels := map[string]string{
		LabelTaskID:     spec.TaskID,
		LabelDeployment: spec.Deployment,
	}
	if spec.JobID != "" {
		labels[LabelJobID] = spec.JobID
	}
	if spec.Deadline > 0 {
		labels[labelDeadline] = strconv.FormatInt(int64(spec.Deadline/time.Second), 10)
	}
	if spec.Identity != "" {
		labels["coughsense.io/identity"] = spec.Identity
	}

	host := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
		Resources: container.Resources{
			NanoCPUs: NanoCPUs(spec.Ceiling.CPUUnits),
			Memory:   MemoryBytes(spec.Ceiling.MemoryMB),
		},
	}
	if e.cfg.EnforceDiskQuota {
		host.StorageOpt = map[string]string{"size": strconv.Itoa(spec.Ceiling.EphemeralGB) + "G"}
	}
	if e.cfg.Network != "" {
		host.NetworkMode = container.NetworkMode(e.cfg.Network)
	}
	return &container.Config{
		Image:  spec.Image,
		Env:    envList(spec.Env),
		Labels: labels,
	}, host
}

// pending reports a unit still waiting on its image, or one whose pull failed.
func (e *DockerExecutor) pending(name string) (Observation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pulls[name]
	if !ok {
		return Observation{}, false
	}
	if !p.done {
		return Observation{Phase: domain.TaskStateProvisioning, Reason: "pulling_image"}, true
	}
	now := e.now()
	return Observation{Phase: domain.TaskStateFailed, Reason: p.reason, FinishedAt: &now}, true
}

func (e *DockerExecutor) Inspect(ctx context.Context, ref Ref) (Observation, error) {
	info, err := e.engine.InspectContainer(ctx, ref.Name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			if obs, ok := e.pending(ref.Name); ok {
				return obs, nil
			}
			return Observation{}, fmt.Errorf("%w: container %s", ErrNotFound, ref.Name)
		}
		return Observation{}, fmt.Errorf("inspect container %s: %w", ref.Name, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return Observation{Phase: domain.TaskStateProvisioning}, nil
	}
	st := info.State
	started := parseDockerTime(st.StartedAt)
	finished := parseDockerTime(st.FinishedAt)

	switch st.Status {
	case "created":
		return Observation{Phase: domain.TaskStateProvisioning}, nil
	case "running", "restarting", "paused":
		obs := Observation{Phase: domain.TaskStateRunning, StartedAt: started}
		if e.deadlineExceeded(info, started) {
			if err := e.engine.KillContainer(ctx, ref.Name); err != nil && !errdefs.IsNotFound(err) {
				return obs, fmt.Errorf("kill container %s: %w", ref.Name, err)
			}
			now := e.now()
			obs.Phase = domain.TaskStateFailed
			obs.Reason = ReasonDeadlineExceeded
			obs.FinishedAt = &now
		}
		return obs, nil
	case "exited", "dead":
		obs := Observation{
			Phase:      domain.TaskStateSucceeded,
			ExitCode:   intPtr(st.ExitCode),
			StartedAt:  started,
			FinishedAt: finished,
		}
		switch {
		case st.OOMKilled:
			obs.Phase, obs.Reason = domain.TaskStateFailed, ReasonOOMKilled
		case st.ExitCode != 0:
			obs.Phase, obs.Reason = domain.TaskStateFailed, ReasonNonZeroExit
		case st.Error != "":
			obs.Phase, obs.Reason = domain.TaskStateFailed, strings.TrimSpace(st.Error)
		}
		return obs, nil
	}
	return Observation{Phase: domain.TaskStateProvisioning, Reason: st.Status}, nil
}

func (e *DockerExecutor) deadlineExceeded(info types.ContainerJSON, started *time.Time) bool {
	if started == nil || info.Config == nil {
		return false
	}
	secs, err := strconv.ParseInt(info.Config.Labels[labelDeadline], 10, 64)
	if err != nil || secs <= 0 {
		return false
	}
	return e.now().Sub(*started) > time.Duration(secs)*time.Second
}

func (e *DockerExecutor) Logs(ctx context.Context, ref Ref) (io.ReadCloser, error) {
	rc, err := e.engine.ContainerLogs(ctx, ref.Name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: container %s", ErrNotFound, ref.Name)
		}
		return nil, err
	}
	return rc, nil
}

func (e *DockerExecutor) Reclaim(ctx context.Context, ref Ref) error {
	e.mu.Lock()
	if p, ok := e.pulls[ref.Name]; ok {
		p.cancel()
		delete(e.pulls, ref.Name)
	}
	e.mu.Unlock()
	if err := e.engine.RemoveContainer(ctx, ref.Name); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", ref.Name, err)
	}
	return nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func parseDockerTime(raw string) *time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil || t.IsZero() || t.Year() <= 1 {
		return nil
	}
	return &t
}
