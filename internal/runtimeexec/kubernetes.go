package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/coughsense/coughsense-go/internal/domain"
)

const (
	LabelTaskID     = "coughsense.io/task-id"
	LabelJobID      = "coughsense.io/job-id"
	LabelDeployment = "coughsense.io/deployment"
	containerName   = "inference"
)

type KubernetesConfig struct {
	Namespace     string
	JobTTLSeconds int32
	// UnschedulableGrace is how long a pod may sit unschedulable before the
	// task is failed. Cluster autoscaling usually resolves it within minutes.
	UnschedulableGrace time.Duration
}

// KubernetesExecutor runs each task as a batch/v1 Job with no retries.
type KubernetesExecutor struct {
	clientset kubernetes.Interface
	cfg       KubernetesConfig
	now       func() time.Time
}

// NewKubernetesClientset prefers in-cluster config and falls back to kubeconfig
// (explicit path, then ~/.kube/config) for local runs.
func NewKubernetesClientset(kubeconfig string) (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		if kubeconfig == "" {
			home, _ := os.UserHomeDir()
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("kubernetes config: %w", err)
		}
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes clientset: %w", err)
	}
	return cs, nil
}

func NewKubernetesExecutor(clientset kubernetes.Interface, cfg KubernetesConfig) (*KubernetesExecutor, error) {
	if clientset == nil {
		return nil, errors.New("kubernetes clientset is required")
	}
	if strings.TrimSpace(cfg.Namespace) == "" {
		return nil, errors.New("namespace is required")
	}
	if cfg.JobTTLSeconds < 0 {
		return nil, errors.New("job ttl must be non-negative")
	}
	if cfg.UnschedulableGrace <= 0 {
		cfg.UnschedulableGrace = 5 * time.Minute
	}
	return &KubernetesExecutor{clientset: clientset, cfg: cfg, now: time.Now}, nil
}

func (e *KubernetesExecutor) Kind() string { return KindKubernetes }

func (e *KubernetesExecutor) RefFor(taskID string) Ref {
	return Ref{Kind: KindKubernetes, Namespace: e.cfg.Namespace, Name: UnitName(taskID)}
}

func (e *KubernetesExecutor) Launch(ctx context.Context, spec LaunchSpec) (Ref, error) {
	if err := spec.Validate(); err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrLaunchRejected, err)
	}
	job := e.buildJob(spec)
	ref := e.RefFor(spec.TaskID)

	_, err := e.clientset.BatchV1().Jobs(e.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err == nil || apierrors.IsAlreadyExists(err) {
		return ref, nil
	}
	if apierrors.IsInvalid(err) || apierrors.IsForbidden(err) || apierrors.IsBadRequest(err) {
		return Ref{}, fmt.Errorf("%w: %v", ErrLaunchRejected, err)
	}
	return Ref{}, fmt.Errorf("%w: create job %s: %v", ErrLaunchRejected, job.Name, err)
}

func (e *KubernetesExecutor) buildJob(spec LaunchSpec) *batchv1.Job {
	labels := map[string]string{
		"app.kubernetes.io/managed-by": "coughsense",
		LabelTaskID:                    spec.TaskID,
		LabelDeployment:                spec.Deployment,
	}
	if spec.JobID != "" {
		labels[LabelJobID] = spec.JobID
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		env = append(env, corev1.EnvVar{Name: k, Value: spec.Env[k]})
	}

	limits := ResourceList(spec.Ceiling)
	backoff := int32(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      UnitName(spec.TaskID),
			Namespace: e.cfg.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: spec.Identity,
					Containers: []corev1.Container{{
						Name:  containerName,
						Image: spec.Image,
						Env:   env,
						Resources: corev1.ResourceRequirements{
							Limits:   limits,
							Requests: limits.DeepCopy(),
						},
					}},
				},
			},
		},
	}
	if e.cfg.JobTTLSeconds > 0 {
		ttl := e.cfg.JobTTLSeconds
		job.Spec.TTLSecondsAfterFinished = &ttl
	}
	if spec.Deadline > 0 {
		secs := int64(spec.Deadline / time.Second)
		job.Spec.ActiveDeadlineSeconds = &secs
	}
	return job
}

func (e *KubernetesExecutor) Inspect(ctx context.Context, ref Ref) (Observation, error) {
	job, err := e.clientset.BatchV1().Jobs(e.namespace(ref)).Get(ctx, ref.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return Observation{}, fmt.Errorf("%w: job %s", ErrNotFound, ref.Name)
		}
		return Observation{}, fmt.Errorf("get job %s: %w", ref.Name, err)
	}

	pod, err := e.findPod(ctx, job)
	if err != nil {
		return Observation{}, err
	}
	obs := observePod(pod, e.now(), e.cfg.UnschedulableGrace)

	if cond, ok := jobCondition(job, batchv1.JobComplete); ok {
		obs.Phase = domain.TaskStateSucceeded
		obs.Reason = ""
		if obs.ExitCode == nil {
			obs.ExitCode = intPtr(0)
		}
		obs.FinishedAt = timePtr(cond.LastTransitionTime.Time)
	} else if cond, ok := jobCondition(job, batchv1.JobFailed); ok {
		obs.Phase = domain.TaskStateFailed
		if cond.Reason == "DeadlineExceeded" {
			obs.Reason = ReasonDeadlineExceeded
		} else if obs.Reason == "" {
			obs.Reason = strings.TrimSpace(cond.Reason + ": " + cond.Message)
		}
		obs.FinishedAt = timePtr(cond.LastTransitionTime.Time)
	}
	if obs.StartedAt == nil && job.Status.StartTime != nil && obs.Phase != domain.TaskStateProvisioning {
		obs.StartedAt = timePtr(job.Status.StartTime.Time)
	}
	return obs, nil
}

func (e *KubernetesExecutor) findPod(ctx context.Context, job *batchv1.Job) (*corev1.Pod, error) {
	pods, err := e.clientset.CoreV1().Pods(job.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: LabelTaskID + "=" + job.Labels[LabelTaskID],
	})
	if err != nil {
		return nil, fmt.Errorf("list pods for %s: %w", job.Name, err)
	}
	if len(pods.Items) == 0 {
		return nil, nil
	}
	// backoffLimit 0 means one pod; pick the newest if the controller made more.
	sort.Slice(pods.Items, func(i, j int) bool {
		return pods.Items[i].CreationTimestamp.After(pods.Items[j].CreationTimestamp.Time)
	})
	return &pods.Items[0], nil
}

var imagePullReasons = map[string]bool{
	"ErrImagePull":               true,
	"ImagePullBackOff":           true,
	"InvalidImageName":           true,
	"ErrImageNeverPull":          true,
	"CreateContainerConfigError": true,
}

// observePod maps pod status onto a task phase. It never returns SUCCEEDED on
// its own; the job's Complete condition is authoritative for success.
func observePod(pod *corev1.Pod, now time.Time, grace time.Duration) Observation {
	if pod == nil {
		return Observation{Phase: domain.TaskStateProvisioning}
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodScheduled && cond.Status == corev1.ConditionFalse && cond.Reason == corev1.PodReasonUnschedulable {
			if now.Sub(pod.CreationTimestamp.Time) >= grace {
				return Observation{Phase: domain.TaskStateFailed, Reason: ReasonUnschedulable + ": " + cond.Message}
			}
			return Observation{Phase: domain.TaskStateProvisioning, Reason: ReasonUnschedulable}
		}
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name != containerName {
			continue
		}
		switch {
		case cs.State.Waiting != nil && imagePullReasons[cs.State.Waiting.Reason]:
			return Observation{Phase: domain.TaskStateFailed, Reason: ReasonImagePull + ": " + cs.State.Waiting.Message}
		case cs.State.Running != nil:
			return Observation{Phase: domain.TaskStateRunning, StartedAt: timePtr(cs.State.Running.StartedAt.Time)}
		case cs.State.Terminated != nil:
			t := cs.State.Terminated
			obs := Observation{
				Phase:      domain.TaskStateSucceeded,
				ExitCode:   intPtr(int(t.ExitCode)),
				StartedAt:  timePtr(t.StartedAt.Time),
				FinishedAt: timePtr(t.FinishedAt.Time),
			}
			if t.ExitCode != 0 {
				obs.Phase = domain.TaskStateFailed
				obs.Reason = ReasonNonZeroExit
				if t.Reason == "OOMKilled" {
					obs.Reason = ReasonOOMKilled
				}
			}
			return obs
		}
	}
	return Observation{Phase: domain.TaskStateProvisioning}
}

func (e *KubernetesExecutor) Logs(ctx context.Context, ref Ref) (io.ReadCloser, error) {
	ns := e.namespace(ref)
	job, err := e.clientset.BatchV1().Jobs(ns).Get(ctx, ref.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, ref.Name)
		}
		return nil, fmt.Errorf("get job %s: %w", ref.Name, err)
	}
	pod, err := e.findPod(ctx, job)
	if err != nil {
		return nil, err
	}
	if pod == nil {
		return nil, fmt.Errorf("%w: no pod for job %s", ErrNotFound, ref.Name)
	}
	return e.clientset.CoreV1().Pods(ns).GetLogs(pod.Name, &corev1.PodLogOptions{Container: containerName}).Stream(ctx)
}

func (e *KubernetesExecutor) Reclaim(ctx context.Context, ref Ref) error {
	propagation := metav1.DeletePropagationBackground
	err := e.clientset.BatchV1().Jobs(e.namespace(ref)).Delete(ctx, ref.Name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete job %s: %w", ref.Name, err)
	}
	return nil
}

func (e *KubernetesExecutor) namespace(ref Ref) string {
	if ref.Namespace != "" {
		return ref.Namespace
	}
	return e.cfg.Namespace
}

func jobCondition(job *batchv1.Job, t batchv1.JobConditionType) (batchv1.JobCondition, bool) {
	for _, c := range job.Status.Conditions {
		if c.Type == t && c.Status == corev1.ConditionTrue {
			return c, true
		}
	}
	return batchv1.JobCondition{}, false
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
