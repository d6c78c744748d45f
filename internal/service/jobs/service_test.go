package jobs

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/coughsense/coughsense-go/internal/contract"
	"github.com/coughsense/coughsense-go/internal/domain"
	"github.com/coughsense/coughsense-go/internal/permission"
	"github.com/coughsense/coughsense-go/internal/platform/auditlog"
	"github.com/coughsense/coughsense-go/internal/repo"
	"github.com/coughsense/coughsense-go/internal/runtimeexec"
)

func newTestService(t *testing.T) (*Service, *repo.MemoryTaskStore, *fakeExecutor, *fakeAuditAppender) {
	t.Helper()
	tasks := repo.NewMemoryTaskStore()
	exec := newFakeExecutor()
	audit := &fakeAuditAppender{}
	svc, err := New(testDeployment(t), tasks, exec, audit, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, tasks, exec, audit
}

func allTasks(t *testing.T, tasks *repo.MemoryTaskStore) []domain.TaskInstance {
	t.Helper()
	out, err := tasks.ListUnreclaimed(context.Background(), repo.TaskFilter{})
	if err != nil {
		t.Fatalf("ListUnreclaimed: %v", err)
	}
	return out
}

func TestSubmitContractIsDefaultsMergedWithOverrides(t *testing.T) {
	cases := []map[string]string{
		nil,
		{"AUDIO_FILENAME": "PID_82A_54_codec.wav"},
		{"S3_KEY": "sessions/abc/input/", "THRESHOLD": "0.7"},
		{"OUTPUT_DIR": "/scratch/out", "INPUT_DIR": "/scratch/in", "OUTPUT_KEY": "results/custom/"},
		{"MODEL_FILENAME": "resnet18-v2.pth", "UNKNOWN_FLAG": ""},
	}
	for i, overrides := range cases {
		t.Run(fmt.Sprintf("case-%d", i), func(t *testing.T) {
			svc, _, exec, _ := newTestService(t)
			jobID := fmt.Sprintf("job-%d", i)
			handle, err := svc.Submit(context.Background(), domain.JobRequest{JobID: jobID, Overrides: overrides}, Actor{Subject: "caller"})
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if exec.launchCount() != 1 {
				t.Fatalf("launches=%d, want exactly 1", exec.launchCount())
			}

			defaults := svc.deployment.ContractDefaults()
			defaults[contract.KeyOutputPrefix] = svc.deployment.OutputPrefixFor(jobID)
			want := contract.Merge(defaults, overrides)
			want[contract.KeySessionID] = jobID
			task, err := svc.Get(context.Background(), handle.TaskID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !reflect.DeepEqual(task.Contract, map[string]string(want)) {
				t.Fatalf("contract mismatch\n got=%v\nwant=%v", task.Contract, want)
			}
			wantEnv := want.Clone()
			for k, v := range svc.deployment.TaskEnv() {
				wantEnv[k] = v
			}
			got := exec.launches[0].Env
			if !reflect.DeepEqual(map[string]string(got), map[string]string(wantEnv)) {
				t.Fatalf("env mismatch\n got=%v\nwant=%v", got, wantEnv)
			}
			for k, v := range overrides {
				if got[k] != v {
					t.Fatalf("override %s=%q lost (got %q)", k, v, got[k])
				}
			}
			if handle.State != domain.TaskStateProvisioning || handle.JobID != jobID || handle.TaskID == "" {
				t.Fatalf("handle=%+v", handle)
			}
		})
	}
}

func TestSubmitLaunchSpecCarriesDeploymentBounds(t *testing.T) {
	svc, tasks, exec, audit := newTestService(t)
	handle, err := svc.Submit(context.Background(), domain.JobRequest{}, Actor{Subject: "caller", RequestID: "req-1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	spec := exec.launches[0]
	if spec.Identity != "bhattis-coughsense-task-data-role" {
		t.Fatalf("identity=%q", spec.Identity)
	}
	if spec.Ceiling != (domain.ResourceCeiling{CPUUnits: 4096, MemoryMB: 16384, EphemeralGB: 21}) {
		t.Fatalf("ceiling=%+v", spec.Ceiling)
	}
	if spec.Deadline.Hours() != 1 || spec.Image != "registry.example.com/coughsense/inference:1.4.2" {
		t.Fatalf("spec=%+v", spec)
	}
	task, err := tasks.Get(context.Background(), handle.TaskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.LogGroup != "/coughsense/bhattis-coughsense" || task.LogStream != handle.TaskID {
		t.Fatalf("log ref=%s/%s", task.LogGroup, task.LogStream)
	}
	if task.ExecutorRef != "fake:coughsense-"+handle.TaskID {
		t.Fatalf("executor ref=%q", task.ExecutorRef)
	}
	want := []string{auditlog.ActionJobSubmitted, auditlog.ActionTaskTransition}
	if !reflect.DeepEqual(audit.actions(), want) {
		t.Fatalf("audit=%v", audit.actions())
	}
}

func TestSubmitAdmissionErrorsLaunchNothing(t *testing.T) {
	cases := []struct {
		name      string
		req       domain.JobRequest
		accessErr bool
	}{
		{name: "empty bucket", req: domain.JobRequest{Overrides: map[string]string{"S3_BUCKET": ""}}},
		{name: "missing model", req: domain.JobRequest{Overrides: map[string]string{"MODEL_FILENAME": ""}}},
		{name: "missing input prefix", req: domain.JobRequest{Overrides: map[string]string{"S3_KEY": ""}}},
		{name: "local without audio", req: domain.JobRequest{Overrides: map[string]string{"INPUT_MODE": "local"}}},
		{name: "relative output dir", req: domain.JobRequest{Overrides: map[string]string{"OUTPUT_DIR": "out"}}},
		{name: "reserved key", req: domain.JobRequest{Overrides: map[string]string{"SESSION_ID": "mine"}}},
		{name: "platform key", req: domain.JobRequest{Overrides: map[string]string{"COUGHSENSE_DEPLOYMENT_NAME": "other"}}},
		{name: "bad job id", req: domain.JobRequest{JobID: "../etc"}},
		{name: "foreign bucket", req: domain.JobRequest{Overrides: map[string]string{"S3_BUCKET": "someone-elses-data"}}, accessErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, tasks, exec, audit := newTestService(t)
			handle, err := svc.Submit(context.Background(), tc.req, Actor{Subject: "caller"})
			if !errors.Is(err, ErrAdmission) {
				t.Fatalf("err=%v, want admission error", err)
			}
			if tc.accessErr != errors.Is(err, permission.ErrAccessDenied) {
				t.Fatalf("access classification wrong: %v", err)
			}
			if handle != (Handle{}) {
				t.Fatalf("handle=%+v, want zero", handle)
			}
			if exec.launchCount() != 0 {
				t.Fatalf("launches=%d", exec.launchCount())
			}
			if n := len(allTasks(t, tasks)); n != 0 {
				t.Fatalf("tasks created=%d", n)
			}
			if got := audit.actions(); len(got) != 1 || got[0] != auditlog.ActionJobRejected {
				t.Fatalf("audit=%v", got)
			}
		})
	}
}

func TestSubmitEmptyBucketIsContractError(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.Submit(context.Background(), domain.JobRequest{Overrides: map[string]string{"S3_BUCKET": ""}}, Actor{})
	if !errors.Is(err, contract.ErrInvalid) {
		t.Fatalf("err=%v", err)
	}
	var verr *contract.ValidationError
	if !errors.As(err, &verr) || len(verr.Issues) != 1 {
		t.Fatalf("issues=%v", err)
	}
}

func TestSubmitPassesPlatformEnv(t *testing.T) {
	svc, _, exec, _ := newTestService(t)
	if err := svc.AddTaskEnv(map[string]string{"COUGHSENSE_S3_ENDPOINT": "minio.internal:9000", "COUGHSENSE_S3_USE_SSL": ""}); err != nil {
		t.Fatalf("AddTaskEnv: %v", err)
	}
	if err := svc.AddTaskEnv(map[string]string{"S3_ENDPOINT": "x"}); err == nil {
		t.Fatal("accepted a task env key outside the platform prefix")
	}
	if _, err := svc.Submit(context.Background(), domain.JobRequest{}, Actor{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	env := exec.launches[0].Env
	if env["COUGHSENSE_DEPLOYMENT_NAME"] != "bhattis-coughsense" || env["COUGHSENSE_ROLE_NAMING"] == "" {
		t.Fatalf("env=%v", env)
	}
	if env["COUGHSENSE_S3_ENDPOINT"] != "minio.internal:9000" {
		t.Fatalf("endpoint=%q", env["COUGHSENSE_S3_ENDPOINT"])
	}
	if _, ok := env["COUGHSENSE_S3_USE_SSL"]; ok {
		t.Fatal("empty platform value was passed")
	}
}

func TestSubmitLaunchRejectedMarksTaskFailed(t *testing.T) {
	svc, tasks, exec, _ := newTestService(t)
	exec.launchErr = fmt.Errorf("%w: quota exceeded", runtimeexec.ErrLaunchRejected)

	handle, err := svc.Submit(context.Background(), domain.JobRequest{JobID: "job-1"}, Actor{})
	if !errors.Is(err, runtimeexec.ErrLaunchRejected) || errors.Is(err, ErrAdmission) {
		t.Fatalf("err=%v", err)
	}
	if handle.TaskID == "" || handle.State != domain.TaskStateFailed {
		t.Fatalf("handle=%+v", handle)
	}
	task, _ := tasks.Get(context.Background(), handle.TaskID)
	if task.State != domain.TaskStateFailed || task.TerminalStatus() != "failed" {
		t.Fatalf("task=%+v", task)
	}
}

func TestSubmitDuplicateRequestsLaunchIndependently(t *testing.T) {
	svc, _, exec, _ := newTestService(t)
	req := domain.JobRequest{JobID: "same-job", Overrides: map[string]string{"AUDIO_FILENAME": "a.wav"}}
	first, err := svc.Submit(context.Background(), req, Actor{})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := svc.Submit(context.Background(), req, Actor{})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.TaskID == second.TaskID || exec.launchCount() != 2 {
		t.Fatalf("tasks %s %s launches=%d", first.TaskID, second.TaskID, exec.launchCount())
	}
	listed, err := svc.ListByJob(context.Background(), "same-job")
	if err != nil || len(listed) != 2 {
		t.Fatalf("listed=%d err=%v", len(listed), err)
	}
}

func TestGetUnknown(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	if _, err := svc.Get(context.Background(), "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
	if _, err := svc.ListByJob(context.Background(), "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
}

func TestSubmitConcurrentDistinctJobs(t *testing.T) {
	svc, tasks, exec, _ := newTestService(t)
	const n = 16
	var wg sync.WaitGroup
	handles := make([]Handle, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = svc.Submit(context.Background(), domain.JobRequest{JobID: fmt.Sprintf("job-%02d", i)}, Actor{})
		}(i)
	}
	wg.Wait()

	outputs := map[string]bool{}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("submit %d: %v", i, errs[i])
		}
		if outputs[handles[i].OutputKey] {
			t.Fatalf("output key %s shared", handles[i].OutputKey)
		}
		outputs[handles[i].OutputKey] = true
	}
	if exec.launchCount() != n || len(allTasks(t, tasks)) != n {
		t.Fatalf("launches=%d tasks=%d", exec.launchCount(), len(allTasks(t, tasks)))
	}
}
