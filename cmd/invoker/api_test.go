package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coughsense/coughsense-go/internal/deployment"
	"github.com/coughsense/coughsense-go/internal/domain"
	"github.com/coughsense/coughsense-go/internal/platform/auditlog"
	"github.com/coughsense/coughsense-go/internal/platform/auth"
	"github.com/coughsense/coughsense-go/internal/platform/httpserver"
	"github.com/coughsense/coughsense-go/internal/repo"
	"github.com/coughsense/coughsense-go/internal/runtimeexec"
	"github.com/coughsense/coughsense-go/internal/service/jobs"
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
`

type stubExecutor struct {
	mu        sync.Mutex
	launched  int
	launchErr error
}

func (s *stubExecutor) Kind() string { return "stub" }

func (s *stubExecutor) RefFor(taskID string) runtimeexec.Ref {
	return runtimeexec.Ref{Kind: "stub", Name: runtimeexec.UnitName(taskID)}
}

func (s *stubExecutor) Launch(_ context.Context, spec runtimeexec.LaunchSpec) (runtimeexec.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.launchErr != nil {
		return runtimeexec.Ref{}, s.launchErr
	}
	s.launched++
	return s.RefFor(spec.TaskID), nil
}

func (s *stubExecutor) Inspect(context.Context, runtimeexec.Ref) (runtimeexec.Observation, error) {
	return runtimeexec.Observation{Phase: domain.TaskStateProvisioning}, nil
}

func (s *stubExecutor) Logs(context.Context, runtimeexec.Ref) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (s *stubExecutor) Reclaim(context.Context, runtimeexec.Ref) error { return nil }

type recordingAudit struct {
	mu     sync.Mutex
	events []auditlog.Event
}

func (r *recordingAudit) Append(_ context.Context, e auditlog.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

type testServer struct {
	handler http.Handler
	exec    *stubExecutor
	audit   *recordingAudit
}

func newTestServer(t *testing.T, roles []string, limiter *subjectLimiter) *testServer {
	t.Helper()
	dep, err := deployment.Parse([]byte(testDeploymentYAML))
	if err != nil {
		t.Fatalf("parse deployment: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := &stubExecutor{}
	audit := &recordingAudit{}
	svc, err := jobs.New(dep, repo.NewMemoryTaskStore(), exec, audit, logger)
	if err != nil {
		t.Fatalf("jobs.New: %v", err)
	}
	mux := http.NewServeMux()
	newInvokerAPI(logger, svc, newMetrics(), limiter).register(mux)
	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: auth.NewDevAuthenticator(auth.Config{DevSubject: "tester", DevRoles: roles}),
		Authorize:     auth.MethodRoleAuthorizer(),
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			return auditlog.AuthDeny(ctx, audit, service, event)
		},
	}.Wrap(mux)
	return &testServer{handler: httpserver.Wrap(logger, service, handler), exec: exec, audit: audit}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	out := map[string]any{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return rec, out
}

func TestSubmitAndPoll(t *testing.T) {
	srv := newTestServer(t, []string{auth.RoleEditor}, nil)

	rec, body := srv.do(t, http.MethodPost, "/jobs", `{"job_id":"session-42","overrides":{"AUDIO_FILENAME":"PID_82A_54_codec.wav"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%v", rec.Code, body)
	}
	taskID, _ := body["task_id"].(string)
	if body["job_id"] != "session-42" || taskID == "" || body["state"] != string(domain.TaskStateProvisioning) {
		t.Fatalf("handle=%v", body)
	}
	if body["output_key"] != "results/session-42/" || body["log_group"] != "/coughsense/bhattis-coughsense" {
		t.Fatalf("handle=%v", body)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("missing request id header")
	}

	rec, body = srv.do(t, http.MethodGet, "/jobs/session-42", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get job status=%d", rec.Code)
	}
	list, _ := body["tasks"].([]any)
	if len(list) != 1 {
		t.Fatalf("tasks=%v", body["tasks"])
	}

	rec, body = srv.do(t, http.MethodGet, "/tasks/"+taskID, "")
	if rec.Code != http.StatusOK || body["status"] != "unknown" || body["bucket"] != "bhattis-coughsense" {
		t.Fatalf("get task status=%d body=%v", rec.Code, body)
	}
}

func TestSubmitErrors(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		launchErr error
		status    int
		code      string
	}{
		{name: "missing model", body: `{"overrides":{"MODEL_FILENAME":""}}`, status: http.StatusBadRequest, code: "admission_rejected"},
		{name: "foreign bucket", body: `{"overrides":{"S3_BUCKET":"other-team-data"}}`, status: http.StatusBadRequest, code: "access_denied"},
		{name: "unknown field", body: `{"job":"x"}`, status: http.StatusBadRequest, code: "invalid_json"},
		{name: "launch rejected", body: `{}`, launchErr: errors.New("quota exceeded"), status: http.StatusBadGateway, code: "launch_rejected"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, []string{auth.RoleEditor}, nil)
			srv.exec.launchErr = tc.launchErr
			rec, body := srv.do(t, http.MethodPost, "/jobs", tc.body)
			if rec.Code != tc.status || body["error"] != tc.code {
				t.Fatalf("status=%d body=%v", rec.Code, body)
			}
			if srv.exec.launched != 0 {
				t.Fatalf("launched=%d", srv.exec.launched)
			}
		})
	}
}

func TestLookupUnknown(t *testing.T) {
	srv := newTestServer(t, []string{auth.RoleViewer}, nil)
	for _, path := range []string{"/jobs/nope", "/tasks/nope"} {
		if rec, _ := srv.do(t, http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
			t.Fatalf("%s status=%d", path, rec.Code)
		}
	}
}

func TestViewerCannotSubmit(t *testing.T) {
	srv := newTestServer(t, []string{auth.RoleViewer}, nil)
	rec, body := srv.do(t, http.MethodPost, "/jobs", `{}`)
	if rec.Code != http.StatusForbidden || body["error"] != "forbidden" {
		t.Fatalf("status=%d body=%v", rec.Code, body)
	}
	if srv.exec.launched != 0 {
		t.Fatalf("launched=%d", srv.exec.launched)
	}
	if len(srv.audit.events) != 1 || srv.audit.events[0].Action != "auth.forbidden" {
		t.Fatalf("audit=%+v", srv.audit.events)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	limiter := newSubjectLimiter(0.001, 1)
	srv := newTestServer(t, []string{auth.RoleEditor}, limiter)
	if rec, _ := srv.do(t, http.MethodPost, "/jobs", `{}`); rec.Code != http.StatusAccepted {
		t.Fatalf("first status=%d", rec.Code)
	}
	rec, body := srv.do(t, http.MethodPost, "/jobs", `{}`)
	if rec.Code != http.StatusTooManyRequests || body["error"] != "rate_limited" || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("second status=%d body=%v", rec.Code, body)
	}
	if srv.exec.launched != 1 {
		t.Fatalf("launched=%d", srv.exec.launched)
	}
}

func TestSubjectLimiterPerSubject(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newSubjectLimiter(1, 1)
	l.now = func() time.Time { return now }

	if !l.Allow("a") || l.Allow("a") {
		t.Fatalf("burst of one not enforced")
	}
	if !l.Allow("b") {
		t.Fatalf("subjects share a bucket")
	}
	now = now.Add(time.Second)
	if !l.Allow("a") {
		t.Fatalf("token not refilled")
	}
	now = now.Add(time.Hour)
	l.Allow("c")
	if _, ok := l.limiters["a"]; ok {
		t.Fatalf("idle limiter not evicted")
	}
	if newSubjectLimiter(0, 0).Allow("x") != true {
		t.Fatalf("zero limit should disable limiting")
	}
}

func TestMetricsCountSubmissions(t *testing.T) {
	m := newMetrics()
	m.submissions.WithLabelValues("accepted").Inc()
	m.observeSync(jobs.SyncResult{Transitions: 3, Reclaimed: 1})

	rec := httptest.NewRecorder()
	m.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	out := rec.Body.String()
	for _, want := range []string{
		`coughsense_job_submissions_total{outcome="accepted"} 1`,
		"coughsense_task_transitions_total 3",
		"coughsense_tasks_reclaimed_total 1",
	} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}
