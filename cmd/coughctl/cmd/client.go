package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/coughsense/coughsense-go/internal/domain"
	"github.com/coughsense/coughsense-go/internal/service/jobs"
)

// Client calls the invoker HTTP API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// APIError is a non-2xx reply from the invoker.
type APIError struct {
	StatusCode int
	Code       string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("invoker returned %d %s: %s", e.StatusCode, e.Code, e.Detail)
	}
	return fmt.Sprintf("invoker returned %d %s", e.StatusCode, e.Code)
}

// TaskStatus mirrors the invoker's task view.
type TaskStatus struct {
	TaskID      string           `json:"task_id"`
	JobID       string           `json:"job_id"`
	State       domain.TaskState `json:"state"`
	Status      string           `json:"status"`
	Reason      string           `json:"reason,omitempty"`
	ExitCode    *int             `json:"exit_code,omitempty"`
	Bucket      string           `json:"bucket"`
	OutputKey   string           `json:"output_key"`
	LogGroup    string           `json:"log_group"`
	LogStream   string           `json:"log_stream"`
	CreatedAt   time.Time        `json:"created_at"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
	ReclaimedAt *time.Time       `json:"reclaimed_at,omitempty"`
}

type jobStatus struct {
	JobID string       `json:"job_id"`
	Tasks []TaskStatus `json:"tasks"`
}

// newClient picks the credential source: client credentials when a client id
// is configured, a static bearer token when one is given, none otherwise.
func newClient(ctx context.Context, v *viper.Viper) *Client {
	base := &http.Client{Timeout: 30 * time.Second}
	httpClient := base
	switch {
	case v.GetString("client-id") != "":
		cc := clientcredentials.Config{
			ClientID:     v.GetString("client-id"),
			ClientSecret: v.GetString("client-secret"),
			TokenURL:     v.GetString("token-url"),
			Scopes:       v.GetStringSlice("scopes"),
		}
		httpClient = cc.Client(context.WithValue(ctx, oauth2.HTTPClient, base))
	case v.GetString("token") != "":
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: v.GetString("token"), TokenType: "Bearer"})
		httpClient = oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, base), src)
	}
	return &Client{BaseURL: strings.TrimRight(v.GetString("url"), "/"), HTTPClient: httpClient}
}

func (c *Client) Submit(ctx context.Context, req domain.JobRequest) (jobs.Handle, error) {
	var handle jobs.Handle
	err := c.do(ctx, http.MethodPost, "/jobs", req, http.StatusAccepted, &handle)
	return handle, err
}

func (c *Client) Job(ctx context.Context, jobID string) ([]TaskStatus, error) {
	var out jobStatus
	if err := c.do(ctx, http.MethodGet, "/jobs/"+jobID, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *Client) Task(ctx context.Context, taskID string) (TaskStatus, error) {
	var out TaskStatus
	err := c.do(ctx, http.MethodGet, "/tasks/"+taskID, nil, http.StatusOK, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, want int, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != want {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != "" {
			apiErr.Code, apiErr.Detail = envelope.Error, envelope.Detail
		} else {
			apiErr.Detail = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
