// Package kernel is the client side of the kernel bridge: the command
// interface (issues, jobs, snapshots) and the live event subscription.
package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/hearth/internal/model"
	"github.com/ashita-ai/hearth/internal/telemetry"
)

// Client is everything hearth needs from the kernel.
type Client interface {
	CreateIssue(ctx context.Context, req model.IssueRequest) (model.Issue, error)
	StartJob(ctx context.Context, req model.JobRequest) (model.Job, error)
	KillJob(ctx context.Context, jobID string) error
	ListActiveJobs(ctx context.Context) ([]model.Job, error)
	Snapshot(ctx context.Context, projectRoot string, limitEvents int) (model.Snapshot, error)
	// Subscribe streams raw JSON event frames for a project until ctx is
	// cancelled or the stream ends; the channel is closed either way.
	Subscribe(ctx context.Context, projectRoot string) (<-chan []byte, error)
}

// Config holds the settings needed to construct an HTTPClient.
type Config struct {
	// BaseURL is the root URL of the kernel bridge (e.g. "http://localhost:7420").
	BaseURL string

	// Token is sent as a bearer token when non-empty.
	Token string

	// HTTPClient is an optional custom HTTP client for commands. If nil, a
	// default client with Timeout is used. The event stream never times out.
	HTTPClient *http.Client

	// Timeout applies to individual commands. Defaults to 30 seconds.
	Timeout time.Duration

	// MaxRetries bounds retries of idempotent reads. Defaults to 2.
	MaxRetries int

	Logger *slog.Logger
}

// HTTPClient talks to the kernel bridge over JSON/HTTP and SSE.
// All methods are safe for concurrent use.
type HTTPClient struct {
	baseURL    string
	token      string
	client     *http.Client
	stream     *http.Client
	maxRetries int
	logger     *slog.Logger
	tracer     trace.Tracer
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates an HTTPClient. Returns an error if BaseURL is empty
// or not an absolute URL.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kernel: BaseURL is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("kernel: BaseURL %q is not an absolute URL", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		client:     httpClient,
		stream:     &http.Client{Transport: httpClient.Transport},
		maxRetries: maxRetries,
		logger:     logger,
		tracer:     telemetry.Tracer("hearth/kernel"),
	}, nil
}

// CreateIssue creates a kernel issue.
func (c *HTTPClient) CreateIssue(ctx context.Context, req model.IssueRequest) (model.Issue, error) {
	ctx, span := c.tracer.Start(ctx, "kernel.CreateIssue")
	defer span.End()

	var issue model.Issue
	err := c.do(ctx, http.MethodPost, "/v1/issues", req, &issue)
	if err == nil && issue.ID == "" {
		err = fmt.Errorf("kernel: create issue: response has no issue id")
	}
	return issue, record(span, err)
}

// StartJob dispatches a kernel process.
func (c *HTTPClient) StartJob(ctx context.Context, req model.JobRequest) (model.Job, error) {
	ctx, span := c.tracer.Start(ctx, "kernel.StartJob",
		trace.WithAttributes(attribute.String("kernel.command", req.Command)))
	defer span.End()

	var job model.Job
	err := c.do(ctx, http.MethodPost, "/v1/jobs", req, &job)
	if err == nil && job.JobID == "" {
		err = fmt.Errorf("kernel: start job: response has no job id")
	}
	return job, record(span, err)
}

// KillJob asks the kernel to stop a job. A job that is already gone is not an error.
func (c *HTTPClient) KillJob(ctx context.Context, jobID string) error {
	ctx, span := c.tracer.Start(ctx, "kernel.KillJob",
		trace.WithAttributes(attribute.String("kernel.job_id", jobID)))
	defer span.End()

	if jobID == "" {
		return record(span, fmt.Errorf("kernel: kill job: job id is required"))
	}
	err := c.do(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(jobID), nil, nil)
	if IsNotFound(err) {
		err = nil
	}
	return record(span, err)
}

// ListActiveJobs returns the jobs the kernel is currently running.
func (c *HTTPClient) ListActiveJobs(ctx context.Context) ([]model.Job, error) {
	ctx, span := c.tracer.Start(ctx, "kernel.ListActiveJobs")
	defer span.End()

	var resp struct {
		Jobs []model.Job `json:"jobs"`
	}
	err := WithRetry(ctx, c.maxRetries, 100*time.Millisecond, func() error {
		return c.do(ctx, http.MethodGet, "/v1/jobs/active", nil, &resp)
	})
	return resp.Jobs, record(span, err)
}

// Snapshot pulls issues, workcells, and the most recent events for a project.
func (c *HTTPClient) Snapshot(ctx context.Context, projectRoot string, limitEvents int) (model.Snapshot, error) {
	ctx, span := c.tracer.Start(ctx, "kernel.Snapshot",
		trace.WithAttributes(attribute.Int("kernel.limit_events", limitEvents)))
	defer span.End()

	params := url.Values{}
	params.Set("project", projectRoot)
	if limitEvents > 0 {
		params.Set("limit", strconv.Itoa(limitEvents))
	}
	var snap model.Snapshot
	err := WithRetry(ctx, c.maxRetries, 100*time.Millisecond, func() error {
		return c.do(ctx, http.MethodGet, "/v1/snapshot?"+params.Encode(), nil, &snap)
	})
	return snap, record(span, err)
}

// Subscribe opens the project's SSE event stream.
func (c *HTTPClient) Subscribe(ctx context.Context, projectRoot string) (<-chan []byte, error) {
	params := url.Values{}
	params.Set("project", projectRoot)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/events?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("kernel: subscribe: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kernel: subscribe: %w: %w", errConnection, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, decodeError(resp)
	}

	ch := make(chan []byte, 64)
	go func() {
		defer close(ch)
		defer func() { _ = resp.Body.Close() }()
		err := readSSE(resp.Body, func(data []byte) bool {
			select {
			case ch <- data:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("kernel: event stream ended", "project", projectRoot, "error", err)
		}
	}()
	return ch, nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("kernel: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("kernel: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("kernel: %s %s: %w: %w", method, path, errConnection, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	// Numbers in untyped event payloads stay json.Number so a timestamp
	// decodes to the same key here as on the event stream.
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("kernel: decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	e := &Error{StatusCode: resp.StatusCode, Code: http.StatusText(resp.StatusCode), Message: strings.TrimSpace(string(data))}
	if json.Unmarshal(data, &body) == nil && body.Error.Message != "" {
		e.Message = body.Error.Message
		if body.Error.Code != "" {
			e.Code = body.Error.Code
		}
	}
	return e
}

func record(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
