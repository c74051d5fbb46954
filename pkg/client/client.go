// Package client is a Go client for the optimizer HTTP API
package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/psantana5/schedopt/pkg/algorithms"
	"github.com/psantana5/schedopt/pkg/api"
	"github.com/psantana5/schedopt/pkg/models"
	"github.com/psantana5/schedopt/pkg/profiles"
	"github.com/psantana5/schedopt/pkg/retry"
)

const optimizePath = "/api/schedules/optimize"

// Client talks to one optimizer
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	stream     *http.Client // no timeout, progress streams live as long as the run
	retry      retry.Config
}

// Option customizes a Client
type Option func(*Client)

// WithTLS uses cfg for https connections
func WithTLS(cfg *tls.Config) Option {
	return func(c *Client) {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = cfg
		c.httpClient.Transport = t
		c.stream.Transport = t
	}
}

// WithRetry sets the backoff used when the optimizer answers 503
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithTimeout bounds non-streaming requests
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New creates a client. token is a bearer JWT or an API key.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		stream:     &http.Client{},
		retry:      retry.DefaultConfig(),
	}
	c.retry.Retryable = isUnavailable
	for _, o := range opts {
		o(c)
	}
	return c
}

// APIError is a non-2xx response
type APIError struct {
	Status     int
	RetryAfter string
	api.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error (status %d): %s", e.Status, e.ErrorResponse.Error)
	}
	msg := fmt.Sprintf("%s (%s, status %d)", e.ErrorResponse.Error, e.Code, e.Status)
	if e.RetryAfter != "" {
		msg += ", retry after " + e.RetryAfter + "s"
	}
	for _, d := range e.Details {
		msg += fmt.Sprintf("\n  %s: %s", d.Field, d.Message)
	}
	return msg
}

// IsCode reports whether err is an APIError with the given code
func IsCode(err error, code string) bool {
	var e *APIError
	return errors.As(err, &e) && e.Code == code
}

// isUnavailable selects responses where the job was never created, so
// resubmitting cannot duplicate it
func isUnavailable(err error) bool {
	var e *APIError
	return errors.As(err, &e) && e.Status == http.StatusServiceUnavailable
}

func decodeError(resp *http.Response) error {
	e := &APIError{Status: resp.StatusCode, RetryAfter: resp.Header.Get("Retry-After")}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if json.Unmarshal(body, &e.ErrorResponse) != nil || e.ErrorResponse.Error == "" {
		e.ErrorResponse.Error = strings.TrimSpace(string(body))
	}
	return e
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends a JSON request and decodes the response into out when non-nil
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to optimizer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// Submit sends an optimization request. req is marshalled as-is, so
// callers may pass a models.OptimizationRequest or raw JSON. A full
// queue is retried with backoff.
func (c *Client) Submit(ctx context.Context, req interface{}) (*models.SubmitResponse, error) {
	var out models.SubmitResponse
	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, optimizePath, req, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Get returns the current job snapshot
func (c *Client) Get(ctx context.Context, runID string) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodGet, optimizePath+"/"+url.PathEscape(runID), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Cancel requests cancellation. Cancelling a finished run succeeds.
func (c *Client) Cancel(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodDelete, optimizePath+"/"+url.PathEscape(runID), nil, nil)
}

// ListOptions filters List
type ListOptions struct {
	Status models.JobStatus
	Owner  string // honoured for admins only
	Limit  int
}

// List returns runs visible to the caller, newest first
func (c *Client) List(ctx context.Context, opts ListOptions) (*api.JobList, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.Owner != "" {
		q.Set("owner", opts.Owner)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := optimizePath
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var list api.JobList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Algorithms lists the registered algorithms
func (c *Client) Algorithms(ctx context.Context) ([]algorithms.Info, error) {
	var out struct {
		Algorithms []algorithms.Info `json:"algorithms"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/schedules/algorithms", nil, &out); err != nil {
		return nil, err
	}
	return out.Algorithms, nil
}

// Profiles lists the optimization profiles
func (c *Client) Profiles(ctx context.Context) ([]profiles.Profile, error) {
	var out struct {
		Profiles []profiles.Profile `json:"profiles"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/schedules/profiles", nil, &out); err != nil {
		return nil, err
	}
	return out.Profiles, nil
}

// Version fetches a stored schedule version
func (c *Client) Version(ctx context.Context, versionID string) (*models.ScheduleVersion, error) {
	var v models.ScheduleVersion
	if err := c.do(ctx, http.MethodGet, "/api/schedules/versions/"+url.PathEscape(versionID), nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Stats returns job counts and pool state. Requires metrics:read.
func (c *Client) Stats(ctx context.Context) (*api.StatsResponse, error) {
	var s api.StatsResponse
	if err := c.do(ctx, http.MethodGet, "/api/schedules/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Metrics scrapes and parses the Prometheus endpoint at path
func (c *Client) Metrics(ctx context.Context, path string) (map[string]*dto.MetricFamily, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to optimizer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metrics: %w", err)
	}
	return families, nil
}

// Watch streams progress events to fn until the run reaches a terminal
// state, ctx ends or fn returns an error. It returns the last event seen.
func (c *Client) Watch(ctx context.Context, runID string, fn func(models.ProgressEvent) error) (*models.ProgressEvent, error) {
	req, err := c.newRequest(ctx, http.MethodGet, optimizePath+"/"+url.PathEscape(runID)+"/progress", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to optimizer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var last *models.ProgressEvent
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 16<<20) // completed events carry the full result
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev models.ProgressEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			return last, fmt.Errorf("malformed progress event: %w", err)
		}
		last = &ev
		if err := fn(ev); err != nil {
			return last, err
		}
		if ev.Terminal() {
			return last, nil
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return last, ctx.Err()
		}
		return last, fmt.Errorf("progress stream interrupted: %w", err)
	}
	if ctx.Err() != nil {
		return last, ctx.Err()
	}
	return last, io.ErrUnexpectedEOF
}
