// Package swarmclient calls the testswarm authoring API.
package swarmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/VenkatGGG/testswarm/internal/jobstore"
	"github.com/VenkatGGG/testswarm/pkg/httpx"
)

const maxResponseBytes = 5 << 20

var ErrNotFound = errors.New("not found")

// APIError is a non-2xx reply from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if strings.TrimSpace(e.Message) != "" {
		return fmt.Sprintf("%s (%d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("request failed with status %d", e.StatusCode)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

type CreateJobInput struct {
	Description string   `json:"description"`
	Browsers    []string `json:"browsers"`
	Tests       []string `json:"tests"`
	Filter      string   `json:"filter,omitempty"`
	Snapshot    bool     `json:"snapshot,omitempty"`
}

type EditJobInput struct {
	Description string   `json:"description"`
	Browsers    []string `json:"browsers,omitempty"`
}

type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    normalizeAddress(opts.BaseURL),
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CreateJob submits a job. A non-empty idempotencyKey makes retries safe.
func (c *Client) CreateJob(ctx context.Context, input CreateJobInput, idempotencyKey string) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	header := http.Header{}
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		header.Set("Idempotency-Key", key)
	}
	if err := c.do(ctx, http.MethodPost, "/jobs", header, input, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

func (c *Client) ListJobs(ctx context.Context) ([]jobstore.Job, error) {
	var listed struct {
		Jobs []jobstore.Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/jobs", nil, nil, &listed); err != nil {
		return nil, err
	}
	return listed.Jobs, nil
}

func (c *Client) GetJob(ctx context.Context, id string) (jobstore.Job, error) {
	var job jobstore.Job
	err := c.do(ctx, http.MethodGet, jobPath(id), nil, nil, &job)
	return job, err
}

func (c *Client) EditJob(ctx context.Context, id string, input EditJobInput) (jobstore.Job, error) {
	var job jobstore.Job
	err := c.do(ctx, http.MethodPut, jobPath(id), nil, input, &job)
	return job, err
}

func (c *Client) RestartJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodGet, jobPath(id)+"/restart", nil, nil, nil)
}

func (c *Client) DeleteJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, jobPath(id), nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var decoded httpx.ErrorResponse
		if json.Unmarshal(raw, &decoded) == nil {
			apiErr.Code = decoded.Code
			apiErr.Message = decoded.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func jobPath(id string) string {
	return "/jobs/" + url.PathEscape(strings.TrimSpace(id))
}

func normalizeAddress(address string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(address), "/")
	if trimmed == "" {
		return "http://127.0.0.1:8080"
	}
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return trimmed
	}
	return "http://" + trimmed
}
