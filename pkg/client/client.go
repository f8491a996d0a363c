package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/darianrosebrook/agent-agency/pkg/api"
	"github.com/darianrosebrook/agent-agency/pkg/errdefs"
	"github.com/darianrosebrook/agent-agency/pkg/policy"
	"github.com/darianrosebrook/agent-agency/pkg/types"
)

// Client talks to a running agency daemon over HTTP
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the daemon at addr (host:port)
func NewClient(addr string) *Client {
	return &Client{
		base: "http://" + addr,
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

// apiError is the error payload every failing endpoint returns
type apiError struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errdefs.Wrap(errdefs.KindInternal, err, "encoding request")
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, buf)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInvalidInput, err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.Wrap(errdefs.KindServiceUnavailable, err, "daemon unreachable").
			WithRemediation("is the daemon running? start it with 'agency start'")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			kind := errdefs.Kind(apiErr.Kind)
			if kind == "" {
				kind = errdefs.KindInternal
			}
			return errdefs.E(kind, apiErr.Error)
		}
		return errdefs.Ef(errdefs.KindInternal, "request failed with status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errdefs.Wrap(errdefs.KindInternal, err, "decoding response")
		}
	}
	return nil
}

// SubmitTask submits a task request and returns the accepted task
func (c *Client) SubmitTask(ctx context.Context, req *types.TaskRequest) (*types.Task, error) {
	var task types.Task
	if err := c.do(ctx, http.MethodPost, "/v1/tasks", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask returns the current snapshot of a task
func (c *Client) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var task types.Task
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+id, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// WaitTask blocks until the task reaches a terminal state or the timeout
// elapses, returning the final snapshot
func (c *Client) WaitTask(ctx context.Context, id string, timeout time.Duration) (*types.Task, error) {
	path := "/v1/tasks/" + id + "/wait?timeout_ms=" + strconv.FormatInt(timeout.Milliseconds(), 10)
	var task types.Task
	if err := c.do(ctx, http.MethodGet, path, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CancelTask requests cooperative cancellation of a task
func (c *Client) CancelTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+id+"/cancel", nil, nil)
}

// RegisterAgent registers an agent profile
func (c *Client) RegisterAgent(ctx context.Context, profile *types.AgentProfile) (*types.AgentProfile, error) {
	var registered types.AgentProfile
	if err := c.do(ctx, http.MethodPost, "/v1/agents", profile, &registered); err != nil {
		return nil, err
	}
	return &registered, nil
}

// UnregisterAgent removes an agent from the registry
func (c *Client) UnregisterAgent(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/agents/"+id, nil, nil)
}

// ListAgents returns every registered agent
func (c *Client) ListAgents(ctx context.Context) ([]*types.AgentProfile, error) {
	var agents []*types.AgentProfile
	if err := c.do(ctx, http.MethodGet, "/v1/agents", nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// GetVerdict fetches a published verdict
func (c *Client) GetVerdict(ctx context.Context, id string) (*types.Verdict, error) {
	var verdict types.Verdict
	if err := c.do(ctx, http.MethodGet, "/v1/verdicts/"+id, nil, &verdict); err != nil {
		return nil, err
	}
	return &verdict, nil
}

// ReplayVerdict re-runs a verdict's validation from provenance
func (c *Client) ReplayVerdict(ctx context.Context, id string) (*policy.ReplayResult, error) {
	var result policy.ReplayResult
	if err := c.do(ctx, http.MethodPost, "/v1/verdicts/"+id+"/replay", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status returns the daemon's runtime summary
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var status api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Shutdown asks the daemon to stop
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/shutdown", nil, nil)
}

// String describes the client target
func (c *Client) String() string {
	return fmt.Sprintf("agency daemon at %s", c.base)
}
