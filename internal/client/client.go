// Package client is the typed HTTP client workers use to talk to the server:
// registration, status heartbeats and instance synchronization.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MasterYang7/gpustack/pkg/types"
)

// Client talks to the server API with the cluster join token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New returns a client for the server at baseURL authenticating with token.
func New(baseURL, token string) *Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	// Timeout stays 0: every call goes through do() with a context deadline.
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Transport: tr, Timeout: 0},
	}
}

const requestTimeout = 30 * time.Second

// apiError carries the server's status code for callers that branch on it.
type apiError struct {
	status int
	msg    string
}

func (e apiError) Error() string {
	return "server returned " + strconv.Itoa(e.status) + ": " + e.msg
}

// IsUnauthorized reports whether err is a 401 from the server (bad token).
func IsUnauthorized(err error) bool {
	ae, ok := err.(apiError)
	return ok && ae.status == http.StatusUnauthorized
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	ae, ok := err.(apiError)
	return ok && ae.status == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var er types.ErrorResponse
		msg := resp.Status
		if json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&er) == nil && er.Error != "" {
			msg = er.Error
		}
		return apiError{status: resp.StatusCode, msg: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// RegisterWorker registers (or re-registers) this worker by UUID.
func (c *Client) RegisterWorker(ctx context.Context, w types.Worker) (types.RegisterWorkerResponse, error) {
	var out types.RegisterWorkerResponse
	err := c.do(ctx, http.MethodPost, "/v1/workers", w, &out)
	return out, err
}

// UpdateWorkerStatus reports a heartbeat for worker id.
func (c *Client) UpdateWorkerStatus(ctx context.Context, id int64, w types.Worker) error {
	return c.do(ctx, http.MethodPut, "/v1/workers/"+strconv.FormatInt(id, 10)+"/status", w, nil)
}

// ListInstancesForWorker returns the instances assigned to worker id.
func (c *Client) ListInstancesForWorker(ctx context.Context, workerID int64) ([]types.ModelInstance, error) {
	var out types.ModelInstancesResponse
	err := c.do(ctx, http.MethodGet, "/v1/model-instances?worker_id="+strconv.FormatInt(workerID, 10), nil, &out)
	return out.Items, err
}

// GetModel fetches the model an instance belongs to.
func (c *Client) GetModel(ctx context.Context, id int64) (types.Model, error) {
	var out types.Model
	err := c.do(ctx, http.MethodGet, "/v1/models/"+strconv.FormatInt(id, 10), nil, &out)
	return out, err
}

// UpdateInstanceState reports an instance state transition observed on the worker.
func (c *Client) UpdateInstanceState(ctx context.Context, id int64, upd types.InstanceStateUpdate) error {
	return c.do(ctx, http.MethodPut, "/v1/model-instances/"+strconv.FormatInt(id, 10)+"/state", upd, nil)
}
