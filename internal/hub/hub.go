// Package hub searches an external model hub (Hugging Face compatible API)
// so operators can find deployable models by name.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Model is one hub search result.
type Model struct {
	// Repo id, e.g. "Systran/faster-whisper-medium".
	ID        string   `json:"id"`
	Downloads int64    `json:"downloads"`
	Likes     int64    `json:"likes"`
	Tags      []string `json:"tags,omitempty"`
	// PipelineTag hints at the model category (automatic-speech-recognition,
	// text-to-speech, text-generation, ...).
	PipelineTag string `json:"pipeline_tag,omitempty"`
}

// Client queries the hub API. The zero value is not usable; use New.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a hub client for baseURL (e.g. https://huggingface.co).
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// All requests carry context deadlines; see Search.
		httpClient: &http.Client{Timeout: 0},
	}
}

const defaultSearchTimeout = 15 * time.Second

// Search returns up to limit models matching query, most downloaded first.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Model, error) {
	if limit <= 0 {
		limit = 20
	}
	ctx, cancel := context.WithTimeout(ctx, defaultSearchTimeout)
	defer cancel()

	u := c.baseURL + "/api/models?search=" + url.QueryEscape(query) +
		"&limit=" + strconv.Itoa(limit) + "&sort=downloads&direction=-1"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("hub request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.New("hub http error: " + resp.Status + ": " + string(b))
	}
	var out []Model
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode hub response: %w", err)
	}
	return out, nil
}
