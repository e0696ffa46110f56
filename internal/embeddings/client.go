// Package embeddings turns text into vectors through an Ollama server
// and caches the results in SQLite keyed by content hash.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nugget/ember/internal/httpkit"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "nomic-embed-text"

// Config for [New].
type Config struct {
	BaseURL string
	Model   string
	// Timeout bounds each request. Zero means 30s.
	Timeout time.Duration
}

// Client calls Ollama's /api/embed endpoint.
type Client struct {
	endpoint string
	model    string
	http     *http.Client
}

// New returns a Client for cfg.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		endpoint: cfg.BaseURL + "/api/embed",
		model:    cfg.Model,
		http:     httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout)),
	}
}

// Model reports the embedding model in use.
func (c *Client) Model() string { return c.model }

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embedRequest{Model: c.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed %s: %w", c.model, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed %s: status %d: %s", c.model, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(out.Embeddings) == 0 || len(out.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("embed %s: empty embedding", c.model)
	}
	return out.Embeddings[0], nil
}
