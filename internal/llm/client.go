package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/colloquy/colloquy/internal/common/errors"
	"github.com/colloquy/colloquy/internal/common/config"
)

// Client talks to an HTTP completion endpoint: POST {baseUrl}/generate with
// the Request body, expecting a Response body.
type Client struct {
	cfg        config.LLMConfig
	httpClient *http.Client
}

// NewClient creates an HTTP provider from config.
func NewClient(cfg config.LLMConfig) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout()},
	}
}

// Generate performs one completion call.
func (c *Client) Generate(ctx context.Context, req *Request) (*Response, error) {
	if c.cfg.BaseURL == "" {
		return nil, apperrors.Fatal("llm base url is not configured", nil)
	}
	if req.Model == "" {
		req.Model = c.cfg.DefaultModel
	}
	if req.Temperature == 0 {
		req.Temperature = c.cfg.Temperature
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal llm request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build llm request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.Transient("llm request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, apperrors.Transient("llm response read failed", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, apperrors.Transient(fmt.Sprintf("llm returned status %d", resp.StatusCode), nil)
	default:
		return nil, apperrors.Fatal(fmt.Sprintf("llm returned status %d: %s", resp.StatusCode, string(data)), nil)
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, apperrors.Transient("llm response decode failed", err)
	}
	return &out, nil
}
