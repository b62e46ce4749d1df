// Package llm abstracts the external text-generation endpoint used by hosted
// agents and tool synthesis.
package llm

import "context"

// Message is one chat turn sent to the provider.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Request is a single generation call.
type Request struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Response is the provider's completion.
type Response struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

// Provider generates completions. Implementations classify failures: network
// and 5xx/429 errors come back as transient AppErrors so callers can retry.
type Provider interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
}
