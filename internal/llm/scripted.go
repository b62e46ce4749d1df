package llm

import (
	"context"
	"sync"

	apperrors "github.com/colloquy/colloquy/internal/common/errors"
)

// Scripted is a Provider that replays canned responses in order. Used in
// tests and local dry runs.
type Scripted struct {
	mu        sync.Mutex
	responses []ScriptedResponse
	calls     []*Request
}

// ScriptedResponse is one canned step; Err (when set) wins over Content.
type ScriptedResponse struct {
	Content string
	Err     error
}

// NewScripted creates a provider replaying the given responses.
func NewScripted(responses ...ScriptedResponse) *Scripted {
	return &Scripted{responses: responses}
}

// Generate pops the next canned response.
func (s *Scripted) Generate(_ context.Context, req *Request) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, req)
	if len(s.responses) == 0 {
		return nil, apperrors.Fatal("scripted llm exhausted", nil)
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	if next.Err != nil {
		return nil, next.Err
	}
	return &Response{Content: next.Content}, nil
}

// Calls returns the requests seen so far.
func (s *Scripted) Calls() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Request(nil), s.calls...)
}
