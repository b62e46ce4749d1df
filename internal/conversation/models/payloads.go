package models

import (
	"encoding/json"
	"fmt"
)

// MessagePayload is the payload of a message event.
type MessagePayload struct {
	Text        string          `json:"text"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
}

// AttachmentRef references a stored attachment from a message payload.
// Bytes are never embedded in events; expansion happens at the boundary.
type AttachmentRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Summary     string `json:"summary,omitempty"`
}

// Trace payload kinds.
const (
	TraceThought     = "thought"
	TraceToolCall    = "tool_call"
	TraceToolResult  = "tool_result"
	TraceTurnCleared = "turn_cleared"
	TraceTurnAborted = "turn_aborted"
)

// TracePayload is the payload of a trace event, discriminated by Type.
type TracePayload struct {
	Type string `json:"type"`

	// thought
	Content string `json:"content,omitempty"`

	// tool_call / tool_result
	ToolCallID string          `json:"toolCallId,omitempty"`
	Name       string          `json:"name,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`

	// turn_cleared / turn_aborted
	Reason string `json:"reason,omitempty"`
}

// SystemPayload is the payload of a system event (notes and terminal markers).
type SystemPayload struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// GuidancePayload is the payload of a guidance event: an advisory scheduling
// hint that never affects turn state.
type GuidancePayload struct {
	NextAgentID string `json:"nextAgentId"`
	DeadlineMs  int64  `json:"deadlineMs,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

// ValidatePayload checks that raw decodes into the payload shape required by
// the event type. Payloads are validated once at ingestion; internal code
// can then decode without re-checking.
func ValidatePayload(t EventType, raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("payload is required")
	}
	switch t {
	case EventTypeMessage:
		var p MessagePayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return fmt.Errorf("invalid message payload: %w", err)
		}
	case EventTypeTrace:
		var p TracePayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return fmt.Errorf("invalid trace payload: %w", err)
		}
		switch p.Type {
		case TraceThought, TraceToolCall, TraceToolResult, TraceTurnCleared, TraceTurnAborted:
		default:
			return fmt.Errorf("unknown trace payload type %q", p.Type)
		}
		if p.Type == TraceToolCall && p.Name == "" {
			return fmt.Errorf("tool_call trace requires a tool name")
		}
	case EventTypeSystem:
		var p SystemPayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return fmt.Errorf("invalid system payload: %w", err)
		}
		if p.Kind == "" {
			return fmt.Errorf("system payload requires kind")
		}
	case EventTypeGuidance:
		var p GuidancePayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return fmt.Errorf("invalid guidance payload: %w", err)
		}
		if p.NextAgentID == "" {
			return fmt.Errorf("guidance payload requires nextAgentId")
		}
	}
	return nil
}

func strictUnmarshal(raw json.RawMessage, v interface{}) error {
	return json.Unmarshal(raw, v)
}

// DecodeMessage decodes a message event payload.
func DecodeMessage(e *Event) (*MessagePayload, error) {
	if e.Type != EventTypeMessage {
		return nil, fmt.Errorf("event %d is %s, not message", e.Seq, e.Type)
	}
	var p MessagePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeTrace decodes a trace event payload.
func DecodeTrace(e *Event) (*TracePayload, error) {
	if e.Type != EventTypeTrace {
		return nil, fmt.Errorf("event %d is %s, not trace", e.Seq, e.Type)
	}
	var p TracePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeSystem decodes a system event payload.
func DecodeSystem(e *Event) (*SystemPayload, error) {
	if e.Type != EventTypeSystem {
		return nil, fmt.Errorf("event %d is %s, not system", e.Seq, e.Type)
	}
	var p SystemPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeGuidance decodes a guidance event payload.
func DecodeGuidance(e *Event) (*GuidancePayload, error) {
	if e.Type != EventTypeGuidance {
		return nil, fmt.Errorf("event %d is %s, not guidance", e.Seq, e.Type)
	}
	var p GuidancePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// MustMarshal marshals a payload struct, panicking on programmer error.
// Only for payloads constructed by this process, never for client input.
func MustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal payload: %v", err))
	}
	return data
}
