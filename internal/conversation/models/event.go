// Package models defines the core data model for conversations: the
// append-only event log, turn bookkeeping, scenarios, and attachments.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates the payload of a log event.
type EventType string

const (
	EventTypeMessage  EventType = "message"
	EventTypeTrace    EventType = "trace"
	EventTypeSystem   EventType = "system"
	EventTypeGuidance EventType = "guidance"
)

// Finality indicates whether an event keeps the turn open, closes it, or
// ends the whole conversation.
type Finality string

const (
	FinalityNone         Finality = "none"
	FinalityTurn         Finality = "turn"
	FinalityConversation Finality = "conversation"
)

// AgentSystem is the reserved author id for server-originated events.
const AgentSystem = "system"

// MaxPayloadBytes bounds the size of a single event payload.
const MaxPayloadBytes = 512 * 1024

// Event is the atomic unit written to the event store. Immutable once written.
type Event struct {
	Conversation int64           `json:"conversation"`
	Seq          int64           `json:"seq"`
	Turn         int             `json:"turn"`
	Type         EventType       `json:"type"`
	Finality     Finality        `json:"finality"`
	AgentID      string          `json:"agentId"`
	Ts           time.Time       `json:"ts"`
	Payload      json.RawMessage `json:"payload"`
}

// AppendRequest describes an event to be appended. Turn is optional: when
// nil the store assigns it (open turn, next turn, or 0 for out-of-band
// events).
type AppendRequest struct {
	Type     EventType
	Finality Finality
	AgentID  string
	Turn     *int
	Payload  json.RawMessage
	Ts       time.Time
}

// Head is the O(1) bookkeeping view of a conversation's log.
type Head struct {
	LastSeq       int64
	LastTurn      int
	HasOpenTurn   bool
	OpenTurn      int
	OpenTurnAgent string
	LastClosedSeq int64
	Status        ConversationStatus
}

// ValidEventType reports whether t is a known event type.
func ValidEventType(t EventType) bool {
	switch t {
	case EventTypeMessage, EventTypeTrace, EventTypeSystem, EventTypeGuidance:
		return true
	}
	return false
}

// ValidFinality reports whether f is a known finality.
func ValidFinality(f Finality) bool {
	switch f {
	case FinalityNone, FinalityTurn, FinalityConversation:
		return true
	}
	return false
}

// Validate checks structural rules that hold for every append, independent of
// store state: known type/finality, finality restricted to message/system,
// payload shape matching the event type, and the payload size bound.
func (r *AppendRequest) Validate() error {
	if !ValidEventType(r.Type) {
		return fmt.Errorf("unknown event type %q", r.Type)
	}
	if r.Finality == "" {
		r.Finality = FinalityNone
	}
	if !ValidFinality(r.Finality) {
		return fmt.Errorf("unknown finality %q", r.Finality)
	}
	if r.Finality != FinalityNone && r.Type != EventTypeMessage && r.Type != EventTypeSystem {
		return fmt.Errorf("finality %q is only valid on message and system events", r.Finality)
	}
	if r.AgentID == "" {
		return fmt.Errorf("agentId is required")
	}
	if len(r.Payload) > MaxPayloadBytes {
		return fmt.Errorf("payload exceeds %d bytes", MaxPayloadBytes)
	}
	if r.Turn != nil && *r.Turn < 0 {
		return fmt.Errorf("turn must be non-negative")
	}
	return ValidatePayload(r.Type, r.Payload)
}
