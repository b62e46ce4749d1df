package models

import (
	"encoding/json"
	"time"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusActive    ConversationStatus = "active"
	StatusCompleted ConversationStatus = "completed"
)

// AgentMeta describes one named participant in a conversation.
type AgentMeta struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"displayName,omitempty"`
	ModelHint   string          `json:"modelHint,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// ConversationMeta is the conversation's metadata object.
type ConversationMeta struct {
	Title           string                 `json:"title,omitempty"`
	ScenarioID      string                 `json:"scenarioId,omitempty"`
	Agents          []AgentMeta            `json:"agents"`
	StartingAgentID string                 `json:"startingAgentId,omitempty"`
	Custom          map[string]interface{} `json:"custom,omitempty"`
}

// HasAgent reports whether agentID is declared in the metadata.
// The reserved "system" author is always permitted.
func (m *ConversationMeta) HasAgent(agentID string) bool {
	if agentID == AgentSystem {
		return true
	}
	for _, a := range m.Agents {
		if a.ID == agentID {
			return true
		}
	}
	return false
}

// AgentIDs returns the ids of all declared agents.
func (m *ConversationMeta) AgentIDs() []string {
	ids := make([]string, 0, len(m.Agents))
	for _, a := range m.Agents {
		ids = append(ids, a.ID)
	}
	return ids
}

// Conversation is a bounded interaction between named agents, represented as
// an append-only event log.
type Conversation struct {
	ID        int64              `json:"id"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
	Status    ConversationStatus `json:"status"`
	Meta      ConversationMeta   `json:"metadata"`
}

// Snapshot is a consistent read of a conversation and its full log.
type Snapshot struct {
	Conversation  int64              `json:"conversation"`
	Status        ConversationStatus `json:"status"`
	Metadata      ConversationMeta   `json:"metadata"`
	Events        []*Event           `json:"events"`
	LastClosedSeq int64              `json:"lastClosedSeq"`
	Scenario      *Scenario          `json:"scenario,omitempty"`
}

// ListConversationsOptions filters conversation listings.
type ListConversationsOptions struct {
	Limit  int
	Hours  int // only conversations updated within the last N hours; 0 = all
	Status ConversationStatus
}

// RunnerRow is one row of the lifecycle registry: this server intends to host
// agentID in conversationID.
type RunnerRow struct {
	ConversationID int64     `json:"conversationId"`
	AgentID        string    `json:"agentId"`
	StartedAt      time.Time `json:"startedAt"`
}
