// Package events provides event types and utilities for the Colloquy event system.
package events

import "strconv"

// Event types for conversations
const (
	ConversationCreated   = "conversation.created"
	ConversationCompleted = "conversation.completed"
)

// Event types for the per-conversation event log
const (
	ConversationEvent = "conversation.event" // Base subject for log fan-out
)

// Event types for hosted agent workers
const (
	AgentEnsured = "agent.ensured"
	AgentStopped = "agent.stopped"
)

// BuildConversationEventSubject creates a log fan-out subject for a specific conversation.
func BuildConversationEventSubject(conversationID int64) string {
	return ConversationEvent + "." + strconv.FormatInt(conversationID, 10)
}

// BuildConversationEventWildcardSubject creates a wildcard subscription for all
// conversation log events.
func BuildConversationEventWildcardSubject() string {
	return ConversationEvent + ".*"
}
