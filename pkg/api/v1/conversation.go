// Package v1 defines the wire DTOs shared by the WebSocket and REST gateways.
package v1

import (
	"encoding/json"

	"github.com/colloquy/colloquy/internal/conversation/models"
)

// CreateConversationParams for createConversation
type CreateConversationParams struct {
	Meta models.ConversationMeta `json:"meta"`
}

// CreateConversationResult from createConversation
type CreateConversationResult struct {
	ConversationID int64 `json:"conversationId"`
}

// GetConversationParams for getConversation
type GetConversationParams struct {
	ConversationID  int64 `json:"conversationId"`
	IncludeScenario bool  `json:"includeScenario,omitempty"`
}

// SendMessageParams for sendMessage
type SendMessageParams struct {
	ConversationID int64                 `json:"conversationId"`
	AgentID        string                `json:"agentId"`
	Message        models.MessagePayload `json:"messagePayload"`
	Finality       models.Finality       `json:"finality"`
	Turn           *int                  `json:"turn,omitempty"`
}

// AppendResult is the {seq, turn} pair returned by append operations.
type AppendResult struct {
	Seq  int64 `json:"seq"`
	Turn int   `json:"turn"`
}

// SubscribeParams for subscribe
type SubscribeParams struct {
	ConversationID  int64 `json:"conversationId"`
	SinceSeq        int64 `json:"sinceSeq,omitempty"`
	IncludeGuidance bool  `json:"includeGuidance,omitempty"`
}

// SubscribeResult from subscribe
type SubscribeResult struct {
	SubscriptionID uint64 `json:"subscriptionId"`
}

// UnsubscribeParams for unsubscribe
type UnsubscribeParams struct {
	SubscriptionID uint64 `json:"subscriptionId"`
}

// OKResult is a generic acknowledgement.
type OKResult struct {
	OK bool `json:"ok"`
}

// LifecycleEnsureParams for lifecycle.ensure
type LifecycleEnsureParams struct {
	ConversationID int64    `json:"conversationId"`
	AgentIDs       []string `json:"agentIds"`
}

// EnsuredAgent is one entry of lifecycle.ensure's result.
type EnsuredAgent struct {
	ID string `json:"id"`
}

// LifecycleEnsureResult from lifecycle.ensure
type LifecycleEnsureResult struct {
	Ensured []EnsuredAgent `json:"ensured"`
}

// LifecycleStopParams for lifecycle.stop
type LifecycleStopParams struct {
	ConversationID int64 `json:"conversationId"`
}

// ConversationNotification is the params of a "conversation" push.
type ConversationNotification struct {
	ConversationID int64 `json:"conversationId"`
}

// GenerateRequest is the REST LLM proxy request body.
type GenerateRequest struct {
	Messages    []GenerateMessage `json:"messages"`
	Model       string            `json:"model,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
}

// GenerateMessage is one chat message of the LLM proxy.
type GenerateMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateResponse is the REST LLM proxy response body.
type GenerateResponse struct {
	Content string `json:"content"`
}

// ErrorBody is the REST error envelope.
type ErrorBody struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}
