// Package repository defines the persistence interfaces for conversations,
// events, attachments, scenarios, and the runner registry.
package repository

import (
	"context"

	"github.com/colloquy/colloquy/internal/conversation/models"
)

// Conversations manages conversation rows.
type Conversations interface {
	CreateConversation(ctx context.Context, meta models.ConversationMeta) (int64, error)
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	ListConversations(ctx context.Context, opts models.ListConversationsOptions) ([]*models.Conversation, error)
}

// Events is the append-only event store for a conversation.
//
// AppendEvent validates the turn/finality invariants against the current
// head, assigns the next seq, persists the event, and updates the head
// bookkeeping in the same transaction. Callers serialize appends per
// conversation; the store never interleaves two appends to one conversation.
type Events interface {
	AppendEvent(ctx context.Context, conversationID int64, req *models.AppendRequest) (*models.Event, error)
	Head(ctx context.Context, conversationID int64) (*models.Head, error)
	GetEventsPage(ctx context.Context, conversationID, sinceSeq int64, limit int) ([]*models.Event, error)
	GetEventsSince(ctx context.Context, conversationID, sinceSeq int64) ([]*models.Event, error)
}

// Attachments stores immutable blobs referenced from message payloads.
type Attachments interface {
	PutAttachment(ctx context.Context, att *models.Attachment) (string, error)
	GetAttachment(ctx context.Context, id string) (*models.Attachment, error)
}

// Scenarios stores versioned scenario documents.
type Scenarios interface {
	InsertScenario(ctx context.Context, sc *models.Scenario) error
	GetActiveScenario(ctx context.Context, id string) (*models.Scenario, error)
	ListScenarios(ctx context.Context) ([]*models.Scenario, error)
	UpdateScenario(ctx context.Context, id string, sc *models.Scenario) error
	DeleteScenario(ctx context.Context, id string) error
}

// Runners is the persistent lifecycle registry: which agents this server
// intends to host, per conversation.
type Runners interface {
	EnsureRunners(ctx context.Context, conversationID int64, agentIDs []string) error
	DeleteRunners(ctx context.Context, conversationID int64) error
	ListRunners(ctx context.Context) ([]*models.RunnerRow, error)
}

// Repository aggregates all stores behind a single implementation.
type Repository interface {
	Conversations
	Events
	Attachments
	Scenarios
	Runners
	Close() error
}
