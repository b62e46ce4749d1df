// Package lifecycle tracks which agents this server intends to host, and
// re-materializes their workers across restarts.
package lifecycle

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/colloquy/colloquy/internal/common/errors"
	"github.com/colloquy/colloquy/internal/common/logger"
	"github.com/colloquy/colloquy/internal/conversation/models"
	"github.com/colloquy/colloquy/internal/conversation/repository"
	"github.com/colloquy/colloquy/internal/events"
	"github.com/colloquy/colloquy/internal/events/bus"
)

const eventSource = "lifecycle"

// Materializer starts and stops hosted agent workers. Implemented by the
// agent host; nil disables materialization (registry bookkeeping only).
type Materializer interface {
	StartWorker(ctx context.Context, conversationID int64, agentID string) error
	StopWorkers(conversationID int64)
}

// Manager owns the lifecycle registry.
type Manager struct {
	repo         repository.Repository
	materializer Materializer
	eventBus     bus.EventBus
	log          *logger.Logger

	completedSub bus.Subscription
}

// NewManager creates the lifecycle manager.
func NewManager(repo repository.Repository, materializer Materializer, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		repo:         repo,
		materializer: materializer,
		eventBus:     eventBus,
		log:          log,
	}
}

// Start reconciles the registry against conversation state and materializes
// workers for every surviving row. Rows whose conversation completed (or
// vanished) while the server was down are deleted without materialization.
// It then watches for conversation completion to release workers.
func (m *Manager) Start(ctx context.Context) error {
	rows, err := m.repo.ListRunners(ctx)
	if err != nil {
		return err
	}

	byConv := make(map[int64][]string)
	for _, row := range rows {
		byConv[row.ConversationID] = append(byConv[row.ConversationID], row.AgentID)
	}

	for conversationID, agentIDs := range byConv {
		log := m.log.WithConversationID(conversationID)

		conv, err := m.repo.GetConversation(ctx, conversationID)
		if err != nil || conv.Status != models.StatusActive {
			if err != nil && !apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
				return err
			}
			if err := m.repo.DeleteRunners(ctx, conversationID); err != nil {
				return err
			}
			log.Info("pruned registry rows for finished conversation")
			continue
		}

		for _, agentID := range agentIDs {
			if m.materializer == nil {
				continue
			}
			if err := m.materializer.StartWorker(ctx, conversationID, agentID); err != nil {
				log.WithAgentID(agentID).WithError(err).Error("failed to re-materialize worker")
				continue
			}
			log.WithAgentID(agentID).Info("re-materialized worker")
		}
	}

	if m.eventBus != nil {
		sub, err := m.eventBus.Subscribe(events.ConversationCompleted, func(ctx context.Context, evt *bus.Event) error {
			id, ok := conversationIDFromBusEvent(evt)
			if !ok {
				return nil
			}
			return m.Stop(ctx, id)
		})
		if err != nil {
			return err
		}
		m.completedSub = sub
	}
	return nil
}

// Ensure records intent to host the given agents and starts their workers.
// Idempotent: already-running workers are left alone.
func (m *Manager) Ensure(ctx context.Context, conversationID int64, agentIDs []string) error {
	conv, err := m.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Status != models.StatusActive {
		return apperrors.PreconditionFailed("cannot host agents in a completed conversation")
	}
	for _, agentID := range agentIDs {
		if !conv.Meta.HasAgent(agentID) || agentID == models.AgentSystem {
			return apperrors.AgentNotPermitted(agentID)
		}
	}

	if err := m.repo.EnsureRunners(ctx, conversationID, agentIDs); err != nil {
		return err
	}
	for _, agentID := range agentIDs {
		if m.materializer == nil {
			continue
		}
		if err := m.materializer.StartWorker(ctx, conversationID, agentID); err != nil {
			return err
		}
	}

	m.publish(ctx, events.AgentEnsured, conversationID, agentIDs)
	return nil
}

// Stop deletes the registry rows and signals running workers to exit.
func (m *Manager) Stop(ctx context.Context, conversationID int64) error {
	if err := m.repo.DeleteRunners(ctx, conversationID); err != nil {
		return err
	}
	if m.materializer != nil {
		m.materializer.StopWorkers(conversationID)
	}
	m.publish(ctx, events.AgentStopped, conversationID, nil)
	m.log.WithConversationID(conversationID).Info("stopped hosted workers")
	return nil
}

// List returns all registry rows.
func (m *Manager) List(ctx context.Context) ([]*models.RunnerRow, error) {
	return m.repo.ListRunners(ctx)
}

// Close releases the bus subscription.
func (m *Manager) Close() {
	if m.completedSub != nil {
		_ = m.completedSub.Unsubscribe()
	}
}

func (m *Manager) publish(ctx context.Context, subject string, conversationID int64, agentIDs []string) {
	if m.eventBus == nil {
		return
	}
	data := map[string]interface{}{"conversation_id": conversationID}
	if agentIDs != nil {
		data["agent_ids"] = agentIDs
	}
	if err := m.eventBus.Publish(ctx, subject, bus.NewEvent(subject, eventSource, data)); err != nil {
		m.log.WithError(err).Warn("failed to publish lifecycle event", zap.String("subject", subject))
	}
}

func conversationIDFromBusEvent(evt *bus.Event) (int64, bool) {
	raw, ok := evt.Data["conversation_id"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	}
	return 0, false
}
