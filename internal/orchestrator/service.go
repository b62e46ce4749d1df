// Package orchestrator owns the conversation write path: permission checks,
// turn ownership, event appends, and fan-out to subscribers and the event bus.
package orchestrator

import (
	"context"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/colloquy/colloquy/internal/common/errors"
	"github.com/colloquy/colloquy/internal/common/logger"
	"github.com/colloquy/colloquy/internal/conversation/models"
	"github.com/colloquy/colloquy/internal/conversation/repository"
	"github.com/colloquy/colloquy/internal/events"
	"github.com/colloquy/colloquy/internal/events/bus"
	"github.com/colloquy/colloquy/internal/orchestrator/subscriptions"
)

const eventSource = "orchestrator"

// lockShards stripes the per-conversation append mutex. Appends to the same
// conversation serialize; appends to different conversations mostly don't.
const lockShards = 64

// Service coordinates all writes to conversation logs.
type Service struct {
	repo     repository.Repository
	hub      *subscriptions.Hub
	eventBus bus.EventBus
	log      *logger.Logger

	locks [lockShards]sync.Mutex
}

// NewService creates the orchestrator.
func NewService(repo repository.Repository, hub *subscriptions.Hub, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		repo:     repo,
		hub:      hub,
		eventBus: eventBus,
		log:      log,
	}
}

func (s *Service) lockFor(conversationID int64) *sync.Mutex {
	h := fnv.New32a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(conversationID >> (8 * i))
	}
	h.Write(buf[:])
	return &s.locks[h.Sum32()%lockShards]
}

// Hub exposes the subscription hub for gateways.
func (s *Service) Hub() *subscriptions.Hub {
	return s.hub
}

// CreateConversation creates a new conversation and announces it on the bus.
func (s *Service) CreateConversation(ctx context.Context, meta models.ConversationMeta) (*models.Conversation, error) {
	if meta.ScenarioID != "" {
		if _, err := s.repo.GetActiveScenario(ctx, meta.ScenarioID); err != nil {
			return nil, err
		}
	}

	id, err := s.repo.CreateConversation(ctx, meta)
	if err != nil {
		return nil, err
	}
	conv, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}

	s.publishBus(ctx, events.ConversationCreated, map[string]interface{}{
		"conversation_id": id,
		"agent_ids":       meta.AgentIDs(),
	})
	s.log.WithConversationID(id).Info("conversation created",
		zap.Int("agents", len(meta.Agents)))
	return conv, nil
}

// GetConversation returns the conversation row.
func (s *Service) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	return s.repo.GetConversation(ctx, id)
}

// ListConversations lists conversations with optional filters.
func (s *Service) ListConversations(ctx context.Context, opts models.ListConversationsOptions) ([]*models.Conversation, error) {
	return s.repo.ListConversations(ctx, opts)
}

// GetSnapshot returns the conversation, its full event log, and the resolved
// scenario in one consistent read.
func (s *Service) GetSnapshot(ctx context.Context, id int64) (*models.Snapshot, error) {
	conv, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	evts, err := s.repo.GetEventsSince(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	head, err := s.repo.Head(ctx, id)
	if err != nil {
		return nil, err
	}

	snap := &models.Snapshot{
		Conversation:  id,
		Status:        conv.Status,
		Metadata:      conv.Meta,
		Events:        evts,
		LastClosedSeq: head.LastClosedSeq,
	}
	if conv.Meta.ScenarioID != "" {
		sc, err := s.repo.GetActiveScenario(ctx, conv.Meta.ScenarioID)
		if err == nil {
			snap.Scenario = sc
		} else if !apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
			return nil, err
		}
	}
	return snap, nil
}

// GetEventsPage pages through a conversation's log.
func (s *Service) GetEventsPage(ctx context.Context, id, sinceSeq int64, limit int) ([]*models.Event, error) {
	if _, err := s.repo.GetConversation(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.GetEventsPage(ctx, id, sinceSeq, limit)
}

// SendMessageRequest is one message append.
type SendMessageRequest struct {
	AgentID     string
	Text        string
	Finality    models.Finality
	Turn        *int
	Attachments []*models.Attachment
}

// SendMessage appends a message event. Attachment bytes are stored first and
// the payload carries only references.
func (s *Service) SendMessage(ctx context.Context, conversationID int64, req *SendMessageRequest) (*models.Event, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.Meta.HasAgent(req.AgentID) {
		return nil, apperrors.AgentNotPermitted(req.AgentID)
	}

	payload := models.MessagePayload{Text: req.Text}
	for _, att := range req.Attachments {
		if _, err := s.repo.PutAttachment(ctx, att); err != nil {
			return nil, err
		}
		payload.Attachments = append(payload.Attachments, att.Ref())
	}

	return s.append(ctx, conversationID, &models.AppendRequest{
		Type:     models.EventTypeMessage,
		Finality: req.Finality,
		AgentID:  req.AgentID,
		Turn:     req.Turn,
		Payload:  models.MustMarshal(payload),
	})
}

// PostTrace appends a trace event. An open turn must be owned by agentID;
// with no turn open, the trace opens the next turn for agentID. Targeting an
// explicit turn requires that turn to already be open.
func (s *Service) PostTrace(ctx context.Context, conversationID int64, agentID string, trace *models.TracePayload, turn *int) (*models.Event, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.Meta.HasAgent(agentID) {
		return nil, apperrors.AgentNotPermitted(agentID)
	}

	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	head, err := s.repo.Head(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if head.Status == models.StatusCompleted {
		return nil, apperrors.ConversationClosed(conversationID)
	}
	if head.HasOpenTurn {
		if head.OpenTurnAgent != agentID {
			return nil, apperrors.WrongAgent(agentID, head.OpenTurnAgent)
		}
	} else if turn != nil {
		return nil, apperrors.NoOpenTurn(conversationID)
	}

	return s.appendLocked(ctx, conversationID, &models.AppendRequest{
		Type:    models.EventTypeTrace,
		AgentID: agentID,
		Turn:    turn,
		Payload: models.MustMarshal(trace),
	})
}

// PostSystem appends a system event.
func (s *Service) PostSystem(ctx context.Context, conversationID int64, payload *models.SystemPayload, finality models.Finality, turn *int) (*models.Event, error) {
	return s.append(ctx, conversationID, &models.AppendRequest{
		Type:     models.EventTypeSystem,
		Finality: finality,
		AgentID:  models.AgentSystem,
		Turn:     turn,
		Payload:  models.MustMarshal(payload),
	})
}

// PostGuidance appends a guidance event on turn 0. Guidance never changes
// turn state and is invisible to lastClosedSeq.
func (s *Service) PostGuidance(ctx context.Context, conversationID int64, guidance *models.GuidancePayload) (*models.Event, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.Meta.HasAgent(guidance.NextAgentID) {
		return nil, apperrors.AgentNotPermitted(guidance.NextAgentID)
	}

	return s.append(ctx, conversationID, &models.AppendRequest{
		Type:    models.EventTypeGuidance,
		AgentID: models.AgentSystem,
		Payload: models.MustMarshal(guidance),
	})
}

// CancelTurn aborts the open turn: a turn_aborted trace followed by a system
// event with finality=turn closing it. With no turn open, a closing system
// event lands on the next turn so late writes from the aborted agent are
// rejected with a turn mismatch.
func (s *Service) CancelTurn(ctx context.Context, conversationID int64, reason string) (*models.Event, error) {
	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	head, err := s.repo.Head(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if head.Status == models.StatusCompleted {
		return nil, apperrors.ConversationClosed(conversationID)
	}

	turn := head.LastTurn + 1
	if head.HasOpenTurn {
		turn = head.OpenTurn
		if _, err := s.appendLocked(ctx, conversationID, &models.AppendRequest{
			Type:    models.EventTypeTrace,
			AgentID: models.AgentSystem,
			Turn:    &turn,
			Payload: models.MustMarshal(&models.TracePayload{
				Type:   models.TraceTurnAborted,
				Reason: reason,
			}),
		}); err != nil {
			return nil, err
		}
	}

	evt, err := s.appendLocked(ctx, conversationID, &models.AppendRequest{
		Type:     models.EventTypeSystem,
		Finality: models.FinalityTurn,
		AgentID:  models.AgentSystem,
		Turn:     &turn,
		Payload: models.MustMarshal(&models.SystemPayload{
			Kind: models.TraceTurnAborted,
			Data: models.MustMarshal(map[string]string{"reason": reason}),
		}),
	})
	if err != nil {
		return nil, err
	}
	s.log.WithConversationID(conversationID).Info("turn cancelled",
		zap.Int("turn", turn), zap.String("reason", reason))
	return evt, nil
}

// CancelConversation terminates the conversation: a turn_aborted trace when a
// turn is open, then a terminal system event placed on the correct turn
// (the open turn, or lastTurn+1 when the last real turn is already closed).
func (s *Service) CancelConversation(ctx context.Context, conversationID int64, reason string) (*models.Event, error) {
	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	head, err := s.repo.Head(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if head.Status == models.StatusCompleted {
		return nil, apperrors.ConversationClosed(conversationID)
	}

	turn := head.LastTurn + 1
	if head.HasOpenTurn {
		turn = head.OpenTurn
		if _, err := s.appendLocked(ctx, conversationID, &models.AppendRequest{
			Type:    models.EventTypeTrace,
			AgentID: models.AgentSystem,
			Turn:    &turn,
			Payload: models.MustMarshal(&models.TracePayload{
				Type:   models.TraceTurnAborted,
				Reason: reason,
			}),
		}); err != nil {
			return nil, err
		}
	}

	evt, err := s.appendLocked(ctx, conversationID, &models.AppendRequest{
		Type:     models.EventTypeSystem,
		Finality: models.FinalityConversation,
		AgentID:  models.AgentSystem,
		Turn:     &turn,
		Payload: models.MustMarshal(&models.SystemPayload{
			Kind: "conversation_cancelled",
			Data: models.MustMarshal(map[string]string{"reason": reason}),
		}),
	})
	if err != nil {
		return nil, err
	}
	s.log.WithConversationID(conversationID).Info("conversation cancelled",
		zap.String("reason", reason))
	return evt, nil
}

// GetAttachment fetches stored attachment bytes.
func (s *Service) GetAttachment(ctx context.Context, id string) (*models.Attachment, error) {
	return s.repo.GetAttachment(ctx, id)
}

// append takes the conversation's shard lock and appends.
func (s *Service) append(ctx context.Context, conversationID int64, req *models.AppendRequest) (*models.Event, error) {
	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()
	return s.appendLocked(ctx, conversationID, req)
}

// appendLocked appends to the store and fans out. Callers hold the shard
// lock, so hub delivery happens in seq order.
func (s *Service) appendLocked(ctx context.Context, conversationID int64, req *models.AppendRequest) (*models.Event, error) {
	evt, err := s.repo.AppendEvent(ctx, conversationID, req)
	if err != nil {
		return nil, err
	}

	s.hub.Publish(evt)
	s.publishBus(ctx, events.BuildConversationEventSubject(conversationID), map[string]interface{}{
		"conversation_id": conversationID,
		"seq":             evt.Seq,
		"turn":            evt.Turn,
		"type":            string(evt.Type),
		"finality":        string(evt.Finality),
		"agent_id":        evt.AgentID,
	})
	if evt.Finality == models.FinalityConversation {
		s.publishBus(ctx, events.ConversationCompleted, map[string]interface{}{
			"conversation_id": conversationID,
			"last_seq":        evt.Seq,
		})
	}
	return evt, nil
}

func (s *Service) publishBus(ctx context.Context, subject string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	evt := bus.NewEvent(subject, eventSource, data)
	if err := s.eventBus.Publish(ctx, subject, evt); err != nil {
		s.log.WithError(err).Warn("failed to publish bus event", zap.String("subject", subject))
	}
}
