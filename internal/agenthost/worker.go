package agenthost

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/colloquy/colloquy/internal/common/errors"
	"github.com/colloquy/colloquy/internal/common/logger"
	"github.com/colloquy/colloquy/internal/conversation/models"
	"github.com/colloquy/colloquy/internal/llm"
	"github.com/colloquy/colloquy/internal/orchestrator"
)

const fallbackText = "I wasn't able to finish composing a reply. Passing the turn back."

// worker follows one conversation as one agent.
type worker struct {
	host           *Host
	conversationID int64
	agentID        string
	meta           models.ConversationMeta
	scenario       *models.Scenario
	agent          *models.ScenarioAgent
	cancel         context.CancelFunc
	log            *logger.Logger

	// log replica, maintained from the subscription
	events []*models.Event

	// guidance pointing at this agent with no turn close since
	pendingGuidance bool

	// set when a turn this agent had in flight was aborted or cleared
	aborted bool
}

// run is the worker loop: follow the event stream, act when it is this
// agent's turn, exit on completion or cancellation.
func (w *worker) run(ctx context.Context) {
	sub, err := w.host.orch.Hub().Subscribe(ctx, w.conversationID, 0, true)
	if err != nil {
		w.log.WithError(err).Error("worker failed to subscribe")
		return
	}
	defer sub.Close()

	for {
		// Drain whatever is queued before deciding.
		draining := true
		for draining {
			select {
			case evt, ok := <-sub.Events:
				if !ok {
					w.log.Warn("worker subscription dropped; exiting")
					return
				}
				w.observe(evt)
			default:
				draining = false
			}
		}

		if w.completed() {
			w.log.Info("conversation completed; worker exiting")
			return
		}

		if w.myTurn() {
			w.pendingGuidance = false
			w.aborted = false
			if err := w.takeTurn(ctx, sub.Events); err != nil {
				if ctx.Err() != nil {
					return
				}
				if apperrors.HasCode(err, apperrors.ErrCodeFatal) {
					w.log.WithError(err).Error("worker hit fatal error; exiting")
					return
				}
				w.log.WithError(err).Warn("turn failed")
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events:
			if !ok {
				w.log.Warn("worker subscription dropped; exiting")
				return
			}
			w.observe(evt)
		}
	}
}

// observe folds one event into the worker's view of the conversation.
func (w *worker) observe(evt *models.Event) {
	w.events = append(w.events, evt)

	switch evt.Type {
	case models.EventTypeGuidance:
		if g, err := models.DecodeGuidance(evt); err == nil && g.NextAgentID == w.agentID {
			w.pendingGuidance = true
		}
		return
	case models.EventTypeTrace:
		if t, err := models.DecodeTrace(evt); err == nil {
			if t.Type == models.TraceTurnAborted || t.Type == models.TraceTurnCleared {
				w.aborted = true
			}
		}
	}

	// Any turn close invalidates a pending nomination and any in-flight work.
	if evt.Finality != models.FinalityNone {
		w.pendingGuidance = false
		if evt.AgentID != w.agentID {
			w.aborted = true
		}
	}
}

// completed reports whether a terminal event has been observed.
func (w *worker) completed() bool {
	for i := len(w.events) - 1; i >= 0; i-- {
		if w.events[i].Finality == models.FinalityConversation {
			return true
		}
	}
	return false
}

// lastNonGuidance returns the most recent non-guidance event, or nil.
func (w *worker) lastNonGuidance() *models.Event {
	for i := len(w.events) - 1; i >= 0; i-- {
		if w.events[i].Type != models.EventTypeGuidance {
			return w.events[i]
		}
	}
	return nil
}

// myTurn decides whether this agent should act now.
func (w *worker) myTurn() bool {
	last := w.lastNonGuidance()
	if last == nil {
		return w.meta.StartingAgentID == w.agentID
	}
	if last.Finality == models.FinalityConversation {
		return false
	}
	if last.Finality == models.FinalityTurn && last.AgentID != w.agentID {
		return true
	}
	// Guidance nomination holds until a turn closes, but never barges into
	// another agent's open turn.
	if w.pendingGuidance && !w.hasOpenTurnByOther() {
		return true
	}
	return false
}

func (w *worker) hasOpenTurnByOther() bool {
	last := w.lastNonGuidance()
	if last == nil || last.Finality != models.FinalityNone {
		return false
	}
	if last.Type != models.EventTypeMessage && last.Type != models.EventTypeTrace {
		return false
	}
	return last.AgentID != w.agentID
}

// interrupted drains pending events mid-turn and reports whether the in-flight
// turn was aborted or the conversation ended.
func (w *worker) interrupted(feed <-chan *models.Event) bool {
	for {
		select {
		case evt, ok := <-feed:
			if !ok {
				return true
			}
			// Our own writes come back through the feed; they don't abort us.
			if evt.AgentID == w.agentID {
				w.events = append(w.events, evt)
				continue
			}
			w.observe(evt)
		default:
			return w.aborted || w.completed()
		}
	}
}

// takeTurn composes one turn: a bounded loop of LLM steps, each producing a
// thought, a tool call, or the final message.
func (w *worker) takeTurn(ctx context.Context, feed <-chan *models.Event) error {
	// Scripted opening: send the canned first message verbatim.
	if len(w.events) == 0 && w.agent.MessageToUseWhenInitiatingConversation != "" {
		_, err := w.host.orch.SendMessage(ctx, w.conversationID, &orchestrator.SendMessageRequest{
			AgentID:  w.agentID,
			Text:     w.agent.MessageToUseWhenInitiatingConversation,
			Finality: models.FinalityTurn,
		})
		return err
	}

	for step := 0; step < w.host.cfg.MaxTurnSteps; step++ {
		if w.interrupted(feed) {
			w.log.Info("turn interrupted; abandoning in-flight work")
			return nil
		}

		resp, err := w.generateWithRetry(ctx, w.composePrompt())
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return w.surrenderTurn(ctx, err)
		}

		action, err := parseStep(resp.Content)
		if err != nil {
			w.log.WithError(err).Warn("unparseable llm step; treating as message")
			action = &turnStep{Type: stepMessage, Text: resp.Content, Finality: models.FinalityTurn}
		}

		if w.interrupted(feed) {
			w.log.Info("turn interrupted; abandoning in-flight work")
			return nil
		}

		done, err := w.applyStep(ctx, action)
		if err != nil {
			if apperrors.HasCode(err, apperrors.ErrCodeTurnMismatch) ||
				apperrors.HasCode(err, apperrors.ErrCodeWrongAgent) ||
				apperrors.HasCode(err, apperrors.ErrCodeConversationClosed) {
				// Someone closed or reassigned the turn under us.
				w.log.WithError(err).Info("turn state changed mid-compose; abandoning")
				return nil
			}
			return err
		}
		if done {
			return nil
		}
	}

	// Step budget exhausted; pass the turn with a fallback.
	return w.surrenderTurn(ctx, apperrors.Fatal("turn step budget exhausted", nil))
}

// applyStep executes one parsed LLM action. Returns done=true when the turn
// is closed.
func (w *worker) applyStep(ctx context.Context, action *turnStep) (bool, error) {
	switch action.Type {
	case stepThought:
		evt, err := w.host.orch.PostTrace(ctx, w.conversationID, w.agentID, &models.TracePayload{
			Type:    models.TraceThought,
			Content: action.Text,
		}, nil)
		if err != nil {
			return false, err
		}
		w.events = append(w.events, evt)
		return false, nil

	case stepToolCall:
		return w.applyToolCall(ctx, action)

	default: // message
		finality := action.Finality
		if finality == "" || !models.ValidFinality(finality) {
			finality = models.FinalityTurn
		}
		evt, err := w.host.orch.SendMessage(ctx, w.conversationID, &orchestrator.SendMessageRequest{
			AgentID:  w.agentID,
			Text:     action.Text,
			Finality: finality,
		})
		if err != nil {
			return false, err
		}
		w.events = append(w.events, evt)
		return finality != models.FinalityNone, nil
	}
}

func (w *worker) applyToolCall(ctx context.Context, action *turnStep) (bool, error) {
	tool := w.agent.Tool(action.ToolName)
	callID := uuid.New().String()

	callEvt, err := w.host.orch.PostTrace(ctx, w.conversationID, w.agentID, &models.TracePayload{
		Type:       models.TraceToolCall,
		ToolCallID: callID,
		Name:       action.ToolName,
		Args:       action.Args,
	}, nil)
	if err != nil {
		return false, err
	}
	w.events = append(w.events, callEvt)

	result, synthErr := w.synthesizeToolResult(ctx, tool, action)
	trace := &models.TracePayload{
		Type:       models.TraceToolResult,
		ToolCallID: callID,
		Name:       action.ToolName,
	}
	if synthErr != nil {
		trace.Error = synthErr.Error()
	} else {
		trace.Result = result
	}
	resultEvt, err := w.host.orch.PostTrace(ctx, w.conversationID, w.agentID, trace, nil)
	if err != nil {
		return false, err
	}
	w.events = append(w.events, resultEvt)

	if synthErr != nil {
		// Retries already exhausted inside synthesis; give the turn back.
		return true, w.surrenderTurn(ctx, synthErr)
	}

	if tool != nil && tool.EndsConversation {
		text := "The conversation has concluded."
		if tool.ConversationEndStatus != "" {
			text = "The conversation has concluded (" + tool.ConversationEndStatus + ")."
		}
		evt, err := w.host.orch.SendMessage(ctx, w.conversationID, &orchestrator.SendMessageRequest{
			AgentID:  w.agentID,
			Text:     text,
			Finality: models.FinalityConversation,
		})
		if err != nil {
			return false, err
		}
		w.events = append(w.events, evt)
		return true, nil
	}
	return false, nil
}

// surrenderTurn closes the turn with a fallback message after a failure.
func (w *worker) surrenderTurn(ctx context.Context, cause error) error {
	w.log.WithError(cause).Warn("surrendering turn")
	_, err := w.host.orch.SendMessage(ctx, w.conversationID, &orchestrator.SendMessageRequest{
		AgentID:  w.agentID,
		Text:     fallbackText,
		Finality: models.FinalityTurn,
	})
	return err
}

// generateWithRetry retries transient provider failures with doubling backoff.
func (w *worker) generateWithRetry(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	attempts := w.host.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := time.Duration(w.host.cfg.RetryBackoffMs) * time.Millisecond
	if backoff <= 0 {
		backoff = time.Second
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			w.log.Warn("retrying llm call",
				zap.Int("attempt", attempt+1), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		resp, err := w.host.provider.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !apperrors.IsTransient(err) {
			return nil, err
		}
	}
	return nil, lastErr
}
