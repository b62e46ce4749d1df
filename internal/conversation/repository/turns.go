package repository

import (
	apperrors "github.com/colloquy/colloquy/internal/common/errors"
	"github.com/colloquy/colloquy/internal/conversation/models"
)

// ResolveTurn decides which turn an append lands on, given the current head.
//
// Rules:
//   - guidance events always land on turn 0.
//   - system events default to turn 0; an explicit positive turn must match
//     the open turn or lastTurn+1 (used to close a turn out-of-band).
//   - message/trace events default to the open turn, or lastTurn+1 when no
//     turn is open; an explicit turn must match that same value.
func ResolveTurn(conversationID int64, head *models.Head, req *models.AppendRequest) (int, error) {
	if head.Status == models.StatusCompleted {
		return 0, apperrors.ConversationClosed(conversationID)
	}

	nextTurn := head.LastTurn + 1
	current := nextTurn
	if head.HasOpenTurn {
		current = head.OpenTurn
	}

	switch req.Type {
	case models.EventTypeGuidance:
		if req.Turn != nil && *req.Turn != 0 {
			return 0, apperrors.TurnMismatch(*req.Turn, 0)
		}
		return 0, nil

	case models.EventTypeSystem:
		if req.Turn == nil {
			return 0, nil
		}
		if *req.Turn == 0 {
			return 0, nil
		}
		if *req.Turn != current {
			return 0, apperrors.TurnMismatch(*req.Turn, current)
		}
		return current, nil

	default: // message, trace
		if req.Turn == nil {
			return current, nil
		}
		if *req.Turn != current {
			return 0, apperrors.TurnMismatch(*req.Turn, current)
		}
		return current, nil
	}
}

// ApplyToHead computes the head bookkeeping after an event lands on turn.
// The returned head is a fresh value; the caller persists it.
func ApplyToHead(head *models.Head, evt *models.Event) models.Head {
	next := *head
	next.LastSeq = evt.Seq

	if evt.Turn > 0 && evt.Turn > next.LastTurn {
		next.LastTurn = evt.Turn
	}

	switch evt.Finality {
	case models.FinalityNone:
		// A message or trace on a positive turn opens it if nothing is open.
		if evt.Turn > 0 && !next.HasOpenTurn &&
			(evt.Type == models.EventTypeMessage || evt.Type == models.EventTypeTrace) {
			next.HasOpenTurn = true
			next.OpenTurn = evt.Turn
			next.OpenTurnAgent = evt.AgentID
		}
	case models.FinalityTurn:
		// Turn-0 system notes never close a real turn.
		if evt.Turn > 0 {
			next.HasOpenTurn = false
			next.OpenTurn = 0
			next.OpenTurnAgent = ""
			next.LastClosedSeq = evt.Seq
		}
	case models.FinalityConversation:
		next.HasOpenTurn = false
		next.OpenTurn = 0
		next.OpenTurnAgent = ""
		next.LastClosedSeq = evt.Seq
		next.Status = models.StatusCompleted
	}

	return next
}
