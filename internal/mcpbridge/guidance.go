package mcpbridge

import (
	"fmt"

	"github.com/colloquy/colloquy/internal/conversation/models"
)

// Bridge-facing conversation states.
const (
	statusInputRequired = "input-required"
	statusWorking       = "working"
	statusCompleted     = "completed"
)

// deriveGuidance maps the latest conversation state onto a status and a
// short human-readable hint for the external client.
func deriveGuidance(snap *models.Snapshot, externalID string) (status, guidance string) {
	if snap.Status == models.StatusCompleted {
		return statusCompleted, "Conversation ended."
	}

	last := lastNonGuidance(snap.Events)
	if last == nil {
		if snap.Metadata.StartingAgentID == externalID {
			return statusInputRequired, "Your turn to begin."
		}
		return statusWorking, fmt.Sprintf("Waiting for %s to open the conversation.", snap.Metadata.StartingAgentID)
	}

	if last.Type == models.EventTypeMessage && last.Finality == models.FinalityTurn {
		if last.AgentID == externalID {
			if next := otherAgent(snap.Metadata, externalID); next != "" {
				return statusWorking, fmt.Sprintf("Waiting for %s to respond.", next)
			}
			return statusWorking, "Waiting for a response."
		}
		return statusInputRequired, fmt.Sprintf("Agent %s finished; your turn.", last.AgentID)
	}

	// System closes behave like the authoring side finishing its turn.
	if last.Finality == models.FinalityTurn {
		return statusInputRequired, "The previous turn was closed; your turn."
	}

	if last.AgentID == externalID {
		return statusWorking, "Your message is being processed."
	}
	return statusWorking, fmt.Sprintf("Agent %s is composing a response.", last.AgentID)
}

func lastNonGuidance(events []*models.Event) *models.Event {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type != models.EventTypeGuidance {
			return events[i]
		}
	}
	return nil
}

// otherAgent picks the first declared agent other than the external one,
// used for "waiting for X" hints in two-party conversations.
func otherAgent(meta models.ConversationMeta, externalID string) string {
	for _, a := range meta.Agents {
		if a.ID != externalID {
			return a.ID
		}
	}
	return ""
}
