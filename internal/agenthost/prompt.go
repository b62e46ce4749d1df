package agenthost

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/colloquy/colloquy/internal/conversation/models"
	"github.com/colloquy/colloquy/internal/llm"
)

// step kinds parsed from LLM output.
const (
	stepThought  = "thought"
	stepToolCall = "tool_call"
	stepMessage  = "message"
)

// turnStep is one parsed LLM action.
type turnStep struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Content  string          `json:"content,omitempty"`
	ToolName string          `json:"name,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Finality models.Finality `json:"finality,omitempty"`
}

// parseStep decodes an LLM response into an action. Responses may be wrapped
// in a markdown code fence; anything undecodable is handled by the caller.
func parseStep(raw string) (*turnStep, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var s turnStep
	if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
		return nil, fmt.Errorf("decode llm step: %w", err)
	}
	switch s.Type {
	case stepThought:
		if s.Text == "" {
			s.Text = s.Content
		}
	case stepToolCall:
		if s.ToolName == "" {
			return nil, fmt.Errorf("tool_call step without a tool name")
		}
	case stepMessage:
	default:
		return nil, fmt.Errorf("unknown step type %q", s.Type)
	}
	return &s, nil
}

// composePrompt builds the generation request for the next step of a turn.
func (w *worker) composePrompt() *llm.Request {
	var system strings.Builder

	fmt.Fprintf(&system, "You are %q, one agent in a multi-party conversation.\n", w.agentID)
	if w.agent.SystemPrompt != "" {
		system.WriteString(w.agent.SystemPrompt)
		system.WriteString("\n")
	}
	if w.scenario.Scenario.Background != "" {
		system.WriteString("\nBackground:\n")
		system.WriteString(w.scenario.Scenario.Background)
		system.WriteString("\n")
	}
	if w.agent.Situation != "" {
		system.WriteString("\nYour situation:\n")
		system.WriteString(w.agent.Situation)
		system.WriteString("\n")
	}
	if len(w.agent.Goals) > 0 {
		system.WriteString("\nYour goals:\n")
		for _, g := range w.agent.Goals {
			system.WriteString("- " + g + "\n")
		}
	}
	if len(w.agent.KnowledgeBase) > 0 {
		system.WriteString("\nYour knowledge base:\n")
		system.Write(w.agent.KnowledgeBase)
		system.WriteString("\n")
	}
	if len(w.agent.Tools) > 0 {
		system.WriteString("\nTools available to you:\n")
		for _, t := range w.agent.Tools {
			fmt.Fprintf(&system, "- %s: %s\n", t.ToolName, t.Description)
			if len(t.InputSchema) > 0 {
				fmt.Fprintf(&system, "  input schema: %s\n", string(t.InputSchema))
			}
		}
	}

	system.WriteString(`
Respond with exactly one JSON object, no prose around it:
  {"type":"thought","content":"<private reasoning>"}
  {"type":"tool_call","name":"<tool>","args":{...}}
  {"type":"message","text":"<your reply>","finality":"none|turn|conversation"}
Use "finality":"turn" when you are done with your turn. Use thoughts and
tool calls sparingly before your message.`)

	req := &llm.Request{
		Messages: []llm.Message{{Role: "system", Content: system.String()}},
	}

	// Declared model hint, when present, overrides the provider default.
	for _, a := range w.meta.Agents {
		if a.ID == w.agentID && a.ModelHint != "" {
			req.Model = a.ModelHint
		}
	}

	if history := w.renderHistory(); history != "" {
		req.Messages = append(req.Messages, llm.Message{Role: "user", Content: history})
	} else {
		req.Messages = append(req.Messages, llm.Message{
			Role:    "user",
			Content: "The conversation has no messages yet. Open it in character.",
		})
	}
	return req
}

// renderHistory flattens the event log into a readable transcript. Guidance
// and other agents' traces are omitted; this agent's own traces are kept so
// multi-step tool use can see prior results.
func (w *worker) renderHistory() string {
	var b strings.Builder
	for _, evt := range w.events {
		switch evt.Type {
		case models.EventTypeMessage:
			p, err := models.DecodeMessage(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(&b, "[%s] %s\n", evt.AgentID, p.Text)
			for _, att := range p.Attachments {
				fmt.Fprintf(&b, "[%s] (attachment: %s", evt.AgentID, att.Name)
				if att.Summary != "" {
					fmt.Fprintf(&b, ": %s", att.Summary)
				}
				b.WriteString(")\n")
			}
		case models.EventTypeTrace:
			if evt.AgentID != w.agentID {
				continue
			}
			p, err := models.DecodeTrace(evt)
			if err != nil {
				continue
			}
			switch p.Type {
			case models.TraceThought:
				fmt.Fprintf(&b, "[you, thinking] %s\n", p.Content)
			case models.TraceToolCall:
				fmt.Fprintf(&b, "[you, tool call] %s(%s)\n", p.Name, string(p.Args))
			case models.TraceToolResult:
				if p.Error != "" {
					fmt.Fprintf(&b, "[tool result] error: %s\n", p.Error)
				} else {
					fmt.Fprintf(&b, "[tool result] %s\n", string(p.Result))
				}
			}
		case models.EventTypeSystem:
			p, err := models.DecodeSystem(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(&b, "[system] %s\n", p.Kind)
		}
	}
	return strings.TrimSpace(b.String())
}
