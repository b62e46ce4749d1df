package agenthost

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/colloquy/colloquy/internal/conversation/models"
	"github.com/colloquy/colloquy/internal/llm"
)

// synthesizeToolResult produces a tool_result body via a second LLM call.
// Scenario tools have no real backend; the provider plays the tool, steered
// by the tool's synthesisGuidance and the conversation so far.
func (w *worker) synthesizeToolResult(ctx context.Context, tool *models.ScenarioTool, action *turnStep) (json.RawMessage, error) {
	if tool == nil {
		return json.RawMessage(fmt.Sprintf(`{"error":"unknown tool %q"}`, action.ToolName)), nil
	}

	var prompt strings.Builder
	prompt.WriteString("You simulate the backend of a tool in a role-played conversation.\n")
	fmt.Fprintf(&prompt, "Tool: %s\nDescription: %s\n", tool.ToolName, tool.Description)
	if len(tool.InputSchema) > 0 {
		fmt.Fprintf(&prompt, "Input schema: %s\n", string(tool.InputSchema))
	}
	if tool.SynthesisGuidance != "" {
		prompt.WriteString("\nHow to produce results:\n")
		prompt.WriteString(tool.SynthesisGuidance)
		prompt.WriteString("\n")
	}
	prompt.WriteString("\nReturn only the tool's output as a single JSON value.")

	var user strings.Builder
	fmt.Fprintf(&user, "The agent %q called %s with arguments:\n%s\n",
		w.agentID, tool.ToolName, string(action.Args))
	if history := w.renderHistory(); history != "" {
		user.WriteString("\nConversation so far:\n")
		user.WriteString(history)
	}

	resp, err := w.generateWithRetry(ctx, &llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: prompt.String()},
			{Role: "user", Content: user.String()},
		},
	})
	if err != nil {
		return nil, err
	}

	out := strings.TrimSpace(resp.Content)
	out = strings.TrimPrefix(out, "```json")
	out = strings.TrimPrefix(out, "```")
	out = strings.TrimSuffix(out, "```")
	out = strings.TrimSpace(out)

	if json.Valid([]byte(out)) {
		return json.RawMessage(out), nil
	}
	// Non-JSON synthesis output is wrapped as a string result.
	wrapped, err := json.Marshal(map[string]string{"output": out})
	if err != nil {
		return nil, err
	}
	return wrapped, nil
}
