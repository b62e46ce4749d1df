package models

import (
	"encoding/json"
	"time"
)

// ScenarioMetadata identifies a scenario document.
type ScenarioMetadata struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// ScenarioBody is the shared narrative for all agents in the scenario.
type ScenarioBody struct {
	Background string   `json:"background,omitempty"`
	Challenges []string `json:"challenges,omitempty"`
}

// ScenarioTool declares a synthesized tool available to a scenario agent.
type ScenarioTool struct {
	ToolName              string          `json:"toolName"`
	Description           string          `json:"description,omitempty"`
	InputSchema           json.RawMessage `json:"inputSchema,omitempty"`
	SynthesisGuidance     string          `json:"synthesisGuidance,omitempty"`
	EndsConversation      bool            `json:"endsConversation,omitempty"`
	ConversationEndStatus string          `json:"conversationEndStatus,omitempty"`
}

// ScenarioAgent configures one persona.
type ScenarioAgent struct {
	AgentID       string          `json:"agentId"`
	Principal     json.RawMessage `json:"principal,omitempty"`
	Situation     string          `json:"situation,omitempty"`
	SystemPrompt  string          `json:"systemPrompt,omitempty"`
	Goals         []string        `json:"goals,omitempty"`
	Tools         []ScenarioTool  `json:"tools,omitempty"`
	KnowledgeBase json.RawMessage `json:"knowledgeBase,omitempty"`

	// MessageToUseWhenInitiatingConversation, when set, is sent verbatim as
	// the agent's opening message instead of generating one.
	MessageToUseWhenInitiatingConversation string `json:"messageToUseWhenInitiatingConversation,omitempty"`
}

// Scenario is a versioned configuration describing personas, tools, and
// knowledge for each agent in a conversation. Immutable per version.
type Scenario struct {
	Metadata ScenarioMetadata `json:"metadata"`
	Scenario ScenarioBody     `json:"scenario"`
	Agents   []ScenarioAgent  `json:"agents"`
}

// Agent returns the configuration for agentID, or nil.
func (s *Scenario) Agent(agentID string) *ScenarioAgent {
	for i := range s.Agents {
		if s.Agents[i].AgentID == agentID {
			return &s.Agents[i]
		}
	}
	return nil
}

// Tool returns the named tool of agent, or nil.
func (a *ScenarioAgent) Tool(name string) *ScenarioTool {
	for i := range a.Tools {
		if a.Tools[i].ToolName == name {
			return &a.Tools[i]
		}
	}
	return nil
}

// ScenarioVersion is one stored version of a scenario document.
type ScenarioVersion struct {
	ID            string    `json:"id"`
	ScenarioID    string    `json:"scenarioId"`
	VersionNumber int       `json:"versionNumber"`
	Config        *Scenario `json:"config"`
	CreatedAt     time.Time `json:"createdAt"`
	IsActive      bool      `json:"isActive"`
}
