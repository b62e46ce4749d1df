// Package mcpbridge exposes conversations to external MCP clients. A client
// connects with a base64url configuration token describing the conversation
// template; the bridge lets it act as the template's starting agent while the
// remaining agents run as hosted workers.
package mcpbridge

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/colloquy/colloquy/internal/conversation/models"
)

// Template is the conversation blueprint carried in the config64 token.
// The starting agent is the external one the MCP client speaks as.
type Template struct {
	Title           string             `json:"title,omitempty"`
	ScenarioID      string             `json:"scenarioId,omitempty"`
	Agents          []models.AgentMeta `json:"agents"`
	StartingAgentID string             `json:"startingAgentId"`
}

// ParseTemplate decodes and validates a config64 token.
func ParseTemplate(config64 string) (*Template, error) {
	raw, err := base64.RawURLEncoding.DecodeString(config64)
	if err != nil {
		// Tolerate padded or standard-alphabet tokens.
		if raw, err = base64.URLEncoding.DecodeString(config64); err != nil {
			if raw, err = base64.StdEncoding.DecodeString(config64); err != nil {
				return nil, fmt.Errorf("config token is not valid base64: %w", err)
			}
		}
	}

	var tpl Template
	if err := json.Unmarshal(raw, &tpl); err != nil {
		return nil, fmt.Errorf("config token is not valid JSON: %w", err)
	}
	if len(tpl.Agents) == 0 {
		return nil, fmt.Errorf("config token declares no agents")
	}
	if tpl.StartingAgentID == "" {
		return nil, fmt.Errorf("config token has no startingAgentId")
	}
	found := false
	for _, a := range tpl.Agents {
		if a.ID == tpl.StartingAgentID {
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("startingAgentId %q is not among the declared agents", tpl.StartingAgentID)
	}
	return &tpl, nil
}

// HashToken computes the template discovery stamp: SHA-256 of the raw token,
// base64url without padding. Stored at metadata.custom.bridgeConfig64Hash.
func HashToken(config64 string) string {
	sum := sha256.Sum256([]byte(config64))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// InternalAgentIDs returns the template agents the server hosts itself, i.e.
// everyone except the external starting agent.
func (t *Template) InternalAgentIDs() []string {
	ids := make([]string, 0, len(t.Agents)-1)
	for _, a := range t.Agents {
		if a.ID != t.StartingAgentID {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// Meta builds the conversation metadata for a thread spawned from this
// template, stamped with the token hash.
func (t *Template) Meta(config64 string) models.ConversationMeta {
	return models.ConversationMeta{
		Title:           t.Title,
		ScenarioID:      t.ScenarioID,
		Agents:          t.Agents,
		StartingAgentID: t.StartingAgentID,
		Custom: map[string]interface{}{
			"bridgeConfig64Hash": HashToken(config64),
		},
	}
}
