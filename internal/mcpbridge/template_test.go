package mcpbridge

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colloquy/colloquy/internal/conversation/models"
)

func encodeTemplate(t *testing.T, tpl Template) string {
	t.Helper()
	raw, err := json.Marshal(tpl)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func validTemplate() Template {
	return Template{
		Title:      "Support thread",
		ScenarioID: "support",
		Agents: []models.AgentMeta{
			{ID: "customer"},
			{ID: "agent"},
		},
		StartingAgentID: "customer",
	}
}

func TestParseTemplate_RoundTrip(t *testing.T) {
	token := encodeTemplate(t, validTemplate())

	tpl, err := ParseTemplate(token)
	require.NoError(t, err)
	assert.Equal(t, "Support thread", tpl.Title)
	assert.Equal(t, "customer", tpl.StartingAgentID)
	require.Len(t, tpl.Agents, 2)
}

func TestParseTemplate_AcceptsPaddedBase64(t *testing.T) {
	raw, err := json.Marshal(validTemplate())
	require.NoError(t, err)

	_, err = ParseTemplate(base64.URLEncoding.EncodeToString(raw))
	assert.NoError(t, err)
	_, err = ParseTemplate(base64.StdEncoding.EncodeToString(raw))
	assert.NoError(t, err)
}

func TestParseTemplate_Rejections(t *testing.T) {
	_, err := ParseTemplate("not-base64!!!")
	assert.Error(t, err)

	_, err = ParseTemplate(base64.RawURLEncoding.EncodeToString([]byte("not json")))
	assert.Error(t, err)

	empty := validTemplate()
	empty.Agents = nil
	_, err = ParseTemplate(encodeTemplate(t, empty))
	assert.Error(t, err)

	noStarter := validTemplate()
	noStarter.StartingAgentID = ""
	_, err = ParseTemplate(encodeTemplate(t, noStarter))
	assert.Error(t, err)

	ghost := validTemplate()
	ghost.StartingAgentID = "ghost"
	_, err = ParseTemplate(encodeTemplate(t, ghost))
	assert.Error(t, err)
}

func TestHashToken_StableAndURLSafe(t *testing.T) {
	token := encodeTemplate(t, validTemplate())

	first := HashToken(token)
	second := HashToken(token)
	assert.Equal(t, first, second)
	assert.NotEqual(t, first, HashToken(token+"x"))

	// base64url without padding.
	_, err := base64.RawURLEncoding.DecodeString(first)
	assert.NoError(t, err)
}

func TestTemplateMeta_StampsTokenHash(t *testing.T) {
	tpl := validTemplate()
	token := encodeTemplate(t, tpl)

	meta := tpl.Meta(token)
	assert.Equal(t, "customer", meta.StartingAgentID)
	assert.Equal(t, HashToken(token), meta.Custom["bridgeConfig64Hash"])
}

func TestInternalAgentIDs_ExcludesExternal(t *testing.T) {
	tpl := validTemplate()
	assert.Equal(t, []string{"agent"}, tpl.InternalAgentIDs())
}
