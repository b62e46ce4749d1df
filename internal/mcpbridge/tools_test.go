package mcpbridge

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"github.com/colloquy/colloquy/internal/common/config"
	"github.com/colloquy/colloquy/internal/common/logger"
	"github.com/colloquy/colloquy/internal/conversation/models"
	"github.com/colloquy/colloquy/internal/conversation/repository/sqlite"
	"github.com/colloquy/colloquy/internal/db/dialect"
	"github.com/colloquy/colloquy/internal/orchestrator"
	"github.com/colloquy/colloquy/internal/orchestrator/subscriptions"
)

func setupBridge(t *testing.T) (*Bridge, *orchestrator.Service) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)

	handle, err := sqlx.Open(dialect.SQLite3, ":memory:")
	require.NoError(t, err)
	handle.SetMaxOpenConns(1)
	t.Cleanup(func() { handle.Close() })

	repo, err := sqlite.NewWithDB(handle, handle)
	require.NoError(t, err)

	hub := subscriptions.NewHub(repo, log)
	orch := orchestrator.NewService(repo, hub, nil, log)

	bridge := New(orch, nil, config.BridgeConfig{
		Enabled:       true,
		DefaultWaitMs: 100,
		MaxReplies:    200,
	}, log)
	return bridge, orch
}

func bridgeConversation(t *testing.T, orch *orchestrator.Service) int64 {
	t.Helper()
	conv, err := orch.CreateConversation(context.Background(), models.ConversationMeta{
		Agents:          []models.AgentMeta{{ID: "customer"}, {ID: "agent"}},
		StartingAgentID: "customer",
	})
	require.NoError(t, err)
	return conv.ID
}

func TestExternalBoundary(t *testing.T) {
	events := []*models.Event{
		bridgeEvent(1, models.EventTypeMessage, "customer", models.FinalityTurn),
		bridgeEvent(2, models.EventTypeMessage, "agent", models.FinalityTurn),
		bridgeEvent(3, models.EventTypeMessage, "customer", models.FinalityTurn),
		bridgeEvent(4, models.EventTypeTrace, "customer", models.FinalityNone),
	}

	// The boundary is the external agent's last message, not its last event.
	assert.Equal(t, int64(3), externalBoundary(events, "customer"))
	assert.Equal(t, int64(0), externalBoundary(nil, "customer"))
}

func TestCollectReplies_StrictlyAfterBoundary(t *testing.T) {
	bridge, orch := setupBridge(t)
	ctx := context.Background()
	id := bridgeConversation(t, orch)

	send := func(agentID, text string) {
		_, err := orch.SendMessage(ctx, id, &orchestrator.SendMessageRequest{
			AgentID: agentID, Text: text, Finality: models.FinalityTurn,
		})
		require.NoError(t, err)
	}
	send("customer", "first question")
	send("agent", "first answer")
	send("customer", "second question")
	send("agent", "second answer")

	snap, err := orch.GetSnapshot(ctx, id)
	require.NoError(t, err)

	boundary := externalBoundary(snap.Events, "customer")
	replies := bridge.collectReplies(ctx, snap.Events, "customer", boundary, 200)

	// Only the answer after the customer's latest message is returned.
	require.Len(t, replies, 1)
	assert.Equal(t, "agent", replies[0].From)
	assert.Equal(t, "second answer", replies[0].Text)
}

func TestCollectReplies_InlinesAttachments(t *testing.T) {
	bridge, orch := setupBridge(t)
	ctx := context.Background()
	id := bridgeConversation(t, orch)

	_, err := orch.SendMessage(ctx, id, &orchestrator.SendMessageRequest{
		AgentID: "customer", Text: "hello", Finality: models.FinalityTurn,
	})
	require.NoError(t, err)

	_, err = orch.SendMessage(ctx, id, &orchestrator.SendMessageRequest{
		AgentID:  "agent",
		Text:     "see the attached report",
		Finality: models.FinalityTurn,
		Attachments: []*models.Attachment{
			{Name: "report.txt", ContentType: "text/plain", Content: []byte("all good"), Summary: "summary"},
		},
	})
	require.NoError(t, err)

	snap, err := orch.GetSnapshot(ctx, id)
	require.NoError(t, err)

	boundary := externalBoundary(snap.Events, "customer")
	replies := bridge.collectReplies(ctx, snap.Events, "customer", boundary, 200)
	require.Len(t, replies, 1)
	require.Len(t, replies[0].Attachments, 1)

	att := replies[0].Attachments[0]
	assert.Equal(t, "report.txt", att.Name)
	assert.Equal(t, "all good", att.Content)
	assert.Equal(t, "summary", att.Summary)
}

func TestCollectReplies_RespectsMax(t *testing.T) {
	bridge, orch := setupBridge(t)
	ctx := context.Background()
	id := bridgeConversation(t, orch)

	for i := 0; i < 5; i++ {
		_, err := orch.SendMessage(ctx, id, &orchestrator.SendMessageRequest{
			AgentID: "agent", Text: "update", Finality: models.FinalityTurn,
		})
		require.NoError(t, err)
	}

	snap, err := orch.GetSnapshot(ctx, id)
	require.NoError(t, err)

	replies := bridge.collectReplies(ctx, snap.Events, "customer", 0, 2)
	assert.Len(t, replies, 2)
}

func TestInlineContent(t *testing.T) {
	assert.Equal(t, "plain text", inlineContent([]byte("plain text")))

	binary := []byte{0xff, 0xfe, 0x00, 0x01}
	assert.Equal(t, base64.StdEncoding.EncodeToString(binary), inlineContent(binary))
}

func TestDecodeContent(t *testing.T) {
	// Text content types are stored verbatim, even if they look like base64.
	assert.Equal(t, []byte("aGVsbG8="), decodeContent("aGVsbG8=", "text/plain"))
	assert.Equal(t, []byte(`{"a":1}`), decodeContent(`{"a":1}`, "application/json"))

	// Binary content types round-trip through base64.
	assert.Equal(t, []byte("hello"), decodeContent("aGVsbG8=", "application/pdf"))

	// Undecodable binary content falls back to raw bytes.
	assert.Equal(t, []byte("not base64!"), decodeContent("not base64!", "application/pdf"))
}

func TestServerFor_CachesPerToken(t *testing.T) {
	bridge, _ := setupBridge(t)

	token := encodeTemplate(t, validTemplate())
	first, err := bridge.serverFor(token)
	require.NoError(t, err)
	second, err := bridge.serverFor(token)
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = bridge.serverFor("%%%invalid%%%")
	assert.Error(t, err)
}
