package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"github.com/colloquy/colloquy/internal/common/logger"
	"github.com/colloquy/colloquy/internal/conversation/models"
	"github.com/colloquy/colloquy/internal/conversation/repository/sqlite"
	"github.com/colloquy/colloquy/internal/db/dialect"
	"github.com/colloquy/colloquy/internal/orchestrator/subscriptions"
	"github.com/colloquy/colloquy/pkg/jsonrpc"
)

func setupClientHub(t *testing.T) (*Client, *subscriptions.Hub) {
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

	return NewClient("test-client", nil, nil, log), subscriptions.NewHub(repo, log)
}

func liveEvent(seq int64) *models.Event {
	return &models.Event{
		Conversation: 1,
		Seq:          seq,
		Turn:         1,
		Type:         models.EventTypeMessage,
		Finality:     models.FinalityNone,
		AgentID:      "alice",
		Ts:           time.Now().UTC(),
		Payload:      json.RawMessage(`{}`),
	}
}

func TestForwarder_DeliversNotification(t *testing.T) {
	client, hub := setupClientHub(t)

	sub, err := hub.Subscribe(context.Background(), 1, 0, false)
	require.NoError(t, err)
	client.addSubscription(sub, jsonrpc.NotificationEvent, func(v interface{}) interface{} { return v })

	hub.Publish(liveEvent(1))

	select {
	case frame := <-client.send:
		assert.Contains(t, string(frame), jsonrpc.NotificationEvent)
	case <-time.After(time.Second):
		t.Fatal("no notification frame enqueued")
	}
	client.closeSubscriptions()
}

func TestForwarder_OverflowEndsSubscription(t *testing.T) {
	client, hub := setupClientHub(t)

	// Saturate the connection's send buffer so the next notification frame
	// has nowhere to go.
	for i := 0; i < cap(client.send); i++ {
		client.send <- []byte(`{}`)
	}

	sub, err := hub.Subscribe(context.Background(), 1, 0, false)
	require.NoError(t, err)
	client.addSubscription(sub, jsonrpc.NotificationEvent, func(v interface{}) interface{} { return v })

	hub.Publish(liveEvent(1))

	// The subscription must be torn down rather than stream with a gap.
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.subs) == 0
	}, time.Second, 10*time.Millisecond)
	client.wg.Wait()

	hub.Publish(liveEvent(2))
	_, open := <-sub.Events
	assert.False(t, open, "feed should be closed after overflow")
}
