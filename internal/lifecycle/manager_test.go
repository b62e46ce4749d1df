package lifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/colloquy/colloquy/internal/common/errors"
	"github.com/colloquy/colloquy/internal/common/logger"
	"github.com/colloquy/colloquy/internal/conversation/models"
	"github.com/colloquy/colloquy/internal/conversation/repository/sqlite"
	"github.com/colloquy/colloquy/internal/db/dialect"
	"github.com/colloquy/colloquy/internal/events"
	"github.com/colloquy/colloquy/internal/events/bus"
)

type fakeMaterializer struct {
	mu      sync.Mutex
	started []string
	stopped []int64
}

func (f *fakeMaterializer) StartWorker(ctx context.Context, conversationID int64, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, agentID)
	return nil
}

func (f *fakeMaterializer) StopWorkers(conversationID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, conversationID)
}

func (f *fakeMaterializer) startedAgents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func (f *fakeMaterializer) stoppedConversations() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.stopped...)
}

func setupManager(t *testing.T) (*Manager, *sqlite.Repository, *fakeMaterializer, *bus.MemoryEventBus) {
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

	mat := &fakeMaterializer{}
	memBus := bus.NewMemoryEventBus(log)
	mgr := NewManager(repo, mat, memBus, log)
	t.Cleanup(mgr.Close)
	return mgr, repo, mat, memBus
}

func createConversation(t *testing.T, repo *sqlite.Repository) int64 {
	t.Helper()
	id, err := repo.CreateConversation(context.Background(), models.ConversationMeta{
		Agents:          []models.AgentMeta{{ID: "alice"}, {ID: "bob"}},
		StartingAgentID: "alice",
	})
	require.NoError(t, err)
	return id
}

func TestEnsure_RegistersAndMaterializes(t *testing.T) {
	mgr, repo, mat, _ := setupManager(t)
	ctx := context.Background()
	id := createConversation(t, repo)

	require.NoError(t, mgr.Ensure(ctx, id, []string{"alice", "bob"}))
	assert.ElementsMatch(t, []string{"alice", "bob"}, mat.startedAgents())

	rows, err := mgr.List(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestEnsure_RejectsUndeclaredAgent(t *testing.T) {
	mgr, repo, _, _ := setupManager(t)
	id := createConversation(t, repo)

	err := mgr.Ensure(context.Background(), id, []string{"mallory"})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAgentNotPermitted))
}

func TestEnsure_RejectsSystemAgent(t *testing.T) {
	mgr, repo, _, _ := setupManager(t)
	id := createConversation(t, repo)

	err := mgr.Ensure(context.Background(), id, []string{"system"})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAgentNotPermitted))
}

func TestEnsure_RejectsCompletedConversation(t *testing.T) {
	mgr, repo, _, _ := setupManager(t)
	ctx := context.Background()
	id := createConversation(t, repo)

	payload, _ := json.Marshal(models.SystemPayload{Kind: "done"})
	_, err := repo.AppendEvent(ctx, id, &models.AppendRequest{
		Type:     models.EventTypeSystem,
		Finality: models.FinalityConversation,
		AgentID:  models.AgentSystem,
		Payload:  payload,
	})
	require.NoError(t, err)

	err = mgr.Ensure(ctx, id, []string{"alice"})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodePreconditionFailed))
}

func TestStart_RematerializesActiveAndPrunesCompleted(t *testing.T) {
	mgr, repo, mat, _ := setupManager(t)
	ctx := context.Background()

	active := createConversation(t, repo)
	finished := createConversation(t, repo)

	require.NoError(t, repo.EnsureRunners(ctx, active, []string{"alice", "bob"}))
	require.NoError(t, repo.EnsureRunners(ctx, finished, []string{"alice"}))

	payload, _ := json.Marshal(models.SystemPayload{Kind: "done"})
	_, err := repo.AppendEvent(ctx, finished, &models.AppendRequest{
		Type:     models.EventTypeSystem,
		Finality: models.FinalityConversation,
		AgentID:  models.AgentSystem,
		Payload:  payload,
	})
	require.NoError(t, err)

	require.NoError(t, mgr.Start(ctx))

	// Only the active conversation's agents come back up.
	assert.ElementsMatch(t, []string{"alice", "bob"}, mat.startedAgents())

	rows, err := mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, active, row.ConversationID)
	}
}

func TestStop_ClearsRegistryAndWorkers(t *testing.T) {
	mgr, repo, mat, _ := setupManager(t)
	ctx := context.Background()
	id := createConversation(t, repo)

	require.NoError(t, mgr.Ensure(ctx, id, []string{"alice"}))
	require.NoError(t, mgr.Stop(ctx, id))

	assert.Equal(t, []int64{id}, mat.stoppedConversations())
	rows, err := mgr.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestConversationCompletedReleasesWorkers(t *testing.T) {
	mgr, repo, mat, memBus := setupManager(t)
	ctx := context.Background()
	id := createConversation(t, repo)

	require.NoError(t, mgr.Start(ctx))
	require.NoError(t, mgr.Ensure(ctx, id, []string{"alice"}))

	evt := bus.NewEvent(events.ConversationCompleted, "test", map[string]interface{}{
		"conversation_id": id,
	})
	require.NoError(t, memBus.Publish(ctx, events.ConversationCompleted, evt))

	require.Eventually(t, func() bool {
		return len(mat.stoppedConversations()) == 1
	}, time.Second, 10*time.Millisecond)

	rows, err := mgr.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
