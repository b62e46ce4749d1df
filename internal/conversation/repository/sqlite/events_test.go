package sqlite

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/colloquy/colloquy/internal/common/errors"
	"github.com/colloquy/colloquy/internal/conversation/models"
	"github.com/colloquy/colloquy/internal/db/dialect"
)

func setupRepo(t *testing.T) *Repository {
	t.Helper()
	handle, err := sqlx.Open(dialect.SQLite3, ":memory:")
	require.NoError(t, err)
	handle.SetMaxOpenConns(1)
	t.Cleanup(func() { handle.Close() })

	repo, err := NewWithDB(handle, handle)
	require.NoError(t, err)
	return repo
}

func createTestConversation(t *testing.T, repo *Repository, agentIDs ...string) int64 {
	t.Helper()
	if len(agentIDs) == 0 {
		agentIDs = []string{"alice", "bob"}
	}
	meta := models.ConversationMeta{StartingAgentID: agentIDs[0]}
	for _, id := range agentIDs {
		meta.Agents = append(meta.Agents, models.AgentMeta{ID: id})
	}
	id, err := repo.CreateConversation(context.Background(), meta)
	require.NoError(t, err)
	return id
}

func messageReq(agentID, text string, finality models.Finality) *models.AppendRequest {
	payload, _ := json.Marshal(models.MessagePayload{Text: text})
	return &models.AppendRequest{
		Type:     models.EventTypeMessage,
		Finality: finality,
		AgentID:  agentID,
		Payload:  payload,
	}
}

func traceReq(agentID, content string) *models.AppendRequest {
	payload, _ := json.Marshal(models.TracePayload{Type: models.TraceThought, Content: content})
	return &models.AppendRequest{
		Type:    models.EventTypeTrace,
		AgentID: agentID,
		Payload: payload,
	}
}

func systemReq(kind string, finality models.Finality, turn *int) *models.AppendRequest {
	payload, _ := json.Marshal(models.SystemPayload{Kind: kind})
	return &models.AppendRequest{
		Type:     models.EventTypeSystem,
		Finality: finality,
		AgentID:  models.AgentSystem,
		Turn:     turn,
		Payload:  payload,
	}
}

func TestAppendEvent_DenseSequence(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	id := createTestConversation(t, repo)

	for i := 1; i <= 5; i++ {
		evt, err := repo.AppendEvent(ctx, id, messageReq("alice", "hello", models.FinalityTurn))
		require.NoError(t, err)
		assert.Equal(t, int64(i), evt.Seq)
		assert.Equal(t, i, evt.Turn)
	}

	events, err := repo.GetEventsSince(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, evt := range events {
		assert.Equal(t, int64(i+1), evt.Seq)
	}
}

func TestAppendEvent_TwoClosedTurns(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	id := createTestConversation(t, repo)

	first, err := repo.AppendEvent(ctx, id, messageReq("alice", "hi", models.FinalityTurn))
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, 1, first.Turn)

	second, err := repo.AppendEvent(ctx, id, messageReq("bob", "hey", models.FinalityTurn))
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, 2, second.Turn)

	head, err := repo.Head(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), head.LastClosedSeq)
	assert.False(t, head.HasOpenTurn)
	assert.Equal(t, models.StatusActive, head.Status)
}

func TestAppendEvent_TraceOpensTurn(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	id := createTestConversation(t, repo)

	evt, err := repo.AppendEvent(ctx, id, traceReq("alice", "thinking"))
	require.NoError(t, err)
	assert.Equal(t, 1, evt.Turn)

	head, err := repo.Head(ctx, id)
	require.NoError(t, err)
	assert.True(t, head.HasOpenTurn)
	assert.Equal(t, 1, head.OpenTurn)
	assert.Equal(t, "alice", head.OpenTurnAgent)

	// Closing the open turn clears the bookkeeping.
	_, err = repo.AppendEvent(ctx, id, messageReq("alice", "done", models.FinalityTurn))
	require.NoError(t, err)

	head, err = repo.Head(ctx, id)
	require.NoError(t, err)
	assert.False(t, head.HasOpenTurn)
	assert.Equal(t, int64(2), head.LastClosedSeq)
}

func TestAppendEvent_TurnMismatch(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	id := createTestConversation(t, repo)

	req := messageReq("alice", "hi", models.FinalityNone)
	wrong := 3
	req.Turn = &wrong

	_, err := repo.AppendEvent(ctx, id, req)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTurnMismatch))

	// Nothing was written.
	head, err := repo.Head(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), head.LastSeq)
}

func TestAppendEvent_RejectsAfterConversationClose(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	id := createTestConversation(t, repo)

	_, err := repo.AppendEvent(ctx, id, messageReq("alice", "goodbye", models.FinalityConversation))
	require.NoError(t, err)

	head, err := repo.Head(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, head.Status)

	_, err = repo.AppendEvent(ctx, id, messageReq("bob", "wait", models.FinalityNone))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConversationClosed))
}

func TestAppendEvent_TurnZeroNoteDoesNotCloseOpenTurn(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	id := createTestConversation(t, repo)

	_, err := repo.AppendEvent(ctx, id, traceReq("alice", "working"))
	require.NoError(t, err)

	zero := 0
	_, err = repo.AppendEvent(ctx, id, systemReq("note", models.FinalityTurn, &zero))
	require.NoError(t, err)

	head, err := repo.Head(ctx, id)
	require.NoError(t, err)
	assert.True(t, head.HasOpenTurn)
	assert.Equal(t, 1, head.OpenTurn)
	assert.Equal(t, int64(0), head.LastClosedSeq)

	// The next turn is still 2 once alice closes turn 1.
	_, err = repo.AppendEvent(ctx, id, messageReq("alice", "done", models.FinalityTurn))
	require.NoError(t, err)
	evt, err := repo.AppendEvent(ctx, id, messageReq("bob", "next", models.FinalityTurn))
	require.NoError(t, err)
	assert.Equal(t, 2, evt.Turn)
}

func TestAppendEvent_LastClosedSeqIsolatedPerConversation(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	first := createTestConversation(t, repo)
	second := createTestConversation(t, repo)

	_, err := repo.AppendEvent(ctx, first, messageReq("alice", "hi", models.FinalityTurn))
	require.NoError(t, err)
	_, err = repo.AppendEvent(ctx, first, messageReq("bob", "hey", models.FinalityTurn))
	require.NoError(t, err)

	headFirst, err := repo.Head(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(2), headFirst.LastClosedSeq)

	headSecond, err := repo.Head(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, int64(0), headSecond.LastClosedSeq)
	assert.Equal(t, int64(0), headSecond.LastSeq)
}

func TestAppendEvent_UnknownConversation(t *testing.T) {
	repo := setupRepo(t)

	_, err := repo.AppendEvent(context.Background(), 999, messageReq("alice", "hi", models.FinalityNone))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestAppendEvent_RejectsFinalityOnTrace(t *testing.T) {
	repo := setupRepo(t)
	id := createTestConversation(t, repo)

	req := traceReq("alice", "thinking")
	req.Finality = models.FinalityTurn

	_, err := repo.AppendEvent(context.Background(), id, req)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidationError))
}

func TestGetEventsPage_Pagination(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	id := createTestConversation(t, repo)

	for i := 0; i < 7; i++ {
		_, err := repo.AppendEvent(ctx, id, messageReq("alice", "msg", models.FinalityTurn))
		require.NoError(t, err)
	}

	page, err := repo.GetEventsPage(ctx, id, 0, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, int64(1), page[0].Seq)

	page, err = repo.GetEventsPage(ctx, id, page[2].Seq, 10)
	require.NoError(t, err)
	require.Len(t, page, 4)
	assert.Equal(t, int64(4), page[0].Seq)
}

func TestCreateConversation_ValidatesAgents(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	_, err := repo.CreateConversation(ctx, models.ConversationMeta{})
	require.Error(t, err)

	_, err = repo.CreateConversation(ctx, models.ConversationMeta{
		Agents: []models.AgentMeta{{ID: "alice"}, {ID: "system"}},
	})
	require.Error(t, err)

	_, err = repo.CreateConversation(ctx, models.ConversationMeta{
		Agents: []models.AgentMeta{{ID: "alice"}, {ID: "alice"}},
	})
	require.Error(t, err)

	_, err = repo.CreateConversation(ctx, models.ConversationMeta{
		Agents:          []models.AgentMeta{{ID: "alice"}},
		StartingAgentID: "ghost",
	})
	require.Error(t, err)
}
