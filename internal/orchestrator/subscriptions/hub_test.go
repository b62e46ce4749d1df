package subscriptions

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colloquy/colloquy/internal/common/logger"
	"github.com/colloquy/colloquy/internal/conversation/models"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

// fakeStore serves a fixed backlog for replay.
type fakeStore struct {
	events []*models.Event
}

func (s *fakeStore) AppendEvent(ctx context.Context, conversationID int64, req *models.AppendRequest) (*models.Event, error) {
	return nil, nil
}

func (s *fakeStore) Head(ctx context.Context, conversationID int64) (*models.Head, error) {
	return &models.Head{}, nil
}

func (s *fakeStore) GetEventsPage(ctx context.Context, conversationID, sinceSeq int64, limit int) ([]*models.Event, error) {
	return s.GetEventsSince(ctx, conversationID, sinceSeq)
}

func (s *fakeStore) GetEventsSince(ctx context.Context, conversationID, sinceSeq int64) ([]*models.Event, error) {
	var out []*models.Event
	for _, evt := range s.events {
		if evt.Conversation == conversationID && evt.Seq > sinceSeq {
			out = append(out, evt)
		}
	}
	return out, nil
}

func testEvent(conv, seq int64, typ models.EventType) *models.Event {
	return &models.Event{
		Conversation: conv,
		Seq:          seq,
		Turn:         1,
		Type:         typ,
		Finality:     models.FinalityNone,
		AgentID:      "alice",
		Ts:           time.Now().UTC(),
		Payload:      json.RawMessage(`{}`),
	}
}

func TestHub_BacklogThenLiveExactlyOnce(t *testing.T) {
	store := &fakeStore{events: []*models.Event{
		testEvent(1, 1, models.EventTypeMessage),
		testEvent(1, 2, models.EventTypeMessage),
	}}
	hub := NewHub(store, newTestLogger(t))

	sub, err := hub.Subscribe(context.Background(), 1, 0, false)
	require.NoError(t, err)
	defer sub.Close()

	hub.Publish(testEvent(1, 3, models.EventTypeMessage))

	var seqs []int64
	for i := 0; i < 3; i++ {
		select {
		case evt := <-sub.Events:
			seqs = append(seqs, evt.Seq)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i+1)
		}
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs)

	select {
	case evt := <-sub.Events:
		t.Fatalf("unexpected extra event seq=%d", evt.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_SubscribeBetweenCommitAndPublishDeliversOnce(t *testing.T) {
	// An append commits to the store before the hub hears about it. A
	// subscriber registering in that window replays the committed event as
	// backlog; the publish that follows must not deliver a second copy.
	committed := testEvent(1, 1, models.EventTypeMessage)
	store := &fakeStore{events: []*models.Event{committed}}
	hub := NewHub(store, newTestLogger(t))

	sub, err := hub.Subscribe(context.Background(), 1, 0, false)
	require.NoError(t, err)
	defer sub.Close()

	hub.Publish(committed)
	hub.Publish(testEvent(1, 2, models.EventTypeMessage))

	first := <-sub.Events
	assert.Equal(t, int64(1), first.Seq)
	second := <-sub.Events
	assert.Equal(t, int64(2), second.Seq, "seq 1 delivered twice")

	select {
	case evt := <-sub.Events:
		t.Fatalf("unexpected extra event seq=%d", evt.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_ReplayedGuidanceStillDeduplicated(t *testing.T) {
	// A guidance-filtered subscriber never sees the backlog copy, but the
	// live re-publish of that seq must still be recognized as already seen.
	guidance := testEvent(1, 1, models.EventTypeGuidance)
	guidance.Turn = 0
	store := &fakeStore{events: []*models.Event{guidance}}
	hub := NewHub(store, newTestLogger(t))

	sub, err := hub.Subscribe(context.Background(), 1, 0, false)
	require.NoError(t, err)
	defer sub.Close()

	hub.Publish(guidance)
	hub.Publish(testEvent(1, 2, models.EventTypeMessage))

	evt := <-sub.Events
	assert.Equal(t, int64(2), evt.Seq)
}

func TestHub_SinceSeqSkipsReplayedPrefix(t *testing.T) {
	store := &fakeStore{events: []*models.Event{
		testEvent(1, 1, models.EventTypeMessage),
		testEvent(1, 2, models.EventTypeMessage),
		testEvent(1, 3, models.EventTypeMessage),
	}}
	hub := NewHub(store, newTestLogger(t))

	sub, err := hub.Subscribe(context.Background(), 1, 2, false)
	require.NoError(t, err)
	defer sub.Close()

	evt := <-sub.Events
	assert.Equal(t, int64(3), evt.Seq)
}

func TestHub_GuidanceFilteredByDefault(t *testing.T) {
	hub := NewHub(&fakeStore{}, newTestLogger(t))

	plain, err := hub.Subscribe(context.Background(), 1, 0, false)
	require.NoError(t, err)
	defer plain.Close()

	withGuidance, err := hub.Subscribe(context.Background(), 1, 0, true)
	require.NoError(t, err)
	defer withGuidance.Close()

	guidance := testEvent(1, 1, models.EventTypeGuidance)
	guidance.Turn = 0
	hub.Publish(guidance)
	hub.Publish(testEvent(1, 2, models.EventTypeMessage))

	evt := <-plain.Events
	assert.Equal(t, int64(2), evt.Seq, "guidance should be filtered out")

	evt = <-withGuidance.Events
	assert.Equal(t, int64(1), evt.Seq)
}

func TestHub_ConversationIsolation(t *testing.T) {
	hub := NewHub(&fakeStore{}, newTestLogger(t))

	sub, err := hub.Subscribe(context.Background(), 1, 0, false)
	require.NoError(t, err)
	defer sub.Close()

	hub.Publish(testEvent(2, 1, models.EventTypeMessage))

	select {
	case evt := <-sub.Events:
		t.Fatalf("received event for foreign conversation, seq=%d", evt.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_SubscribeAllSeesEveryConversation(t *testing.T) {
	hub := NewHub(&fakeStore{}, newTestLogger(t))

	sub := hub.SubscribeAll(false)
	defer sub.Close()

	hub.Publish(testEvent(1, 1, models.EventTypeMessage))
	hub.Publish(testEvent(2, 1, models.EventTypeMessage))

	first := <-sub.Events
	second := <-sub.Events
	assert.Equal(t, int64(1), first.Conversation)
	assert.Equal(t, int64(2), second.Conversation)
}

func TestHub_CloseStopsDelivery(t *testing.T) {
	hub := NewHub(&fakeStore{}, newTestLogger(t))

	sub, err := hub.Subscribe(context.Background(), 1, 0, false)
	require.NoError(t, err)
	sub.Close()

	// Publishing after close must not panic, and the channel is closed.
	hub.Publish(testEvent(1, 1, models.EventTypeMessage))
	_, open := <-sub.Events
	assert.False(t, open)
}

func TestWaitForEvent_MatchesLiveEvent(t *testing.T) {
	hub := NewHub(&fakeStore{}, newTestLogger(t))

	done := make(chan *models.Event, 1)
	go func() {
		evt, err := hub.WaitForEvent(context.Background(), 1, 0, time.Second,
			func(e *models.Event) bool { return e.Type == models.EventTypeMessage })
		require.NoError(t, err)
		done <- evt
	}()

	time.Sleep(20 * time.Millisecond)
	hub.Publish(testEvent(1, 1, models.EventTypeTrace))
	hub.Publish(testEvent(1, 2, models.EventTypeMessage))

	select {
	case evt := <-done:
		require.NotNil(t, evt)
		assert.Equal(t, int64(2), evt.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForEvent did not return")
	}
}

func TestWaitForEvent_TimeoutReturnsNil(t *testing.T) {
	hub := NewHub(&fakeStore{}, newTestLogger(t))

	start := time.Now()
	evt, err := hub.WaitForEvent(context.Background(), 1, 0, 50*time.Millisecond,
		func(e *models.Event) bool { return true })
	require.NoError(t, err)
	assert.Nil(t, evt)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}
