package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/colloquy/colloquy/internal/common/errors"
	"github.com/colloquy/colloquy/internal/conversation/models"
	"github.com/colloquy/colloquy/internal/conversation/repository"
)

type eventRow struct {
	Conversation int64     `db:"conversation"`
	Seq          int64     `db:"seq"`
	Turn         int       `db:"turn"`
	Type         string    `db:"type"`
	Finality     string    `db:"finality"`
	AgentID      string    `db:"agent_id"`
	Ts           time.Time `db:"ts"`
	PayloadJSON  string    `db:"payload_json"`
}

func (row *eventRow) toModel() *models.Event {
	return &models.Event{
		Conversation: row.Conversation,
		Seq:          row.Seq,
		Turn:         row.Turn,
		Type:         models.EventType(row.Type),
		Finality:     models.Finality(row.Finality),
		AgentID:      row.AgentID,
		Ts:           row.Ts,
		Payload:      []byte(row.PayloadJSON),
	}
}

// AppendEvent validates the request against the current head, assigns the
// next seq and turn, persists the event, and updates the head bookkeeping on
// the conversation row, all in one transaction. The seq column is dense: the
// single-writer pool plus the transaction guarantee no gaps or duplicates.
func (r *Repository) AppendEvent(ctx context.Context, conversationID int64, req *models.AppendRequest) (*models.Event, error) {
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row conversationRow
	err = tx.GetContext(ctx, &row, tx.Rebind(`SELECT * FROM conversations WHERE id = ?`), conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("conversation", conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %d head: %w", conversationID, err)
	}
	head := row.toHead()

	turn, err := repository.ResolveTurn(conversationID, head, req)
	if err != nil {
		return nil, err
	}

	ts := req.Ts
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	evt := &models.Event{
		Conversation: conversationID,
		Seq:          head.LastSeq + 1,
		Turn:         turn,
		Type:         req.Type,
		Finality:     req.Finality,
		AgentID:      req.AgentID,
		Ts:           ts,
		Payload:      payload,
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO events (conversation, seq, turn, type, finality, agent_id, ts, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		evt.Conversation, evt.Seq, evt.Turn, string(evt.Type), string(evt.Finality),
		evt.AgentID, evt.Ts, string(evt.Payload)); err != nil {
		return nil, fmt.Errorf("insert event %d/%d: %w", conversationID, evt.Seq, err)
	}

	next := repository.ApplyToHead(head, evt)
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE conversations
		SET last_seq = ?, last_turn = ?, open_turn = ?, open_turn_agent = ?,
		    last_closed_seq = ?, status = ?, updated_at = ?
		WHERE id = ?`),
		next.LastSeq, next.LastTurn, next.OpenTurn, next.OpenTurnAgent,
		next.LastClosedSeq, string(next.Status), time.Now().UTC(), conversationID); err != nil {
		return nil, fmt.Errorf("update conversation %d head: %w", conversationID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append %d/%d: %w", conversationID, evt.Seq, err)
	}
	return evt, nil
}

// Head returns the bookkeeping view of a conversation's log.
func (r *Repository) Head(ctx context.Context, conversationID int64) (*models.Head, error) {
	var row conversationRow
	err := r.ro.GetContext(ctx, &row, r.ro.Rebind(`SELECT * FROM conversations WHERE id = ?`), conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("conversation", conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation %d head: %w", conversationID, err)
	}
	return row.toHead(), nil
}

// GetEventsPage returns up to limit events with seq > sinceSeq, in seq order.
func (r *Repository) GetEventsPage(ctx context.Context, conversationID, sinceSeq int64, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows []eventRow
	err := r.ro.SelectContext(ctx, &rows, r.ro.Rebind(`
		SELECT * FROM events WHERE conversation = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?`),
		conversationID, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query events for conversation %d: %w", conversationID, err)
	}
	events := make([]*models.Event, 0, len(rows))
	for i := range rows {
		events = append(events, rows[i].toModel())
	}
	return events, nil
}

// GetEventsSince returns all events with seq > sinceSeq, in seq order.
func (r *Repository) GetEventsSince(ctx context.Context, conversationID, sinceSeq int64) ([]*models.Event, error) {
	var rows []eventRow
	err := r.ro.SelectContext(ctx, &rows, r.ro.Rebind(`
		SELECT * FROM events WHERE conversation = ? AND seq > ?
		ORDER BY seq ASC`),
		conversationID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("query events for conversation %d: %w", conversationID, err)
	}
	events := make([]*models.Event, 0, len(rows))
	for i := range rows {
		events = append(events, rows[i].toModel())
	}
	return events, nil
}
