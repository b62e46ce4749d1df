package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/colloquy/colloquy/internal/common/errors"
	"github.com/colloquy/colloquy/internal/conversation/models"
	"github.com/colloquy/colloquy/internal/db/dialect"
)

type conversationRow struct {
	ID            int64     `db:"id"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
	Status        string    `db:"status"`
	MetaJSON      string    `db:"meta_json"`
	LastSeq       int64     `db:"last_seq"`
	LastTurn      int       `db:"last_turn"`
	OpenTurn      int       `db:"open_turn"`
	OpenTurnAgent string    `db:"open_turn_agent"`
	LastClosedSeq int64     `db:"last_closed_seq"`
}

func (row *conversationRow) toModel() (*models.Conversation, error) {
	conv := &models.Conversation{
		ID:        row.ID,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
		Status:    models.ConversationStatus(row.Status),
	}
	if err := json.Unmarshal([]byte(row.MetaJSON), &conv.Meta); err != nil {
		return nil, fmt.Errorf("unmarshal conversation %d metadata: %w", row.ID, err)
	}
	return conv, nil
}

func (row *conversationRow) toHead() *models.Head {
	return &models.Head{
		LastSeq:       row.LastSeq,
		LastTurn:      row.LastTurn,
		HasOpenTurn:   row.OpenTurn > 0,
		OpenTurn:      row.OpenTurn,
		OpenTurnAgent: row.OpenTurnAgent,
		LastClosedSeq: row.LastClosedSeq,
		Status:        models.ConversationStatus(row.Status),
	}
}

// CreateConversation inserts a new active conversation and returns its id.
func (r *Repository) CreateConversation(ctx context.Context, meta models.ConversationMeta) (int64, error) {
	if len(meta.Agents) == 0 {
		return 0, apperrors.Validation("conversation metadata must declare at least one agent")
	}
	seen := make(map[string]struct{}, len(meta.Agents))
	for _, a := range meta.Agents {
		if a.ID == "" {
			return 0, apperrors.Validation("agent id must not be empty")
		}
		if a.ID == models.AgentSystem {
			return 0, apperrors.Validation("agent id 'system' is reserved")
		}
		if _, dup := seen[a.ID]; dup {
			return 0, apperrors.Validation(fmt.Sprintf("duplicate agent id '%s'", a.ID))
		}
		seen[a.ID] = struct{}{}
	}
	if meta.StartingAgentID != "" && !meta.HasAgent(meta.StartingAgentID) {
		return 0, apperrors.Validation(fmt.Sprintf("starting agent '%s' is not declared", meta.StartingAgentID))
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("marshal conversation metadata: %w", err)
	}

	now := time.Now().UTC()
	id, err := dialect.InsertReturningID(ctx, r.db,
		`INSERT INTO conversations (created_at, updated_at, status, meta_json) VALUES (?, ?, ?, ?)`,
		now, now, string(models.StatusActive), string(metaJSON))
	if err != nil {
		return 0, fmt.Errorf("insert conversation: %w", err)
	}
	return id, nil
}

// GetConversation fetches a conversation row by id.
func (r *Repository) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	var row conversationRow
	err := r.ro.GetContext(ctx, &row, r.ro.Rebind(`SELECT * FROM conversations WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("conversation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation %d: %w", id, err)
	}
	return row.toModel()
}

// ListConversations returns conversations ordered by most recent activity.
func (r *Repository) ListConversations(ctx context.Context, opts models.ListConversationsOptions) ([]*models.Conversation, error) {
	query := `SELECT * FROM conversations WHERE 1=1`
	args := []any{}

	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	if opts.Hours > 0 {
		query += ` AND updated_at >= ?`
		args = append(args, time.Now().UTC().Add(-time.Duration(opts.Hours)*time.Hour))
	}
	query += ` ORDER BY updated_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	var rows []conversationRow
	if err := r.ro.SelectContext(ctx, &rows, r.ro.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	conversations := make([]*models.Conversation, 0, len(rows))
	for i := range rows {
		conv, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, nil
}
