package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/colloquy/colloquy/internal/conversation/models"
	"github.com/colloquy/colloquy/internal/db/dialect"
)

// EnsureRunners records that this server intends to host the given agents for
// a conversation. Idempotent: existing rows are left untouched.
func (r *Repository) EnsureRunners(ctx context.Context, conversationID int64, agentIDs []string) error {
	now := time.Now().UTC()
	for _, agentID := range agentIDs {
		var query string
		if dialect.IsPostgres(r.db.DriverName()) {
			query = `INSERT INTO runner_registry (conversation_id, agent_id, started_at)
				VALUES (?, ?, ?) ON CONFLICT (conversation_id, agent_id) DO NOTHING`
		} else {
			query = `INSERT OR IGNORE INTO runner_registry (conversation_id, agent_id, started_at)
				VALUES (?, ?, ?)`
		}
		if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), conversationID, agentID, now); err != nil {
			return fmt.Errorf("ensure runner %d/%s: %w", conversationID, agentID, err)
		}
	}
	return nil
}

// DeleteRunners removes all registry rows for a conversation.
func (r *Repository) DeleteRunners(ctx context.Context, conversationID int64) error {
	if _, err := r.db.ExecContext(ctx,
		r.db.Rebind(`DELETE FROM runner_registry WHERE conversation_id = ?`), conversationID); err != nil {
		return fmt.Errorf("delete runners for conversation %d: %w", conversationID, err)
	}
	return nil
}

// ListRunners returns every registry row, ordered for deterministic boot
// reconciliation.
func (r *Repository) ListRunners(ctx context.Context) ([]*models.RunnerRow, error) {
	var rows []struct {
		ConversationID int64     `db:"conversation_id"`
		AgentID        string    `db:"agent_id"`
		StartedAt      time.Time `db:"started_at"`
	}
	err := r.ro.SelectContext(ctx, &rows, `
		SELECT conversation_id, agent_id, started_at FROM runner_registry
		ORDER BY conversation_id ASC, agent_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	runners := make([]*models.RunnerRow, 0, len(rows))
	for _, row := range rows {
		runners = append(runners, &models.RunnerRow{
			ConversationID: row.ConversationID,
			AgentID:        row.AgentID,
			StartedAt:      row.StartedAt,
		})
	}
	return runners, nil
}
