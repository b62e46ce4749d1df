package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/colloquy/colloquy/internal/common/errors"
	"github.com/colloquy/colloquy/internal/conversation/models"
)

type attachmentRow struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	ContentType string    `db:"content_type"`
	Content     []byte    `db:"content"`
	Summary     string    `db:"summary"`
	DocID       string    `db:"doc_id"`
	CreatedAt   time.Time `db:"created_at"`
}

// PutAttachment stores an immutable blob and returns its id. When the caller
// did not assign an id, a fresh one is minted.
func (r *Repository) PutAttachment(ctx context.Context, att *models.Attachment) (string, error) {
	if att.Name == "" {
		return "", apperrors.Validation("attachment name is required")
	}
	if att.ID == "" {
		att.ID = "att_" + uuid.New().String()
	}
	if att.ContentType == "" {
		att.ContentType = "application/octet-stream"
	}
	if att.CreatedAt.IsZero() {
		att.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO attachments (id, name, content_type, content, summary, doc_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		att.ID, att.Name, att.ContentType, att.Content, att.Summary, att.DocID, att.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert attachment %s: %w", att.ID, err)
	}
	return att.ID, nil
}

// GetAttachment fetches a stored blob by id.
func (r *Repository) GetAttachment(ctx context.Context, id string) (*models.Attachment, error) {
	var row attachmentRow
	err := r.ro.GetContext(ctx, &row, r.ro.Rebind(`SELECT * FROM attachments WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("attachment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query attachment %s: %w", id, err)
	}
	return &models.Attachment{
		ID:          row.ID,
		Name:        row.Name,
		ContentType: row.ContentType,
		Content:     row.Content,
		Summary:     row.Summary,
		DocID:       row.DocID,
		CreatedAt:   row.CreatedAt,
	}, nil
}
