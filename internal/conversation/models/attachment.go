package models

import "time"

// Attachment is an immutable stored blob referenced from message payloads by id.
type Attachment struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Content     []byte    `json:"content"`
	Summary     string    `json:"summary,omitempty"`
	DocID       string    `json:"docId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Ref returns the reference stored inside message payloads.
func (a *Attachment) Ref() AttachmentRef {
	return AttachmentRef{
		ID:          a.ID,
		Name:        a.Name,
		ContentType: a.ContentType,
		Summary:     a.Summary,
	}
}
