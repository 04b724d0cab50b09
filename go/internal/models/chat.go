package models

import (
	"time"

	"github.com/google/uuid"
)

// TombstoneText replaces the display text of a deleted chat message. The
// original text is retained in OriginalText for audit and is never displayed.
const TombstoneText = "[message deleted]"

// ChatMessage is one entry in a session's chat log. Only its author may edit
// or delete it; deletion is a tombstone, never a physical removal, so an
// out-of-order delete cannot resurrect stale content.
type ChatMessage struct {
	ID           uuid.UUID       `json:"id"`
	SessionID    uuid.UUID       `json:"session_id"`
	AuthorID     uuid.UUID       `json:"author_id"`
	AuthorName   string          `json:"author_name"`
	AuthorRole   ParticipantRole `json:"author_role"`
	Text         string          `json:"text"`
	ItemID       *uuid.UUID      `json:"item_id,omitempty"`
	IsEdited     bool            `json:"is_edited"`
	IsDeleted    bool            `json:"is_deleted"`
	OriginalText *string         `json:"original_text,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	EditedAt     *time.Time      `json:"edited_at,omitempty"`
	DeletedAt    *time.Time      `json:"deleted_at,omitempty"`
}
