package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/pointdeck/pointdeck/go/internal/models"
)

// Store is the persistence collaborator the session engine writes through.
// Broadcast propagates live state; the store is the authoritative history a
// replica reconciles against. The engine assumes nothing about the schema
// beyond these operations.
type Store interface {
	// CreateVote upserts by (item, voter) and returns the stored vote plus
	// whether a previous vote was replaced.
	CreateVote(ctx context.Context, vote models.Vote) (models.Vote, bool, error)
	ListVotesForItem(ctx context.Context, itemID uuid.UUID) ([]models.Vote, error)
	// MarkVotesRevealed flips the revealed flag on every vote for the item.
	// One-way: nothing sets it back.
	MarkVotesRevealed(ctx context.Context, itemID uuid.UUID) error

	UpdateItem(ctx context.Context, itemID uuid.UUID, status models.ItemStatus, finalEstimate *string) (*models.Item, error)
	ListSessionItems(ctx context.Context, sessionID uuid.UUID) ([]models.Item, error)

	AppendChatMessage(ctx context.Context, msg models.ChatMessage) (*models.ChatMessage, error)
	UpdateChatMessage(ctx context.Context, msg models.ChatMessage) (*models.ChatMessage, error)
	ListChatMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]models.ChatMessage, error)

	CreateSession(ctx context.Context, session models.Session) (*models.Session, error)
	GetSession(ctx context.Context, sessionID uuid.UUID) (*models.Session, error)
	UpdateSessionScale(ctx context.Context, sessionID uuid.UUID, scale models.EstimationScale) error
}

// ErrNotFound is returned when the row a read or update targets does not exist.
var ErrNotFound = errors.New("not found")
