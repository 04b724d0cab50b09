package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/go/internal/broadcast"
	"github.com/pointdeck/pointdeck/go/internal/events"
	"github.com/pointdeck/pointdeck/go/internal/models"
	"github.com/pointdeck/pointdeck/go/internal/store"
)

var (
	// ErrNotAuthor rejects an edit or delete by anyone but the message
	// author, locally, before any publish.
	ErrNotAuthor = errors.New("only the author may modify a message")
	// ErrUnknownMessage means the target message is not in the local log.
	ErrUnknownMessage = errors.New("unknown message")
)

// DefaultBackfillLimit bounds the history loaded on mount.
const DefaultBackfillLimit = 200

// Sync keeps one replica's chat log consistent: optimistic local echo backed
// by the store, tombstone deletes, and store backfill for anything that
// predates this client's subscription. Broadcast is live propagation only;
// the store is authoritative history.
type Sync struct {
	sessionID uuid.UUID
	channel   broadcast.Channel
	store     store.Store
	clock     clockwork.Clock
	self      func() models.Participant

	mu       sync.Mutex
	messages map[uuid.UUID]models.ChatMessage
	order    []uuid.UUID
}

// NewSync creates an empty chat replica.
func NewSync(sessionID uuid.UUID, channel broadcast.Channel, st store.Store, clock clockwork.Clock, self func() models.Participant) *Sync {
	return &Sync{
		sessionID: sessionID,
		channel:   channel,
		store:     st,
		clock:     clock,
		self:      self,
		messages:  make(map[uuid.UUID]models.ChatMessage),
	}
}

// Send persists the message, applies it optimistically, then publishes. On a
// persistence failure nothing is appended locally (the caller keeps the
// composed text and can retry), so no ghost message exists that other clients
// never received.
func (s *Sync) Send(ctx context.Context, text string, itemID *uuid.UUID) (models.ChatMessage, error) {
	self := s.self()
	msg := models.ChatMessage{
		ID:         uuid.New(),
		SessionID:  s.sessionID,
		AuthorID:   self.UserID,
		AuthorName: self.DisplayName,
		AuthorRole: self.Role,
		Text:       text,
		ItemID:     itemID,
		CreatedAt:  s.clock.Now().UTC(),
	}

	stored, err := s.store.AppendChatMessage(ctx, msg)
	if err != nil {
		return models.ChatMessage{}, fmt.Errorf("persist chat message: %w", err)
	}

	s.apply(*stored)

	ev, err := events.New(s.sessionID, self.UserID, events.EventChatMessage, events.ChatMessagePayload{Message: *stored})
	if err != nil {
		return *stored, err
	}
	if err := s.channel.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("message_id", stored.ID.String()).Msg("chat publish failed")
	}
	return *stored, nil
}

// Edit replaces the message text. Author only. The first edit snapshots the
// original text for audit.
func (s *Sync) Edit(ctx context.Context, id uuid.UUID, newText string) error {
	self := s.self()

	s.mu.Lock()
	msg, ok := s.messages[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if msg.AuthorID != self.UserID {
		return ErrNotAuthor
	}
	if msg.IsDeleted {
		return fmt.Errorf("%w: %s is deleted", ErrUnknownMessage, id)
	}

	if msg.OriginalText == nil {
		original := msg.Text
		msg.OriginalText = &original
	}
	msg.Text = newText
	msg.IsEdited = true
	now := s.clock.Now().UTC()
	msg.EditedAt = &now

	stored, err := s.store.UpdateChatMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("persist chat edit: %w", err)
	}

	s.apply(*stored)

	ev, err := events.New(s.sessionID, self.UserID, events.EventChatMessageUpdated, events.ChatMessagePayload{Message: *stored})
	if err != nil {
		return err
	}
	return s.channel.Publish(ctx, ev)
}

// Delete tombstones the message: display text becomes the marker, the
// original text is preserved in a hidden audit field, nothing is physically
// removed. Author only.
func (s *Sync) Delete(ctx context.Context, id uuid.UUID) error {
	self := s.self()

	s.mu.Lock()
	msg, ok := s.messages[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if msg.AuthorID != self.UserID {
		return ErrNotAuthor
	}
	if msg.IsDeleted {
		return nil
	}

	if msg.OriginalText == nil {
		original := msg.Text
		msg.OriginalText = &original
	}
	msg.Text = models.TombstoneText
	msg.IsDeleted = true
	now := s.clock.Now().UTC()
	msg.DeletedAt = &now

	stored, err := s.store.UpdateChatMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("persist chat delete: %w", err)
	}

	s.apply(*stored)

	ev, err := events.New(s.sessionID, self.UserID, events.EventChatMessageDeleted, events.ChatMessagePayload{Message: *stored})
	if err != nil {
		return err
	}
	return s.channel.Publish(ctx, ev)
}

// ApplyRemote merges a chat event by id match-and-replace. The tombstone is
// terminal: an edit arriving after (or before, on this unordered channel) a
// delete never resurrects the text. Updates for ids we have never seen are
// resolved by backfill, not reconstructed from the event alone.
func (s *Sync) ApplyRemote(ctx context.Context, ev events.Event) {
	payload, err := events.ParsePayload(ev)
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed chat event")
		return
	}
	p, ok := payload.(events.ChatMessagePayload)
	if !ok {
		return
	}
	msg := p.Message
	if msg.AuthorID == s.self().UserID {
		// Own messages were applied optimistically at send time.
		return
	}

	s.mu.Lock()
	existing, known := s.messages[msg.ID]
	if known && existing.IsDeleted {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if !known && ev.Type != events.EventChatMessage {
		// An update for a message that predates our join: fetch authoritative
		// history rather than trusting a partial record.
		if err := s.Backfill(ctx, DefaultBackfillLimit); err != nil {
			log.Warn().Err(err).Msg("chat backfill after unknown update failed")
		}
		return
	}

	s.apply(msg)
}

// Backfill loads the most recent history from the store. Called on mount and
// by reconciliation.
func (s *Sync) Backfill(ctx context.Context, limit int) error {
	if limit <= 0 {
		limit = DefaultBackfillLimit
	}
	msgs, err := s.store.ListChatMessages(ctx, s.sessionID, limit)
	if err != nil {
		return fmt.Errorf("backfill chat: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		if existing, ok := s.messages[msg.ID]; ok && existing.IsDeleted && !msg.IsDeleted {
			// Local tombstone may be ahead of a store read that raced the
			// delete write; the tombstone wins.
			continue
		}
		s.applyLocked(msg)
	}
	return nil
}

// Messages returns the log in arrival order.
func (s *Sync) Messages() []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]models.ChatMessage, 0, len(s.order))
	for _, id := range s.order {
		msgs = append(msgs, s.messages[id])
	}
	return msgs
}

func (s *Sync) apply(msg models.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(msg)
}

func (s *Sync) applyLocked(msg models.ChatMessage) {
	if _, ok := s.messages[msg.ID]; !ok {
		s.order = append(s.order, msg.ID)
	}
	s.messages[msg.ID] = msg
}
