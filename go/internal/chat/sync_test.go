package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pointdeck/pointdeck/go/internal/broadcast"
	"github.com/pointdeck/pointdeck/go/internal/events"
	"github.com/pointdeck/pointdeck/go/internal/models"
	"github.com/pointdeck/pointdeck/go/internal/store"
)

func newTestSync(sessionID uuid.UUID, ch broadcast.Channel, mem *store.Memory, name string) (*Sync, models.Participant) {
	self := models.Participant{UserID: uuid.New(), DisplayName: name, Role: models.RoleTeamMember}
	s := NewSync(sessionID, ch, mem, clockwork.NewFakeClock(), func() models.Participant { return self })
	return s, self
}

func chatEvent(t *testing.T, typ events.EventType, msg models.ChatMessage) events.Event {
	t.Helper()
	ev, err := events.New(msg.SessionID, msg.AuthorID, typ, events.ChatMessagePayload{Message: msg})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return ev
}

func TestSendPersistsAndAppends(t *testing.T) {
	sessionID := uuid.New()
	mem := store.NewMemory()
	s, self := newTestSync(sessionID, broadcast.NewMemoryChannel(), mem, "alice")

	msg, err := s.Send(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.AuthorID != self.UserID || msg.Text != "hello" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	local := s.Messages()
	if len(local) != 1 || local[0].ID != msg.ID {
		t.Fatalf("unexpected local log: %+v", local)
	}
	history, err := mem.ListChatMessages(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(history) != 1 || history[0].Text != "hello" {
		t.Fatalf("unexpected stored history: %+v", history)
	}
}

func TestSendPersistFailureLeavesNoGhost(t *testing.T) {
	mem := store.NewMemory()
	s, _ := newTestSync(uuid.New(), broadcast.NewMemoryChannel(), mem, "alice")
	mem.FailNext = errors.New("db down")

	if _, err := s.Send(context.Background(), "hello", nil); err == nil {
		t.Fatal("expected send to fail")
	}
	if got := len(s.Messages()); got != 0 {
		t.Fatalf("expected empty log after persist failure, got %d messages", got)
	}
}

func TestEditSnapshotsOriginalOnce(t *testing.T) {
	mem := store.NewMemory()
	s, _ := newTestSync(uuid.New(), broadcast.NewMemoryChannel(), mem, "alice")

	msg, err := s.Send(context.Background(), "first", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := s.Edit(context.Background(), msg.ID, "second"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := s.Edit(context.Background(), msg.ID, "third"); err != nil {
		t.Fatalf("second edit: %v", err)
	}

	got := s.Messages()[0]
	if got.Text != "third" || !got.IsEdited {
		t.Fatalf("unexpected message: %+v", got)
	}
	if got.OriginalText == nil || *got.OriginalText != "first" {
		t.Fatalf("original snapshot must keep the first text, got %v", got.OriginalText)
	}
}

func TestEditByNonAuthorRejected(t *testing.T) {
	sessionID := uuid.New()
	ch := broadcast.NewMemoryChannel()
	mem := store.NewMemory()
	alice, aliceSelf := newTestSync(sessionID, ch, mem, "alice")
	bob, _ := newTestSync(sessionID, ch, mem, "bob")

	msg, err := alice.Send(context.Background(), "mine", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	bob.ApplyRemote(context.Background(), chatEvent(t, events.EventChatMessage, msg))

	err = bob.Edit(context.Background(), msg.ID, "hijacked")
	if !errors.Is(err, ErrNotAuthor) {
		t.Fatalf("expected ErrNotAuthor, got %v", err)
	}
	_ = aliceSelf
}

func TestDeleteTombstones(t *testing.T) {
	mem := store.NewMemory()
	s, _ := newTestSync(uuid.New(), broadcast.NewMemoryChannel(), mem, "alice")

	msg, err := s.Send(context.Background(), "oops", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := s.Delete(context.Background(), msg.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Idempotent.
	if err := s.Delete(context.Background(), msg.ID); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}

	got := s.Messages()[0]
	if !got.IsDeleted || got.Text != models.TombstoneText {
		t.Fatalf("expected tombstone, got %+v", got)
	}
	if got.OriginalText == nil || *got.OriginalText != "oops" {
		t.Fatalf("audit text lost: %v", got.OriginalText)
	}

	if err := s.Edit(context.Background(), msg.ID, "revive"); err == nil {
		t.Fatal("editing a deleted message must fail")
	}
}

func TestEditAfterDeleteNeverResurrects(t *testing.T) {
	sessionID := uuid.New()
	mem := store.NewMemory()
	s, _ := newTestSync(sessionID, broadcast.NewMemoryChannel(), mem, "observer")

	author := uuid.New()
	base := models.ChatMessage{
		ID:         uuid.New(),
		SessionID:  sessionID,
		AuthorID:   author,
		AuthorName: "alice",
		Text:       "draft",
		CreatedAt:  time.Now().UTC(),
	}
	s.ApplyRemote(context.Background(), chatEvent(t, events.EventChatMessage, base))

	deleted := base
	deleted.Text = models.TombstoneText
	deleted.IsDeleted = true
	s.ApplyRemote(context.Background(), chatEvent(t, events.EventChatMessageDeleted, deleted))

	// The edit raced the delete and arrives after it.
	edited := base
	edited.Text = "polished"
	edited.IsEdited = true
	s.ApplyRemote(context.Background(), chatEvent(t, events.EventChatMessageUpdated, edited))

	got := s.Messages()[0]
	if !got.IsDeleted || got.Text != models.TombstoneText {
		t.Fatalf("tombstone was resurrected: %+v", got)
	}
}

func TestUnknownUpdateTriggersBackfill(t *testing.T) {
	sessionID := uuid.New()
	mem := store.NewMemory()
	s, _ := newTestSync(sessionID, broadcast.NewMemoryChannel(), mem, "latecomer")

	// History written before this client joined.
	author := uuid.New()
	old := models.ChatMessage{
		ID:         uuid.New(),
		SessionID:  sessionID,
		AuthorID:   author,
		AuthorName: "alice",
		Text:       "early words",
		CreatedAt:  time.Now().UTC().Add(-time.Hour),
	}
	if _, err := mem.AppendChatMessage(context.Background(), old); err != nil {
		t.Fatalf("seed: %v", err)
	}

	edited := old
	edited.Text = "early words, fixed"
	edited.IsEdited = true
	if _, err := mem.UpdateChatMessage(context.Background(), edited); err != nil {
		t.Fatalf("seed edit: %v", err)
	}

	s.ApplyRemote(context.Background(), chatEvent(t, events.EventChatMessageUpdated, edited))

	got := s.Messages()
	if len(got) != 1 || got[0].Text != "early words, fixed" {
		t.Fatalf("backfill did not resolve unknown update: %+v", got)
	}
}

func TestBackfillKeepsLocalTombstone(t *testing.T) {
	sessionID := uuid.New()
	mem := store.NewMemory()
	s, _ := newTestSync(sessionID, broadcast.NewMemoryChannel(), mem, "observer")

	author := uuid.New()
	msg := models.ChatMessage{
		ID:        uuid.New(),
		SessionID: sessionID,
		AuthorID:  author,
		Text:      "live",
		CreatedAt: time.Now().UTC(),
	}
	// Store still has the live text; the delete write has not landed yet.
	if _, err := mem.AppendChatMessage(context.Background(), msg); err != nil {
		t.Fatalf("seed: %v", err)
	}

	deleted := msg
	deleted.Text = models.TombstoneText
	deleted.IsDeleted = true
	s.ApplyRemote(context.Background(), chatEvent(t, events.EventChatMessageDeleted, deleted))
	// Unknown-id delete falls back to history, then the tombstone arrives again.
	s.ApplyRemote(context.Background(), chatEvent(t, events.EventChatMessageDeleted, deleted))

	if err := s.Backfill(context.Background(), 10); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	got := s.Messages()[0]
	if !got.IsDeleted {
		t.Fatalf("backfill resurrected a tombstoned message: %+v", got)
	}
}

func TestMessagesArrivalOrder(t *testing.T) {
	sessionID := uuid.New()
	mem := store.NewMemory()
	s, _ := newTestSync(sessionID, broadcast.NewMemoryChannel(), mem, "alice")

	first, err := s.Send(context.Background(), "one", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	second, err := s.Send(context.Background(), "two", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	got := s.Messages()
	if len(got) != 2 || got[0].ID != first.ID || got[1].ID != second.ID {
		t.Fatalf("unexpected order: %+v", got)
	}
}
