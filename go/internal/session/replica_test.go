package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pointdeck/pointdeck/go/internal/broadcast"
	"github.com/pointdeck/pointdeck/go/internal/events"
	"github.com/pointdeck/pointdeck/go/internal/models"
	"github.com/pointdeck/pointdeck/go/internal/store"
	"github.com/pointdeck/pointdeck/go/internal/video"
)

type member struct {
	replica *Replica
	clock   *clockwork.FakeClock
	self    models.Participant
}

func joinMember(t *testing.T, session models.Session, ch broadcast.Channel, mem *store.Memory, name string, role models.ParticipantRole) *member {
	t.Helper()
	clock := clockwork.NewFakeClock()
	r := NewReplica(session, ch, mem, clock, DefaultConfig(), video.Callbacks{})
	self := models.Participant{UserID: uuid.New(), DisplayName: name, Role: role}
	if err := r.Join(context.Background(), self); err != nil {
		t.Fatalf("join %s: %v", name, err)
	}
	t.Cleanup(func() { r.Close(context.Background()) })
	return &member{replica: r, clock: clock, self: self}
}

// waitFor polls for an asynchronous effect of the event loop.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func seedSession(t *testing.T, mem *store.Memory, titles ...string) (models.Session, []models.Item) {
	t.Helper()
	session := models.Session{
		ID:     uuid.New(),
		Name:   "sprint planning",
		Scale:  models.ScaleFibonacci,
		Status: models.SessionStatusActive,
	}
	if _, err := mem.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	items := make([]models.Item, len(titles))
	for i, title := range titles {
		items[i] = models.Item{
			ID:        uuid.New(),
			SessionID: session.ID,
			Title:     title,
			Status:    models.ItemStatusPending,
			Position:  i,
		}
		mem.PutItem(items[i])
	}
	return session, items
}

// TestEstimationRound drives one full round across three replicas: countdown,
// votes, auto-reveal on expiry, moderator override, accept, advance.
func TestEstimationRound(t *testing.T) {
	mem := store.NewMemory()
	ch := broadcast.NewMemoryChannel()
	session, items := seedSession(t, mem, "login flow", "payment retry")

	moderator := joinMember(t, session, ch, mem, "mod", models.RoleModerator)
	alice := joinMember(t, session, ch, mem, "alice", models.RoleTeamMember)
	bob := joinMember(t, session, ch, mem, "bob", models.RoleTeamMember)

	waitFor(t, func() bool {
		return len(moderator.replica.Presence.Roster()) == 3 &&
			len(alice.replica.Presence.Roster()) == 3 &&
			len(bob.replica.Presence.Roster()) == 3
	}, "rosters never converged")

	active := items[0].ID
	if err := moderator.replica.Timer.Start(context.Background(), active, 3); err != nil {
		t.Fatalf("start timer: %v", err)
	}
	waitFor(t, func() bool {
		return alice.replica.Timer.State().Phase == models.TimerRunning
	}, "followers never saw the countdown start")

	if err := alice.replica.Votes.Submit(context.Background(), active, "5"); err != nil {
		t.Fatalf("alice vote: %v", err)
	}
	if err := bob.replica.Votes.Submit(context.Background(), active, "8"); err != nil {
		t.Fatalf("bob vote: %v", err)
	}
	waitFor(t, func() bool {
		return len(moderator.replica.Votes.Votes(active)) == 2
	}, "moderator never collected both votes")

	// Countdown runs out; expiry auto-reveals on the moderator replica.
	moderator.clock.BlockUntil(3)
	for i := 0; i < 3; i++ {
		moderator.clock.Advance(time.Second)
		time.Sleep(5 * time.Millisecond)
	}
	waitFor(t, func() bool {
		return alice.replica.Votes.Revealed(active) && bob.replica.Votes.Revealed(active)
	}, "reveal never reached the followers")
	waitFor(t, func() bool {
		return bob.replica.Timer.State().Phase == models.TimerExpired
	}, "followers never saw expiry")

	consensus := bob.replica.Votes.Consensus(active)
	if consensus.IsUnanimous {
		t.Fatal("split votes must not be unanimous")
	}
	if consensus.Average == nil || *consensus.Average != 6.5 {
		t.Fatalf("expected average 6.5, got %v", consensus.Average)
	}

	if err := moderator.replica.Votes.Override(context.Background(), active, "8"); err != nil {
		t.Fatalf("override: %v", err)
	}
	waitFor(t, func() bool {
		return alice.replica.Votes.Consensus(active).Value == "8"
	}, "override never reached the followers")

	if err := moderator.replica.Navigator.Accept(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}

	stored, _ := mem.GetItem(active)
	if stored.Status != models.ItemStatusEstimated || stored.FinalEstimate == nil || *stored.FinalEstimate != "8" {
		t.Fatalf("accepted item wrong: %+v", stored)
	}
	waitFor(t, func() bool {
		return alice.replica.Navigator.Index() == 1 && bob.replica.Navigator.Index() == 1
	}, "followers never advanced to the next item")
}

func TestChatPropagates(t *testing.T) {
	mem := store.NewMemory()
	ch := broadcast.NewMemoryChannel()
	session, _ := seedSession(t, mem, "item")

	alice := joinMember(t, session, ch, mem, "alice", models.RoleModerator)
	bob := joinMember(t, session, ch, mem, "bob", models.RoleTeamMember)

	msg, err := alice.replica.Chat.Send(context.Background(), "shall we start?", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, func() bool {
		msgs := bob.replica.Chat.Messages()
		return len(msgs) == 1 && msgs[0].ID == msg.ID
	}, "chat message never reached bob")

	if err := alice.replica.Chat.Delete(context.Background(), msg.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor(t, func() bool {
		msgs := bob.replica.Chat.Messages()
		return len(msgs) == 1 && msgs[0].IsDeleted
	}, "tombstone never reached bob")
}

// TestReconciliationRepairsDroppedBroadcast drops every vote event on the bus
// and checks the periodic store re-read still converges the replica.
func TestReconciliationRepairsDroppedBroadcast(t *testing.T) {
	mem := store.NewMemory()
	ch := broadcast.NewMemoryChannel()
	session, items := seedSession(t, mem, "item")

	ch.DropFunc = func(ev events.Event) bool {
		return ev.Type == events.EventVoteSubmitted
	}

	alice := joinMember(t, session, ch, mem, "alice", models.RoleModerator)
	bob := joinMember(t, session, ch, mem, "bob", models.RoleTeamMember)

	active := items[0].ID
	if err := bob.replica.Votes.Submit(context.Background(), active, "13"); err != nil {
		t.Fatalf("vote: %v", err)
	}

	// The broadcast was dropped; nothing arrives on its own.
	time.Sleep(20 * time.Millisecond)
	if got := alice.replica.Votes.Votes(active); len(got) != 0 {
		t.Fatalf("drop hook failed, alice has %+v", got)
	}

	// The next reconciliation pass re-reads the store.
	alice.clock.BlockUntil(2)
	alice.clock.Advance(DefaultConfig().ReconcileInterval)
	waitFor(t, func() bool {
		return len(alice.replica.Votes.Votes(active)) == 1
	}, "reconciliation never repaired the dropped vote")
}

// TestReconciliationRecoversDroppedReveal drops the reveal snapshot on the
// bus and checks the store re-read still flips the follower's revealed state.
func TestReconciliationRecoversDroppedReveal(t *testing.T) {
	mem := store.NewMemory()
	ch := broadcast.NewMemoryChannel()
	session, items := seedSession(t, mem, "item")

	ch.DropFunc = func(ev events.Event) bool {
		return ev.Type == events.EventVotesRevealed
	}

	moderator := joinMember(t, session, ch, mem, "mod", models.RoleModerator)
	alice := joinMember(t, session, ch, mem, "alice", models.RoleTeamMember)

	active := items[0].ID
	if err := alice.replica.Votes.Submit(context.Background(), active, "5"); err != nil {
		t.Fatalf("vote: %v", err)
	}
	waitFor(t, func() bool {
		return len(moderator.replica.Votes.Votes(active)) == 1
	}, "vote never reached the moderator")

	if err := moderator.replica.Votes.Reveal(context.Background(), active); err != nil {
		t.Fatalf("reveal: %v", err)
	}

	// The snapshot was dropped; nothing arrives on its own.
	time.Sleep(20 * time.Millisecond)
	if alice.replica.Votes.Revealed(active) {
		t.Fatal("drop hook failed, the snapshot got through")
	}

	alice.clock.BlockUntil(2)
	alice.clock.Advance(DefaultConfig().ReconcileInterval)
	waitFor(t, func() bool {
		return alice.replica.Votes.Revealed(active)
	}, "reconciliation never recovered the reveal")
}

func TestCloseIsIdempotent(t *testing.T) {
	mem := store.NewMemory()
	ch := broadcast.NewMemoryChannel()
	session, _ := seedSession(t, mem, "item")

	alice := joinMember(t, session, ch, mem, "alice", models.RoleModerator)
	alice.replica.Close(context.Background())
	alice.replica.Close(context.Background())
}

func TestEventsForOtherSessionsIgnored(t *testing.T) {
	mem := store.NewMemory()
	ch := broadcast.NewMemoryChannel()
	session, items := seedSession(t, mem, "item")

	alice := joinMember(t, session, ch, mem, "alice", models.RoleTeamMember)

	// Same bus, different session topic: must never reach this replica.
	other := uuid.New()
	ev, _ := events.New(other, uuid.New(), events.EventVoteSubmitted, events.VotePayload{
		ItemID:  items[0].ID,
		VoterID: uuid.New(),
		Value:   "5",
	})
	if err := ch.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if got := alice.replica.Votes.Votes(items[0].ID); len(got) != 0 {
		t.Fatalf("cross-session event leaked: %+v", got)
	}
}
