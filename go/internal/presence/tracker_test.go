package presence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pointdeck/pointdeck/go/internal/broadcast"
	"github.com/pointdeck/pointdeck/go/internal/events"
	"github.com/pointdeck/pointdeck/go/internal/models"
)

func participant(name string, role models.ParticipantRole) models.Participant {
	return models.Participant{UserID: uuid.New(), DisplayName: name, Role: role}
}

func joinedEvent(t *testing.T, sessionID uuid.UUID, p models.Participant) events.Event {
	t.Helper()
	ev, err := events.New(sessionID, p.UserID, events.EventPresenceJoined, events.PresencePayload{Participant: p})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return ev
}

func TestJoinPublishesSelfRecord(t *testing.T) {
	sessionID := uuid.New()
	ch := broadcast.NewMemoryChannel()
	clock := clockwork.NewFakeClock()

	var got []events.Event
	sub, err := ch.Subscribe(sessionID, func(ev events.Event) {
		got = append(got, ev)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	tracker := NewTracker(sessionID, ch, clock, DefaultConfig())
	self := participant("alice", models.RoleModerator)
	if err := tracker.Join(context.Background(), self); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer tracker.Leave(context.Background())

	if len(got) != 1 || got[0].Type != events.EventPresenceJoined {
		t.Fatalf("expected one joined event, got %+v", got)
	}
	roster := tracker.Roster()
	if len(roster) != 1 || roster[0].UserID != self.UserID || !roster[0].Online {
		t.Fatalf("unexpected roster: %+v", roster)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	tracker := NewTracker(uuid.New(), broadcast.NewMemoryChannel(), clockwork.NewFakeClock(), DefaultConfig())
	self := participant("alice", models.RoleModerator)
	if err := tracker.Join(context.Background(), self); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer tracker.Leave(context.Background())
	if err := tracker.Join(context.Background(), self); err != nil {
		t.Fatalf("second join: %v", err)
	}
	if got := len(tracker.Roster()); got != 1 {
		t.Fatalf("expected roster of 1, got %d", got)
	}
}

func TestRemoteJoinAndLeaveConverge(t *testing.T) {
	sessionID := uuid.New()
	tracker := NewTracker(sessionID, broadcast.NewMemoryChannel(), clockwork.NewFakeClock(), DefaultConfig())
	if err := tracker.Join(context.Background(), participant("alice", models.RoleModerator)); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer tracker.Leave(context.Background())

	bob := participant("bob", models.RoleTeamMember)
	tracker.ApplyRemote(joinedEvent(t, sessionID, bob))
	if got := len(tracker.Roster()); got != 2 {
		t.Fatalf("expected 2 participants, got %d", got)
	}

	left, _ := events.New(sessionID, bob.UserID, events.EventPresenceLeft, events.PresenceLeftPayload{UserID: bob.UserID})
	tracker.ApplyRemote(left)
	if got := len(tracker.Roster()); got != 1 {
		t.Fatalf("expected 1 participant after leave, got %d", got)
	}
}

func TestReconnectNeverDuplicates(t *testing.T) {
	sessionID := uuid.New()
	tracker := NewTracker(sessionID, broadcast.NewMemoryChannel(), clockwork.NewFakeClock(), DefaultConfig())
	if err := tracker.Join(context.Background(), participant("alice", models.RoleModerator)); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer tracker.Leave(context.Background())

	bob := participant("bob", models.RoleTeamMember)
	tracker.ApplyRemote(joinedEvent(t, sessionID, bob))
	tracker.ApplyRemote(joinedEvent(t, sessionID, bob))

	if got := len(tracker.Roster()); got != 2 {
		t.Fatalf("rejoin duplicated roster entry: %d participants", got)
	}
}

func TestLateJoinerLearnsExistingRoster(t *testing.T) {
	sessionID := uuid.New()
	ch := broadcast.NewMemoryChannel()

	join := func(name string) *Tracker {
		tracker := NewTracker(sessionID, ch, clockwork.NewFakeClock(), DefaultConfig())
		sub, err := ch.Subscribe(sessionID, func(ev events.Event) { tracker.ApplyRemote(ev) })
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		t.Cleanup(func() { sub.Unsubscribe() })
		if err := tracker.Join(context.Background(), participant(name, models.RoleTeamMember)); err != nil {
			t.Fatalf("join %s: %v", name, err)
		}
		t.Cleanup(func() { tracker.Leave(context.Background()) })
		return tracker
	}

	alice := join("alice")
	bob := join("bob")

	// No heartbeat interval elapses: the join echo alone converges both
	// rosters in one round trip.
	if got := len(bob.Roster()); got != 2 {
		t.Fatalf("late joiner sees %d participants, want 2", got)
	}
	if got := len(alice.Roster()); got != 2 {
		t.Fatalf("existing member sees %d participants, want 2", got)
	}
}

func TestOwnEventsIgnored(t *testing.T) {
	sessionID := uuid.New()
	tracker := NewTracker(sessionID, broadcast.NewMemoryChannel(), clockwork.NewFakeClock(), DefaultConfig())
	self := participant("alice", models.RoleModerator)
	if err := tracker.Join(context.Background(), self); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer tracker.Leave(context.Background())

	// Our own leave looping back must not remove the local record.
	left, _ := events.New(sessionID, self.UserID, events.EventPresenceLeft, events.PresenceLeftPayload{UserID: self.UserID})
	tracker.ApplyRemote(left)
	if got := len(tracker.Roster()); got != 1 {
		t.Fatalf("own leave event removed self: %d participants", got)
	}
}

func TestGhostReapAfterTimeout(t *testing.T) {
	sessionID := uuid.New()
	clock := clockwork.NewFakeClock()
	config := Config{HeartbeatInterval: 5 * time.Second, GhostTimeout: 15 * time.Second}
	tracker := NewTracker(sessionID, broadcast.NewMemoryChannel(), clock, config)

	changes := make(chan RosterChange, 16)
	tracker.OnChange(func(c RosterChange) { changes <- c })

	if err := tracker.Join(context.Background(), participant("alice", models.RoleModerator)); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer tracker.Leave(context.Background())
	clock.BlockUntil(1)

	bob := participant("bob", models.RoleTeamMember)
	tracker.ApplyRemote(joinedEvent(t, sessionID, bob))
	drainChanges(changes)

	// Three missed beats pass without hearing from bob.
	for i := 0; i < 4; i++ {
		clock.Advance(config.HeartbeatInterval)
		clock.BlockUntil(1)
	}

	select {
	case c := <-changes:
		if c.Kind != ChangeLeft || c.Participant.UserID != bob.UserID {
			t.Fatalf("unexpected change: %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ghost was never reaped")
	}
	if got := len(tracker.Roster()); got != 1 {
		t.Fatalf("expected ghost removed, roster has %d", got)
	}
}

func TestHeartbeatKeepsRemoteAlive(t *testing.T) {
	sessionID := uuid.New()
	clock := clockwork.NewFakeClock()
	config := Config{HeartbeatInterval: 5 * time.Second, GhostTimeout: 15 * time.Second}
	tracker := NewTracker(sessionID, broadcast.NewMemoryChannel(), clock, config)

	if err := tracker.Join(context.Background(), participant("alice", models.RoleModerator)); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer tracker.Leave(context.Background())
	clock.BlockUntil(1)

	bob := participant("bob", models.RoleTeamMember)
	tracker.ApplyRemote(joinedEvent(t, sessionID, bob))

	for i := 0; i < 6; i++ {
		clock.Advance(config.HeartbeatInterval)
		clock.BlockUntil(1)
		// Bob's heartbeat arrives each interval, refreshing last-seen.
		beat, _ := events.New(sessionID, bob.UserID, events.EventPresenceHeartbeat, events.PresencePayload{Participant: bob})
		tracker.ApplyRemote(beat)
	}

	if got := len(tracker.Roster()); got != 2 {
		t.Fatalf("heartbeating remote was reaped: %d participants", got)
	}
}

func TestUpdateSelfNotifiesAndRepublishes(t *testing.T) {
	sessionID := uuid.New()
	ch := broadcast.NewMemoryChannel()
	tracker := NewTracker(sessionID, ch, clockwork.NewFakeClock(), DefaultConfig())

	if err := tracker.Join(context.Background(), participant("alice", models.RoleModerator)); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer tracker.Leave(context.Background())

	var published []events.Event
	sub, err := ch.Subscribe(sessionID, func(ev events.Event) { published = append(published, ev) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	err = tracker.UpdateSelf(context.Background(), func(p *models.Participant) {
		p.InCall = true
	})
	if err != nil {
		t.Fatalf("update self: %v", err)
	}

	if !tracker.Self().InCall {
		t.Fatal("self record not updated")
	}
	if len(published) != 1 || published[0].Type != events.EventPresenceHeartbeat {
		t.Fatalf("expected immediate heartbeat publish, got %+v", published)
	}
}

func TestRosterOrderedByJoinTime(t *testing.T) {
	sessionID := uuid.New()
	clock := clockwork.NewFakeClock()
	tracker := NewTracker(sessionID, broadcast.NewMemoryChannel(), clock, DefaultConfig())

	if err := tracker.Join(context.Background(), participant("alice", models.RoleModerator)); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer tracker.Leave(context.Background())

	bob := participant("bob", models.RoleTeamMember)
	bob.OnlineAt = clock.Now().UTC().Add(time.Minute)
	carol := participant("carol", models.RoleTeamMember)
	carol.OnlineAt = clock.Now().UTC().Add(2 * time.Minute)

	tracker.ApplyRemote(joinedEvent(t, sessionID, carol))
	tracker.ApplyRemote(joinedEvent(t, sessionID, bob))

	roster := tracker.Roster()
	if len(roster) != 3 {
		t.Fatalf("expected 3 participants, got %d", len(roster))
	}
	if roster[0].DisplayName != "alice" || roster[1].DisplayName != "bob" || roster[2].DisplayName != "carol" {
		t.Fatalf("roster out of order: %s, %s, %s", roster[0].DisplayName, roster[1].DisplayName, roster[2].DisplayName)
	}
}

func drainChanges(ch chan RosterChange) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
