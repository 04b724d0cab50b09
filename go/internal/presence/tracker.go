package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/go/internal/broadcast"
	"github.com/pointdeck/pointdeck/go/internal/events"
	"github.com/pointdeck/pointdeck/go/internal/models"
)

// ChangeKind classifies a roster change delivered to OnChange callbacks.
type ChangeKind string

const (
	ChangeJoined  ChangeKind = "joined"
	ChangeLeft    ChangeKind = "left"
	ChangeUpdated ChangeKind = "updated"
)

// RosterChange is one membership delta plus the resulting full roster.
type RosterChange struct {
	Kind        ChangeKind
	Participant models.Participant
	Roster      []models.Participant
}

// Config tunes heartbeat cadence and ghost detection.
type Config struct {
	HeartbeatInterval time.Duration
	// GhostTimeout is how stale a remote record may get before it is reaped.
	// A client that vanished without a leave only disappears when this fires.
	GhostTimeout time.Duration
}

// DefaultConfig returns the standard cadence: heartbeat every 5s, reap after
// three missed beats.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		GhostTimeout:      15 * time.Second,
	}
}

// Tracker maintains the live participant roster for one session. The local
// client publishes only its own record; remote records are replicated from
// joins and heartbeats and deduplicated by user id, so a reconnecting client
// never appears twice.
type Tracker struct {
	sessionID uuid.UUID
	channel   broadcast.Channel
	clock     clockwork.Clock
	config    Config

	mu       sync.Mutex
	self     models.Participant
	roster   map[uuid.UUID]models.Participant
	onChange func(RosterChange)
	joined   bool
	stopCh   chan struct{}
}

// NewTracker creates a tracker for the given session.
func NewTracker(sessionID uuid.UUID, channel broadcast.Channel, clock clockwork.Clock, config Config) *Tracker {
	return &Tracker{
		sessionID: sessionID,
		channel:   channel,
		clock:     clock,
		config:    config,
		roster:    make(map[uuid.UUID]models.Participant),
	}
}

// OnChange registers the roster-change callback. Must be set before Join.
func (t *Tracker) OnChange(fn func(RosterChange)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Join publishes the self record and starts the heartbeat loop. The record
// always carries a display name; nothing downstream needs a fallback chain.
func (t *Tracker) Join(ctx context.Context, self models.Participant) error {
	t.mu.Lock()
	if t.joined {
		t.mu.Unlock()
		return nil
	}
	now := t.clock.Now().UTC()
	self.Online = true
	self.OnlineAt = now
	self.LastSeenAt = now
	t.self = self
	t.roster[self.UserID] = self
	t.joined = true
	t.stopCh = make(chan struct{})
	stopCh := t.stopCh
	t.mu.Unlock()

	t.notify(ChangeJoined, self)

	ev, err := events.New(t.sessionID, self.UserID, events.EventPresenceJoined, events.PresencePayload{Participant: self})
	if err != nil {
		return err
	}
	if err := t.channel.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("session_id", t.sessionID.String()).Msg("presence join publish failed")
	}

	go t.heartbeatLoop(ctx, stopCh)
	return nil
}

// Leave publishes the departure and stops heartbeats. Idempotent: both the
// explicit leave and teardown paths call it.
func (t *Tracker) Leave(ctx context.Context) {
	t.mu.Lock()
	if !t.joined {
		t.mu.Unlock()
		return
	}
	t.joined = false
	close(t.stopCh)
	self := t.self
	delete(t.roster, self.UserID)
	t.mu.Unlock()

	t.notify(ChangeLeft, self)

	ev, err := events.New(t.sessionID, self.UserID, events.EventPresenceLeft, events.PresenceLeftPayload{UserID: self.UserID})
	if err != nil {
		log.Error().Err(err).Msg("building presence leave event")
		return
	}
	if err := t.channel.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("session_id", t.sessionID.String()).Msg("presence leave publish failed")
	}
}

// UpdateSelf mutates the local participant record (call flags, media flags)
// and republishes it immediately so peers converge without waiting a beat.
func (t *Tracker) UpdateSelf(ctx context.Context, mutate func(*models.Participant)) error {
	t.mu.Lock()
	if !t.joined {
		t.mu.Unlock()
		return nil
	}
	mutate(&t.self)
	t.self.LastSeenAt = t.clock.Now().UTC()
	self := t.self
	t.roster[self.UserID] = self
	t.mu.Unlock()

	t.notify(ChangeUpdated, self)

	ev, err := events.New(t.sessionID, self.UserID, events.EventPresenceHeartbeat, events.PresencePayload{Participant: self})
	if err != nil {
		return err
	}
	return t.channel.Publish(ctx, ev)
}

// Self returns the local participant record.
func (t *Tracker) Self() models.Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.self
}

// Roster returns the current deduplicated participant set, ordered by join
// time for stable display. Order is irrelevant to correctness.
func (t *Tracker) Roster() []models.Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rosterLocked()
}

func (t *Tracker) rosterLocked() []models.Participant {
	roster := make([]models.Participant, 0, len(t.roster))
	for _, p := range t.roster {
		roster = append(roster, p)
	}
	sort.Slice(roster, func(i, j int) bool {
		if roster[i].OnlineAt.Equal(roster[j].OnlineAt) {
			return roster[i].UserID.String() < roster[j].UserID.String()
		}
		return roster[i].OnlineAt.Before(roster[j].OnlineAt)
	})
	return roster
}

// ApplyRemote merges a presence event from the broadcast channel. Events about
// the local participant are ignored; the local record is authoritative here.
func (t *Tracker) ApplyRemote(ev events.Event) {
	payload, err := events.ParsePayload(ev)
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed presence event")
		return
	}

	switch p := payload.(type) {
	case events.PresencePayload:
		t.applyRecord(ev.Type, p.Participant)
	case events.PresenceLeftPayload:
		t.applyLeft(p.UserID)
	}
}

func (t *Tracker) applyRecord(typ events.EventType, remote models.Participant) {
	t.mu.Lock()
	if remote.UserID == t.self.UserID {
		t.mu.Unlock()
		return
	}
	_, known := t.roster[remote.UserID]
	remote.LastSeenAt = t.clock.Now().UTC()
	t.roster[remote.UserID] = remote
	t.mu.Unlock()

	if !known {
		// Echo the local record back so the newcomer learns the existing
		// roster in one round trip instead of waiting out a heartbeat. Only
		// joins are echoed; echoes arrive as heartbeats and stop the loop.
		if typ == events.EventPresenceJoined {
			t.echoSelf()
		}
		t.notify(ChangeJoined, remote)
		return
	}
	// Heartbeats refresh liveness silently; only record changes are surfaced.
	if typ == events.EventPresenceJoined {
		t.notify(ChangeJoined, remote)
	} else {
		t.notify(ChangeUpdated, remote)
	}
}

func (t *Tracker) echoSelf() {
	t.mu.Lock()
	if !t.joined {
		t.mu.Unlock()
		return
	}
	self := t.self
	t.mu.Unlock()

	ev, err := events.New(t.sessionID, self.UserID, events.EventPresenceHeartbeat, events.PresencePayload{Participant: self})
	if err != nil {
		log.Error().Err(err).Msg("building join echo event")
		return
	}
	if err := t.channel.Publish(context.Background(), ev); err != nil {
		log.Debug().Err(err).Msg("join echo publish failed")
	}
}

func (t *Tracker) applyLeft(userID uuid.UUID) {
	t.mu.Lock()
	if userID == t.self.UserID {
		t.mu.Unlock()
		return
	}
	p, known := t.roster[userID]
	delete(t.roster, userID)
	t.mu.Unlock()

	if known {
		t.notify(ChangeLeft, p)
	}
}

func (t *Tracker) heartbeatLoop(ctx context.Context, stopCh chan struct{}) {
	ticker := t.clock.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			t.beat(ctx)
			t.reapGhosts()
		}
	}
}

func (t *Tracker) beat(ctx context.Context) {
	t.mu.Lock()
	if !t.joined {
		t.mu.Unlock()
		return
	}
	t.self.LastSeenAt = t.clock.Now().UTC()
	self := t.self
	t.roster[self.UserID] = self
	t.mu.Unlock()

	// The full record rides every beat so a late joiner converges from any
	// single heartbeat, no history needed.
	ev, err := events.New(t.sessionID, self.UserID, events.EventPresenceHeartbeat, events.PresencePayload{Participant: self})
	if err != nil {
		log.Error().Err(err).Msg("building heartbeat event")
		return
	}
	if err := t.channel.Publish(ctx, ev); err != nil {
		log.Debug().Err(err).Msg("heartbeat publish failed")
	}
}

// reapGhosts drops remote records whose last-seen exceeded the ghost timeout.
// The reap is local only: nobody publishes a leave on another client's behalf.
func (t *Tracker) reapGhosts() {
	cutoff := t.clock.Now().UTC().Add(-t.config.GhostTimeout)

	t.mu.Lock()
	var reaped []models.Participant
	for id, p := range t.roster {
		if id == t.self.UserID {
			continue
		}
		if p.LastSeenAt.Before(cutoff) {
			delete(t.roster, id)
			reaped = append(reaped, p)
		}
	}
	t.mu.Unlock()

	for _, p := range reaped {
		log.Info().
			Str("session_id", t.sessionID.String()).
			Str("user_id", p.UserID.String()).
			Msg("reaped ghost participant")
		t.notify(ChangeLeft, p)
	}
}

func (t *Tracker) notify(kind ChangeKind, p models.Participant) {
	t.mu.Lock()
	fn := t.onChange
	roster := t.rosterLocked()
	t.mu.Unlock()

	if fn != nil {
		fn(RosterChange{Kind: kind, Participant: p, Roster: roster})
	}
}
