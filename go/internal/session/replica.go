package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/go/internal/broadcast"
	"github.com/pointdeck/pointdeck/go/internal/chat"
	"github.com/pointdeck/pointdeck/go/internal/events"
	"github.com/pointdeck/pointdeck/go/internal/models"
	"github.com/pointdeck/pointdeck/go/internal/navigator"
	"github.com/pointdeck/pointdeck/go/internal/presence"
	"github.com/pointdeck/pointdeck/go/internal/store"
	"github.com/pointdeck/pointdeck/go/internal/timer"
	"github.com/pointdeck/pointdeck/go/internal/video"
	"github.com/pointdeck/pointdeck/go/internal/vote"
)

// Config tunes the replica's reconciliation cadence and event buffering.
type Config struct {
	// ReconcileInterval is how often authoritative store state is re-read as
	// the backstop for dropped or reordered broadcasts.
	ReconcileInterval time.Duration
	// EventBuffer sizes the inbound event queue. The transport is at most
	// once; a full buffer drops, reconciliation corrects.
	EventBuffer int
	Presence    presence.Config
}

// DefaultConfig returns the standard cadence.
func DefaultConfig() Config {
	return Config{
		ReconcileInterval: 10 * time.Second,
		EventBuffer:       256,
		Presence:          presence.DefaultConfig(),
	}
}

// Replica is one client's complete view of a session. All inbound broadcast
// events funnel through a single goroutine, so component state is mutated
// from one place only. Local intents (votes, chat, navigation) call the
// components directly, which publish and merge exactly like remote events do.
type Replica struct {
	sessionID uuid.UUID
	channel   broadcast.Channel
	store     store.Store
	clock     clockwork.Clock
	config    Config

	Presence  *presence.Tracker
	Votes     *vote.Aggregator
	Timer     *timer.Coordinator
	Navigator *navigator.Navigator
	Mesh      *video.Mesh
	Chat      *chat.Sync

	eventCh   chan events.Event
	sub       broadcast.Subscription
	cancel    context.CancelFunc
	closeOnce sync.Once
	doneCh    chan struct{}

	mu      sync.Mutex
	running bool
	dropped int
}

// NewReplica assembles the component graph for one session. videoCallbacks
// may be the zero value when the client does not join calls.
func NewReplica(session models.Session, channel broadcast.Channel, st store.Store, clock clockwork.Clock, config Config, videoCallbacks video.Callbacks) *Replica {
	r := &Replica{
		sessionID: session.ID,
		channel:   channel,
		store:     st,
		clock:     clock,
		config:    config,
		eventCh:   make(chan events.Event, config.EventBuffer),
		doneCh:    make(chan struct{}),
	}

	r.Presence = presence.NewTracker(session.ID, channel, clock, config.Presence)
	self := r.Presence.Self
	r.Votes = vote.NewAggregator(session.ID, session.Scale, channel, st, clock, self)
	r.Timer = timer.NewCoordinator(session.ID, channel, clock, self)
	r.Navigator = navigator.NewNavigator(session.ID, channel, st, self, r.Votes, r.Timer)
	r.Mesh = video.NewMesh(session.ID, channel, r.Presence, videoCallbacks)
	r.Chat = chat.NewSync(session.ID, channel, st, clock, self)

	return r
}

// Join subscribes to the broadcast channel, loads authoritative state, joins
// presence and starts the event loop. On the moderator replica the timer's
// expiry auto-reveals the active item's votes.
func (r *Replica) Join(ctx context.Context, self models.Participant) error {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel

	sub, err := r.channel.Subscribe(r.sessionID, r.enqueue)
	if err != nil {
		cancel()
		return err
	}
	r.sub = sub

	if err := r.Navigator.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("initial item load failed, reconciliation will retry")
	}
	if err := r.Chat.Backfill(ctx, chat.DefaultBackfillLimit); err != nil {
		log.Warn().Err(err).Msg("initial chat backfill failed, reconciliation will retry")
	}

	if self.IsModerator() {
		r.Timer.OnExpired(func(itemID uuid.UUID) {
			if err := r.Votes.Reveal(loopCtx, itemID); err != nil {
				log.Error().Err(err).Str("item_id", itemID.String()).Msg("auto-reveal on expiry failed")
			}
		})
	}
	r.Presence.OnChange(func(change presence.RosterChange) {
		r.Mesh.HandlePresence(loopCtx, change)
	})

	if err := r.Presence.Join(loopCtx, self); err != nil {
		return err
	}

	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	go r.run(loopCtx)

	log.Info().
		Str("session_id", r.sessionID.String()).
		Str("user_id", self.UserID.String()).
		Str("role", string(self.Role)).
		Msg("joined session")
	return nil
}

// Close tears the replica down: unsubscribe, leave the call, untrack
// presence, stop the loop. Safe to call more than once; both the explicit
// leave path and liveness-timeout cleanup land here.
func (r *Replica) Close(ctx context.Context) {
	r.closeOnce.Do(func() {
		if r.sub != nil {
			if err := r.sub.Unsubscribe(); err != nil {
				log.Debug().Err(err).Msg("unsubscribe failed")
			}
		}
		if err := r.Mesh.LeaveCall(ctx); err != nil {
			log.Debug().Err(err).Msg("call leave on close failed")
		}
		r.Presence.Leave(ctx)
		if r.cancel != nil {
			r.cancel()
		}
		r.mu.Lock()
		running := r.running
		r.mu.Unlock()
		if running {
			<-r.doneCh
		}
		log.Info().Str("session_id", r.sessionID.String()).Msg("left session")
	})
}

// DroppedEvents reports how many inbound events were shed because the buffer
// was full. They are corrected by reconciliation, not redelivered.
func (r *Replica) DroppedEvents() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Replica) enqueue(ev events.Event) {
	select {
	case r.eventCh <- ev:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		log.Warn().Str("type", string(ev.Type)).Msg("event buffer full, dropping")
	}
}

func (r *Replica) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := r.clock.NewTicker(r.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.eventCh:
			r.apply(ctx, ev)
		case <-ticker.Chan():
			r.reconcile(ctx)
		}
	}
}

// apply routes one inbound event to its component. The switch is exhaustive
// over the catalogue; unknown types are counted and dropped so a new event
// type cannot be silently ignored in the logs.
func (r *Replica) apply(ctx context.Context, ev events.Event) {
	if ev.SessionID != r.sessionID {
		return
	}

	switch ev.Type {
	case events.EventPresenceJoined, events.EventPresenceLeft, events.EventPresenceHeartbeat:
		r.Presence.ApplyRemote(ev)

	case events.EventVoteSubmitted, events.EventVoteChanged, events.EventVotesRevealed,
		events.EventConsensusChanged, events.EventEstimationTypeChanged:
		r.Votes.ApplyRemote(ev)

	case events.EventTimerStarted, events.EventTimerPaused, events.EventTimerResumed,
		events.EventTimerReset, events.EventTimerTick, events.EventTimerConfigChanged:
		r.Timer.ApplyRemote(ev)

	case events.EventItemChanged:
		r.Navigator.ApplyRemote(ctx, ev)

	case events.EventChatMessage, events.EventChatMessageUpdated, events.EventChatMessageDeleted:
		r.Chat.ApplyRemote(ctx, ev)

	case events.EventVideoSignal:
		r.Mesh.HandleSignal(ctx, ev)

	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		log.Warn().Str("type", string(ev.Type)).Msg("unknown event type, dropped")
	}
}

// reconcile re-reads authoritative state: the item list, the active item's
// votes, and the chat tail. Broadcast optimizes latency; this guarantees
// eventual correctness.
func (r *Replica) reconcile(ctx context.Context) {
	if err := r.Navigator.Load(ctx); err != nil {
		log.Debug().Err(err).Msg("reconciliation item load failed")
	}
	if err := r.Chat.Backfill(ctx, chat.DefaultBackfillLimit); err != nil {
		log.Debug().Err(err).Msg("reconciliation chat backfill failed")
	}
}
