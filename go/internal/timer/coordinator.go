package timer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/go/internal/broadcast"
	"github.com/pointdeck/pointdeck/go/internal/events"
	"github.com/pointdeck/pointdeck/go/internal/models"
)

var (
	// ErrNotModerator rejects timer control from non-moderators locally,
	// before any publish.
	ErrNotModerator = errors.New("timer control requires moderator role")
	// ErrInvalidTransition means the requested transition is not legal from
	// the current phase.
	ErrInvalidTransition = errors.New("invalid timer transition")
)

// DefaultLimitSec is the countdown used when no limit has been configured.
const DefaultLimitSec = 60

// Coordinator replicates a single-authority countdown. The moderator's
// replica owns the clock: it recomputes remaining time every second and
// publishes ticks. Every other replica mirrors those ticks verbatim and never
// decrements on its own, so clock skew between clients cannot cause drift,
// at the cost of the countdown stalling if the moderator disconnects.
type Coordinator struct {
	sessionID uuid.UUID
	channel   broadcast.Channel
	clock     clockwork.Clock
	self      func() models.Participant

	mu        sync.Mutex
	state     models.TimerState
	limitSec  int
	deadline  time.Time
	stopCh    chan struct{}
	onExpired func(itemID uuid.UUID)
}

// NewCoordinator creates an idle coordinator.
func NewCoordinator(sessionID uuid.UUID, channel broadcast.Channel, clock clockwork.Clock, self func() models.Participant) *Coordinator {
	return &Coordinator{
		sessionID: sessionID,
		channel:   channel,
		clock:     clock,
		self:      self,
		limitSec:  DefaultLimitSec,
		state:     models.TimerState{Phase: models.TimerIdle},
	}
}

// OnExpired registers the expiry callback, fired on the moderator replica
// when remaining reaches zero. The session wires it to the vote reveal.
func (c *Coordinator) OnExpired(fn func(itemID uuid.UUID)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExpired = fn
}

// State returns a copy of the replicated timer state.
func (c *Coordinator) State() models.TimerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Limit returns the configured default duration in seconds.
func (c *Coordinator) Limit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limitSec
}

// Start begins a countdown for the item. durationSec of 0 uses the configured
// limit. Moderator only; legal from Idle or Expired.
func (c *Coordinator) Start(ctx context.Context, itemID uuid.UUID, durationSec int) error {
	self := c.self()
	if !self.IsModerator() {
		return ErrNotModerator
	}

	c.mu.Lock()
	if c.state.Phase == models.TimerRunning || c.state.Phase == models.TimerPaused {
		c.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, c.state.Phase)
	}
	if durationSec <= 0 {
		durationSec = c.limitSec
	}
	c.state = models.TimerState{
		Phase:        models.TimerRunning,
		RemainingSec: durationSec,
		DurationSec:  durationSec,
		Running:      true,
		ItemID:       itemID,
	}
	c.deadline = c.clock.Now().Add(time.Duration(durationSec) * time.Second)
	c.startTickLoopLocked(ctx)
	c.mu.Unlock()

	ev, err := events.New(c.sessionID, self.UserID, events.EventTimerStarted, events.TimerStartedPayload{
		ItemID:      itemID,
		DurationSec: durationSec,
		StartedAt:   c.clock.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return c.channel.Publish(ctx, ev)
}

// Pause freezes the countdown. Moderator only; legal from Running.
func (c *Coordinator) Pause(ctx context.Context) error {
	self := c.self()
	if !self.IsModerator() {
		return ErrNotModerator
	}

	c.mu.Lock()
	if c.state.Phase != models.TimerRunning {
		c.mu.Unlock()
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, c.state.Phase)
	}
	c.stopTickLoopLocked()
	c.state.Phase = models.TimerPaused
	c.state.Running = false
	remaining := c.state.RemainingSec
	itemID := c.state.ItemID
	c.mu.Unlock()

	ev, err := events.New(c.sessionID, self.UserID, events.EventTimerPaused, events.TimerPausedPayload{
		ItemID:       itemID,
		RemainingSec: remaining,
	})
	if err != nil {
		return err
	}
	return c.channel.Publish(ctx, ev)
}

// Resume continues a paused countdown from its remaining value. Moderator
// only; legal from Paused.
func (c *Coordinator) Resume(ctx context.Context) error {
	self := c.self()
	if !self.IsModerator() {
		return ErrNotModerator
	}

	c.mu.Lock()
	if c.state.Phase != models.TimerPaused {
		c.mu.Unlock()
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, c.state.Phase)
	}
	c.state.Phase = models.TimerRunning
	c.state.Running = true
	c.deadline = c.clock.Now().Add(time.Duration(c.state.RemainingSec) * time.Second)
	remaining := c.state.RemainingSec
	itemID := c.state.ItemID
	c.startTickLoopLocked(ctx)
	c.mu.Unlock()

	ev, err := events.New(c.sessionID, self.UserID, events.EventTimerResumed, events.TimerResumedPayload{
		ItemID:       itemID,
		RemainingSec: remaining,
	})
	if err != nil {
		return err
	}
	return c.channel.Publish(ctx, ev)
}

// Reset returns the timer to idle from any phase. Moderator only.
func (c *Coordinator) Reset(ctx context.Context) error {
	self := c.self()
	if !self.IsModerator() {
		return ErrNotModerator
	}

	c.mu.Lock()
	c.stopTickLoopLocked()
	itemID := c.state.ItemID
	c.state = models.TimerState{Phase: models.TimerIdle}
	c.mu.Unlock()

	ev, err := events.New(c.sessionID, self.UserID, events.EventTimerReset, events.TimerResetPayload{ItemID: itemID})
	if err != nil {
		return err
	}
	return c.channel.Publish(ctx, ev)
}

// SetLimit changes the default duration, effective on the next Start, and
// publishes it so late joiners see the new default. Moderator only.
func (c *Coordinator) SetLimit(ctx context.Context, seconds int) error {
	self := c.self()
	if !self.IsModerator() {
		return ErrNotModerator
	}
	if seconds <= 0 {
		return fmt.Errorf("%w: non-positive limit %d", ErrInvalidTransition, seconds)
	}

	c.mu.Lock()
	c.limitSec = seconds
	c.mu.Unlock()

	ev, err := events.New(c.sessionID, self.UserID, events.EventTimerConfigChanged, events.TimerConfigChangedPayload{
		NewLimitSec: seconds,
	})
	if err != nil {
		return err
	}
	return c.channel.Publish(ctx, ev)
}

// ApplyRemote overwrites local state from a timer event. Followers converge
// on whatever the authority last published; a missed tick costs at most one
// second until the next one lands.
func (c *Coordinator) ApplyRemote(ev events.Event) {
	payload, err := events.ParsePayload(ev)
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed timer event")
		return
	}

	// The authority's own publishes loop back over the channel; local state
	// is already ahead of them.
	if ev.ActorID == c.self().UserID {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch p := payload.(type) {
	case events.TimerStartedPayload:
		c.state = models.TimerState{
			Phase:        models.TimerRunning,
			RemainingSec: p.DurationSec,
			DurationSec:  p.DurationSec,
			Running:      true,
			ItemID:       p.ItemID,
		}
	case events.TimerPausedPayload:
		c.state.Phase = models.TimerPaused
		c.state.Running = false
		c.state.RemainingSec = p.RemainingSec
	case events.TimerResumedPayload:
		c.state.Phase = models.TimerRunning
		c.state.Running = true
		c.state.RemainingSec = p.RemainingSec
	case events.TimerResetPayload:
		c.state = models.TimerState{Phase: models.TimerIdle}
	case events.TimerTickPayload:
		// Ticks after a reset raced with it; a reset wins.
		if c.state.Phase == models.TimerIdle {
			return
		}
		c.state.RemainingSec = p.RemainingSec
		c.state.Running = p.Running
		c.state.ItemID = p.ItemID
		if p.RemainingSec == 0 && !p.Running {
			c.state.Phase = models.TimerExpired
		}
	case events.TimerConfigChangedPayload:
		c.limitSec = p.NewLimitSec
	}
}

func (c *Coordinator) startTickLoopLocked(ctx context.Context) {
	c.stopTickLoopLocked()
	c.stopCh = make(chan struct{})
	go c.tickLoop(ctx, c.stopCh)
}

func (c *Coordinator) stopTickLoopLocked() {
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
}

// tickLoop runs on the moderator replica while the timer is running. Each
// second it recomputes remaining time from the deadline (robust to tick
// jitter) and publishes the authoritative overwrite.
func (c *Coordinator) tickLoop(ctx context.Context, stopCh chan struct{}) {
	ticker := c.clock.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if expired := c.tick(ctx); expired {
				return
			}
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) bool {
	c.mu.Lock()
	if c.state.Phase != models.TimerRunning {
		c.mu.Unlock()
		return true
	}
	remaining := int(c.deadline.Sub(c.clock.Now()).Round(time.Second).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	c.state.RemainingSec = remaining
	expired := remaining == 0
	if expired {
		c.state.Phase = models.TimerExpired
		c.state.Running = false
		c.stopCh = nil
	}
	itemID := c.state.ItemID
	running := c.state.Running
	onExpired := c.onExpired
	c.mu.Unlock()

	ev, err := events.New(c.sessionID, c.self().UserID, events.EventTimerTick, events.TimerTickPayload{
		ItemID:       itemID,
		RemainingSec: remaining,
		Running:      running,
	})
	if err == nil {
		if err := c.channel.Publish(ctx, ev); err != nil {
			log.Debug().Err(err).Msg("tick publish failed")
		}
	}

	if expired && onExpired != nil {
		onExpired(itemID)
	}
	return expired
}
