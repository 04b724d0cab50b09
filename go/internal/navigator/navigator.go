package navigator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/go/internal/broadcast"
	"github.com/pointdeck/pointdeck/go/internal/events"
	"github.com/pointdeck/pointdeck/go/internal/models"
	"github.com/pointdeck/pointdeck/go/internal/store"
	"github.com/pointdeck/pointdeck/go/internal/timer"
	"github.com/pointdeck/pointdeck/go/internal/vote"
)

var (
	// ErrNotModerator rejects navigation from non-moderators locally.
	ErrNotModerator = errors.New("navigation requires moderator role")
	// ErrIndexOutOfRange means the requested item index does not exist.
	ErrIndexOutOfRange = errors.New("item index out of range")
	// ErrNoActiveItem means the session has no items to act on.
	ErrNoActiveItem = errors.New("no active item")
)

// Navigator is the top-level per-session state machine: which item is active,
// and the accept/skip transitions that resolve an item. The active index is
// moderator-owned; followers apply item-changed events unconditionally, so
// last message wins without conflict resolution.
type Navigator struct {
	sessionID  uuid.UUID
	channel    broadcast.Channel
	store      store.Store
	self       func() models.Participant
	aggregator *vote.Aggregator
	countdown  *timer.Coordinator

	mu    sync.Mutex
	items []models.Item
	index int
}

// NewNavigator creates a navigator over the aggregator and timer it resets on
// every move.
func NewNavigator(sessionID uuid.UUID, channel broadcast.Channel, st store.Store, self func() models.Participant, agg *vote.Aggregator, countdown *timer.Coordinator) *Navigator {
	return &Navigator{
		sessionID:  sessionID,
		channel:    channel,
		store:      st,
		self:       self,
		aggregator: agg,
		countdown:  countdown,
	}
}

// Load fetches the session's ordered item list and the active item's votes
// from the store. Called on mount and by reconciliation.
func (n *Navigator) Load(ctx context.Context) error {
	items, err := n.store.ListSessionItems(ctx, n.sessionID)
	if err != nil {
		return fmt.Errorf("load session items: %w", err)
	}

	n.mu.Lock()
	n.items = items
	if n.index >= len(items) {
		n.index = 0
	}
	item, ok := n.activeLocked()
	n.mu.Unlock()

	if !ok {
		return nil
	}
	return n.aggregator.Reconcile(ctx, item.ID)
}

// Items returns a copy of the item list.
func (n *Navigator) Items() []models.Item {
	n.mu.Lock()
	defer n.mu.Unlock()
	items := make([]models.Item, len(n.items))
	copy(items, n.items)
	return items
}

// Index returns the active item index.
func (n *Navigator) Index() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.index
}

// ActiveItem returns the item under estimation, if any.
func (n *Navigator) ActiveItem() (models.Item, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.activeLocked()
}

func (n *Navigator) activeLocked() (models.Item, bool) {
	if n.index < 0 || n.index >= len(n.items) {
		return models.Item{}, false
	}
	return n.items[n.index], true
}

// GoTo moves the active index and publishes the move. Moderator only. The
// local replica resets vote and timer state for the outgoing item and
// re-fetches the incoming item's persisted votes rather than replaying
// history, which bounds recovery cost after being offline.
func (n *Navigator) GoTo(ctx context.Context, index int) error {
	self := n.self()
	if !self.IsModerator() {
		return ErrNotModerator
	}

	n.mu.Lock()
	if index < 0 || index >= len(n.items) {
		n.mu.Unlock()
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(n.items))
	}
	n.index = index
	item := n.items[index]
	n.mu.Unlock()

	if err := n.moveTo(ctx, item); err != nil {
		return err
	}

	ev, err := events.New(n.sessionID, self.UserID, events.EventItemChanged, events.ItemChangedPayload{
		NewIndex:  index,
		ItemID:    item.ID,
		ChangedBy: self.UserID,
	})
	if err != nil {
		return err
	}
	return n.channel.Publish(ctx, ev)
}

// Accept snapshots the final estimate (moderator override if present,
// otherwise the derived consensus), persists status Estimated, and advances
// to the next pending item. Accept is one-way: an item already estimated is
// left untouched, so later vote edits never retroactively change it.
func (n *Navigator) Accept(ctx context.Context) error {
	self := n.self()
	if !self.IsModerator() {
		return ErrNotModerator
	}

	n.mu.Lock()
	item, ok := n.activeLocked()
	n.mu.Unlock()
	if !ok {
		return ErrNoActiveItem
	}

	if item.Status != models.ItemStatusEstimated {
		consensus := n.aggregator.Consensus(item.ID)
		if consensus.Value == "" {
			return fmt.Errorf("accept %s: no consensus value", item.ID)
		}
		estimate := consensus.Value
		updated, err := n.store.UpdateItem(ctx, item.ID, models.ItemStatusEstimated, &estimate)
		if err != nil {
			return fmt.Errorf("persist accepted estimate: %w", err)
		}
		n.replaceItem(*updated)
		log.Info().
			Str("item_id", item.ID.String()).
			Str("estimate", estimate).
			Msg("item accepted")
	}

	return n.advance(ctx)
}

// Skip marks the active item skipped and advances. The item stays
// revisitable: a later GoTo back to it reopens voting.
func (n *Navigator) Skip(ctx context.Context) error {
	self := n.self()
	if !self.IsModerator() {
		return ErrNotModerator
	}

	n.mu.Lock()
	item, ok := n.activeLocked()
	n.mu.Unlock()
	if !ok {
		return ErrNoActiveItem
	}

	updated, err := n.store.UpdateItem(ctx, item.ID, models.ItemStatusSkipped, item.FinalEstimate)
	if err != nil {
		return fmt.Errorf("persist skip: %w", err)
	}
	n.replaceItem(*updated)

	return n.advance(ctx)
}

// ApplyRemote applies an item-changed move from the moderator. Unconditional:
// only the moderator publishes these.
func (n *Navigator) ApplyRemote(ctx context.Context, ev events.Event) {
	payload, err := events.ParsePayload(ev)
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed navigator event")
		return
	}
	p, ok := payload.(events.ItemChangedPayload)
	if !ok {
		return
	}
	if ev.ActorID == n.self().UserID {
		return
	}

	n.mu.Lock()
	if p.NewIndex < 0 || p.NewIndex >= len(n.items) {
		// The index points past our stale item list; reload it first.
		n.mu.Unlock()
		if err := n.Load(ctx); err != nil {
			log.Warn().Err(err).Msg("item list reload failed")
			return
		}
		n.mu.Lock()
		if p.NewIndex < 0 || p.NewIndex >= len(n.items) {
			n.mu.Unlock()
			return
		}
	}
	n.index = p.NewIndex
	item := n.items[p.NewIndex]
	n.mu.Unlock()

	if err := n.moveTo(ctx, item); err != nil {
		log.Warn().Err(err).Str("item_id", item.ID.String()).Msg("state reset after move failed")
	}
}

// advance moves to the next pending item after the current index, if any,
// publishing the move. No pending item leaves the index in place.
func (n *Navigator) advance(ctx context.Context) error {
	n.mu.Lock()
	next := -1
	for i := n.index + 1; i < len(n.items); i++ {
		if n.items[i].Status == models.ItemStatusPending {
			next = i
			break
		}
	}
	n.mu.Unlock()

	if next < 0 {
		return nil
	}
	return n.GoTo(ctx, next)
}

// moveTo resets per-item replica state before applying the incoming item's
// already-known state.
func (n *Navigator) moveTo(ctx context.Context, item models.Item) error {
	if state := n.countdown.State(); state.Phase != models.TimerIdle {
		if n.self().IsModerator() {
			if err := n.countdown.Reset(ctx); err != nil {
				log.Debug().Err(err).Msg("timer reset on move failed")
			}
		}
	}
	n.aggregator.ResetItem(item.ID)
	return n.aggregator.Reconcile(ctx, item.ID)
}

func (n *Navigator) replaceItem(item models.Item) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.items {
		if n.items[i].ID == item.ID {
			n.items[i] = item
			return
		}
	}
}
