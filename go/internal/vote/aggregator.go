package vote

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
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
	// ErrInvalidVote means the value is not votable on the session's scale.
	ErrInvalidVote = errors.New("invalid vote value for scale")
	// ErrNotModerator rejects a moderator-only operation locally, before any
	// publish, so other clients never see the attempt.
	ErrNotModerator = errors.New("operation requires moderator role")
)

// Aggregator owns per-item vote state and consensus computation for one
// replica. Local submissions persist first, then publish; remote events are
// merged with last-writer-wins per (item, voter) by arrival order, which is
// safe because a voter only ever races with themselves.
type Aggregator struct {
	sessionID uuid.UUID
	channel   broadcast.Channel
	store     store.Store
	clock     clockwork.Clock
	self      func() models.Participant

	mu        sync.Mutex
	scale     models.EstimationScale
	votes     map[uuid.UUID]map[uuid.UUID]models.Vote
	revealed  map[uuid.UUID]bool
	overrides map[uuid.UUID]string
}

// NewAggregator creates an aggregator. self resolves the local participant at
// call time so role changes are picked up.
func NewAggregator(sessionID uuid.UUID, scale models.EstimationScale, channel broadcast.Channel, st store.Store, clock clockwork.Clock, self func() models.Participant) *Aggregator {
	return &Aggregator{
		sessionID: sessionID,
		channel:   channel,
		store:     st,
		clock:     clock,
		self:      self,
		scale:     scale,
		votes:     make(map[uuid.UUID]map[uuid.UUID]models.Vote),
		revealed:  make(map[uuid.UUID]bool),
		overrides: make(map[uuid.UUID]string),
	}
}

// Scale returns the session's current estimation scale.
func (a *Aggregator) Scale() models.EstimationScale {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scale
}

// Submit records the local participant's vote: validate, persist, apply
// locally, publish. Voting after reveal is allowed; the updated snapshot is
// republished so every replica shows the edit.
func (a *Aggregator) Submit(ctx context.Context, itemID uuid.UUID, value string) error {
	a.mu.Lock()
	scale := a.scale
	wasRevealed := a.revealed[itemID]
	a.mu.Unlock()

	if !models.ValidVoteValue(scale, value) {
		return fmt.Errorf("%w: %q on %s", ErrInvalidVote, value, scale)
	}

	self := a.self()
	vote := models.Vote{
		ItemID:      itemID,
		VoterID:     self.UserID,
		VoterName:   self.DisplayName,
		Value:       value,
		Revealed:    wasRevealed,
		SubmittedAt: a.clock.Now().UTC(),
	}

	// Persist before publish so the value survives a crash between the two.
	stored, replaced, err := a.store.CreateVote(ctx, vote)
	if err != nil {
		return fmt.Errorf("persist vote: %w", err)
	}

	a.mu.Lock()
	a.upsertLocked(stored)
	a.mu.Unlock()

	typ := events.EventVoteSubmitted
	if replaced {
		typ = events.EventVoteChanged
	}
	ev, err := events.New(a.sessionID, self.UserID, typ, events.VotePayload{
		ItemID:    itemID,
		VoterID:   self.UserID,
		VoterName: self.DisplayName,
		Value:     value,
		IsChange:  replaced,
	})
	if err != nil {
		return err
	}
	if err := a.channel.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("item_id", itemID.String()).Msg("vote publish failed")
	}

	if wasRevealed {
		return a.publishSnapshot(ctx, itemID)
	}
	return nil
}

// Votes returns the current vote set for an item, ordered by voter id for
// stable iteration.
func (a *Aggregator) Votes(itemID uuid.UUID) []models.Vote {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.votesLocked(itemID)
}

func (a *Aggregator) votesLocked(itemID uuid.UUID) []models.Vote {
	byVoter := a.votes[itemID]
	votes := make([]models.Vote, 0, len(byVoter))
	for _, v := range byVoter {
		votes = append(votes, v)
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].VoterID.String() < votes[j].VoterID.String() })
	return votes
}

// Revealed reports whether the item's votes are visible.
func (a *Aggregator) Revealed(itemID uuid.UUID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.revealed[itemID]
}

// Reveal flips the one-way revealed flag and publishes a full snapshot so
// clients joining after the reveal converge without history. Idempotent:
// a second call republishes the same snapshot and changes no state.
func (a *Aggregator) Reveal(ctx context.Context, itemID uuid.UUID) error {
	// Persist the flip first: if the snapshot broadcast is lost, replicas
	// still find the revealed state on their next reconciliation pull.
	if err := a.store.MarkVotesRevealed(ctx, itemID); err != nil {
		return fmt.Errorf("persist reveal: %w", err)
	}

	a.mu.Lock()
	a.revealed[itemID] = true
	byVoter := a.votes[itemID]
	for id, v := range byVoter {
		v.Revealed = true
		byVoter[id] = v
	}
	a.mu.Unlock()

	return a.publishSnapshot(ctx, itemID)
}

// Consensus derives the agreement state from the current vote set. A
// moderator override, when present, replaces the derived value.
func (a *Aggregator) Consensus(itemID uuid.UUID) models.ConsensusResult {
	a.mu.Lock()
	votes := a.votesLocked(itemID)
	scale := a.scale
	override, hasOverride := a.overrides[itemID]
	a.mu.Unlock()

	result := Compute(votes, scale)
	if hasOverride {
		result.Value = override
	}
	return result
}

// Override replaces the derived consensus with an explicit moderator value.
// If the item is already estimated the stored final estimate is updated
// immediately; otherwise the value becomes authoritative at accept time.
func (a *Aggregator) Override(ctx context.Context, itemID uuid.UUID, value string) error {
	self := a.self()
	if !self.IsModerator() {
		return ErrNotModerator
	}

	items, err := a.store.ListSessionItems(ctx, a.sessionID)
	if err != nil {
		return fmt.Errorf("check item status: %w", err)
	}
	isEstimated := false
	for _, item := range items {
		if item.ID == itemID && item.Status == models.ItemStatusEstimated {
			isEstimated = true
		}
	}

	if isEstimated {
		if _, err := a.store.UpdateItem(ctx, itemID, models.ItemStatusEstimated, &value); err != nil {
			return fmt.Errorf("persist override: %w", err)
		}
	}

	a.mu.Lock()
	a.overrides[itemID] = value
	a.mu.Unlock()

	ev, err := events.New(a.sessionID, self.UserID, events.EventConsensusChanged, events.ConsensusChangedPayload{
		ItemID:          itemID,
		NewValue:        value,
		ChangedBy:       self.UserID,
		IsEstimatedItem: isEstimated,
	})
	if err != nil {
		return err
	}
	return a.channel.Publish(ctx, ev)
}

// SetScale switches the estimation deck. Votes cast on the old scale are
// meaningless on the new one, so the local tally for every item is cleared;
// HadVotes lets receivers warn about the discarded tally.
func (a *Aggregator) SetScale(ctx context.Context, scale models.EstimationScale) error {
	self := a.self()
	if !self.IsModerator() {
		return ErrNotModerator
	}

	a.mu.Lock()
	hadVotes := false
	for _, byVoter := range a.votes {
		if len(byVoter) > 0 {
			hadVotes = true
		}
	}
	a.scale = scale
	a.votes = make(map[uuid.UUID]map[uuid.UUID]models.Vote)
	a.mu.Unlock()

	if err := a.store.UpdateSessionScale(ctx, a.sessionID, scale); err != nil {
		return fmt.Errorf("persist scale change: %w", err)
	}

	ev, err := events.New(a.sessionID, self.UserID, events.EventEstimationTypeChanged, events.EstimationTypeChangedPayload{
		NewScale:  scale,
		ChangedBy: self.UserID,
		HadVotes:  hadVotes,
	})
	if err != nil {
		return err
	}
	return a.channel.Publish(ctx, ev)
}

// ApplyRemote merges a vote-related broadcast event into the local replica.
// Applying the same event twice upserts the same value and is a no-op.
func (a *Aggregator) ApplyRemote(ev events.Event) {
	payload, err := events.ParsePayload(ev)
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed vote event")
		return
	}

	self := a.self()
	switch p := payload.(type) {
	case events.VotePayload:
		// The local replica already holds its own votes; a vote belongs
		// exclusively to its voter.
		if p.VoterID == self.UserID {
			return
		}
		a.mu.Lock()
		a.upsertLocked(models.Vote{
			ItemID:      p.ItemID,
			VoterID:     p.VoterID,
			VoterName:   p.VoterName,
			Value:       p.Value,
			Revealed:    a.revealed[p.ItemID],
			SubmittedAt: ev.Timestamp,
		})
		a.mu.Unlock()

	case events.VotesRevealedPayload:
		a.mu.Lock()
		a.revealed[p.ItemID] = true
		a.scale = p.Scale
		byVoter := make(map[uuid.UUID]models.Vote, len(p.Votes))
		for _, v := range p.Votes {
			v.Revealed = true
			byVoter[v.VoterID] = v
		}
		a.votes[p.ItemID] = byVoter
		a.mu.Unlock()

	case events.ConsensusChangedPayload:
		a.mu.Lock()
		a.overrides[p.ItemID] = p.NewValue
		a.mu.Unlock()

	case events.EstimationTypeChangedPayload:
		a.mu.Lock()
		a.scale = p.NewScale
		a.votes = make(map[uuid.UUID]map[uuid.UUID]models.Vote)
		a.mu.Unlock()
	}
}

// Reconcile replaces the local tally for an item with authoritative store
// state. The periodic backstop for dropped or reordered broadcasts.
func (a *Aggregator) Reconcile(ctx context.Context, itemID uuid.UUID) error {
	votes, err := a.store.ListVotesForItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("reconcile votes: %w", err)
	}

	a.mu.Lock()
	revealed := a.revealed[itemID]
	for _, v := range votes {
		// The stored flag recovers a reveal whose broadcast never arrived.
		if v.Revealed {
			revealed = true
		}
	}
	a.revealed[itemID] = revealed

	byVoter := make(map[uuid.UUID]models.Vote, len(votes))
	for _, v := range votes {
		if revealed {
			v.Revealed = true
		}
		byVoter[v.VoterID] = v
	}
	a.votes[itemID] = byVoter
	a.mu.Unlock()
	return nil
}

// ResetItem drops local state for an item, used when the navigator moves to a
// fresh item and re-fetches its persisted votes.
func (a *Aggregator) ResetItem(itemID uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.votes, itemID)
	delete(a.overrides, itemID)
}

func (a *Aggregator) upsertLocked(v models.Vote) {
	byVoter := a.votes[v.ItemID]
	if byVoter == nil {
		byVoter = make(map[uuid.UUID]models.Vote)
		a.votes[v.ItemID] = byVoter
	}
	byVoter[v.VoterID] = v
}

func (a *Aggregator) publishSnapshot(ctx context.Context, itemID uuid.UUID) error {
	a.mu.Lock()
	votes := a.votesLocked(itemID)
	scale := a.scale
	a.mu.Unlock()

	self := a.self()
	ev, err := events.New(a.sessionID, self.UserID, events.EventVotesRevealed, events.VotesRevealedPayload{
		ItemID:    itemID,
		Votes:     votes,
		Consensus: Compute(votes, scale),
		Scale:     scale,
	})
	if err != nil {
		return err
	}
	if err := a.channel.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("item_id", itemID.String()).Msg("reveal snapshot publish failed")
	}
	return nil
}

// Compute derives consensus from a vote set per the session scale.
// Fibonacci: unanimous iff all numeric values are equal; the average excludes
// sentinels and any sentinel present forces non-unanimity. T-shirt: unanimous
// iff all labels are equal; no average.
func Compute(votes []models.Vote, scale models.EstimationScale) models.ConsensusResult {
	result := models.ConsensusResult{VoteCount: len(votes)}
	if len(votes) == 0 {
		return result
	}

	hasSentinel := false
	allEqual := true
	first := votes[0].Value
	for _, v := range votes {
		if v.IsSentinel() {
			hasSentinel = true
		}
		if v.Value != first {
			allEqual = false
		}
	}

	result.IsUnanimous = allEqual && !hasSentinel
	if result.IsUnanimous {
		result.Value = first
	}

	if scale == models.ScaleFibonacci {
		sum, n := 0.0, 0
		for _, v := range votes {
			if num, ok := v.NumericValue(); ok {
				sum += num
				n++
			}
		}
		if n > 0 {
			avg := math.Round(sum/float64(n)*100) / 100
			result.Average = &avg
			if result.Value == "" {
				result.Value = formatAverage(avg)
			}
		}
	}
	return result
}

func formatAverage(avg float64) string {
	if avg == math.Trunc(avg) {
		return fmt.Sprintf("%.0f", avg)
	}
	return fmt.Sprintf("%.2f", avg)
}
