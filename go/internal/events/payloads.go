package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/pointdeck/pointdeck/go/internal/models"
)

// TimerStartedPayload announces the moderator started a countdown.
type TimerStartedPayload struct {
	ItemID      uuid.UUID `json:"item_id"`
	DurationSec int       `json:"duration_sec"`
	StartedAt   time.Time `json:"started_at"`
}

// TimerPausedPayload freezes followers at the carried remaining value.
type TimerPausedPayload struct {
	ItemID       uuid.UUID `json:"item_id"`
	RemainingSec int       `json:"remaining_sec"`
}

// TimerResumedPayload restarts the countdown from the carried remaining value.
type TimerResumedPayload struct {
	ItemID       uuid.UUID `json:"item_id"`
	RemainingSec int       `json:"remaining_sec"`
}

// TimerResetPayload returns the timer to idle.
type TimerResetPayload struct {
	ItemID uuid.UUID `json:"item_id"`
}

// TimerTickPayload is the moderator's once-per-second authoritative overwrite.
// Followers apply it verbatim and never run their own countdown.
type TimerTickPayload struct {
	ItemID       uuid.UUID `json:"item_id"`
	RemainingSec int       `json:"remaining_sec"`
	Running      bool      `json:"running"`
}

// TimerConfigChangedPayload carries a new default duration, effective on the
// next start.
type TimerConfigChangedPayload struct {
	NewLimitSec int `json:"new_limit_sec"`
}

// VotePayload rides both VoteSubmitted and VoteChanged envelopes.
type VotePayload struct {
	ItemID    uuid.UUID `json:"item_id"`
	VoterID   uuid.UUID `json:"voter_id"`
	VoterName string    `json:"voter_name"`
	Value     string    `json:"value"`
	IsChange  bool      `json:"is_change"`
}

// VotesRevealedPayload carries a full snapshot so a client joining after the
// reveal converges without replaying history.
type VotesRevealedPayload struct {
	ItemID    uuid.UUID              `json:"item_id"`
	Votes     []models.Vote          `json:"votes"`
	Consensus models.ConsensusResult `json:"consensus"`
	Scale     models.EstimationScale `json:"scale"`
}

// ConsensusChangedPayload announces a moderator override of the derived value.
type ConsensusChangedPayload struct {
	ItemID          uuid.UUID `json:"item_id"`
	NewValue        string    `json:"new_value"`
	ChangedBy       uuid.UUID `json:"changed_by"`
	IsEstimatedItem bool      `json:"is_estimated_item"`
}

// ItemChangedPayload moves every replica's active item pointer. Only the
// moderator publishes it, so last-message-wins needs no conflict resolution.
type ItemChangedPayload struct {
	NewIndex  int       `json:"new_index"`
	ItemID    uuid.UUID `json:"item_id"`
	ChangedBy uuid.UUID `json:"changed_by"`
}

// EstimationTypeChangedPayload switches the session's deck. HadVotes tells
// receivers whether the switch discarded a non-empty tally.
type EstimationTypeChangedPayload struct {
	NewScale  models.EstimationScale `json:"new_scale"`
	ChangedBy uuid.UUID              `json:"changed_by"`
	HadVotes  bool                   `json:"had_votes"`
}

// ChatMessagePayload carries the full message record for ChatMessage,
// ChatMessageUpdated and ChatMessageDeleted envelopes. Receivers apply by id
// match-and-replace.
type ChatMessagePayload struct {
	Message models.ChatMessage `json:"message"`
}

// SignalKind discriminates WebRTC signaling messages.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

// VideoSignalPayload relays one peer-to-peer negotiation message. SDP and ICE
// bodies stay opaque; the engine routes, browsers negotiate. Peers not named
// by To ignore the signal.
type VideoSignalPayload struct {
	Kind      SignalKind      `json:"kind"`
	From      uuid.UUID       `json:"from"`
	To        uuid.UUID       `json:"to"`
	SessionID uuid.UUID       `json:"session_id"`
	Data      json.RawMessage `json:"data"`
}

// PresencePayload is a participant's self-published record, rides both
// PresenceJoined and PresenceHeartbeat.
type PresencePayload struct {
	Participant models.Participant `json:"participant"`
}

// PresenceLeftPayload announces a deliberate departure.
type PresenceLeftPayload struct {
	UserID uuid.UUID `json:"user_id"`
}
