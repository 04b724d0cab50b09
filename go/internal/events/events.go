package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope every broadcast message travels in. The channel is
// scoped to one session, delivery is at-most-once and unordered, so every
// payload must be safe to apply twice, once, or never.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	SessionID uuid.UUID       `json:"session_id"`
	Type      EventType       `json:"type"`
	ActorID   uuid.UUID       `json:"actor_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EventType tags the payload carried by an Event.
type EventType string

const (
	EventTimerStarted          EventType = "TimerStarted"
	EventTimerPaused           EventType = "TimerPaused"
	EventTimerResumed          EventType = "TimerResumed"
	EventTimerReset            EventType = "TimerReset"
	EventTimerTick             EventType = "TimerTick"
	EventTimerConfigChanged    EventType = "TimerConfigChanged"
	EventVoteSubmitted         EventType = "VoteSubmitted"
	EventVoteChanged           EventType = "VoteChanged"
	EventVotesRevealed         EventType = "VotesRevealed"
	EventConsensusChanged      EventType = "ConsensusChanged"
	EventItemChanged           EventType = "ItemChanged"
	EventEstimationTypeChanged EventType = "EstimationTypeChanged"
	EventChatMessage           EventType = "ChatMessage"
	EventChatMessageUpdated    EventType = "ChatMessageUpdated"
	EventChatMessageDeleted    EventType = "ChatMessageDeleted"
	EventVideoSignal           EventType = "VideoSignal"
	EventPresenceJoined        EventType = "PresenceJoined"
	EventPresenceLeft          EventType = "PresenceLeft"
	EventPresenceHeartbeat     EventType = "PresenceHeartbeat"
)

// ErrUnknownEventType is returned when an envelope carries a type outside the
// catalogue. Dispatchers count and drop these rather than guessing.
var ErrUnknownEventType = errors.New("unknown event type")

// New builds an envelope around an already-typed payload.
func New(sessionID, actorID uuid.UUID, typ EventType, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Event{
		ID:        uuid.New(),
		SessionID: sessionID,
		Type:      typ,
		ActorID:   actorID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// ParsePayload decodes the envelope's data into the payload struct matching
// its type. The switch is exhaustive over the catalogue; anything else is
// ErrUnknownEventType.
func ParsePayload(ev Event) (any, error) {
	switch ev.Type {
	case EventTimerStarted:
		return decode[TimerStartedPayload](ev)
	case EventTimerPaused:
		return decode[TimerPausedPayload](ev)
	case EventTimerResumed:
		return decode[TimerResumedPayload](ev)
	case EventTimerReset:
		return decode[TimerResetPayload](ev)
	case EventTimerTick:
		return decode[TimerTickPayload](ev)
	case EventTimerConfigChanged:
		return decode[TimerConfigChangedPayload](ev)
	case EventVoteSubmitted, EventVoteChanged:
		return decode[VotePayload](ev)
	case EventVotesRevealed:
		return decode[VotesRevealedPayload](ev)
	case EventConsensusChanged:
		return decode[ConsensusChangedPayload](ev)
	case EventItemChanged:
		return decode[ItemChangedPayload](ev)
	case EventEstimationTypeChanged:
		return decode[EstimationTypeChangedPayload](ev)
	case EventChatMessage, EventChatMessageUpdated, EventChatMessageDeleted:
		return decode[ChatMessagePayload](ev)
	case EventVideoSignal:
		return decode[VideoSignalPayload](ev)
	case EventPresenceJoined, EventPresenceHeartbeat:
		return decode[PresencePayload](ev)
	case EventPresenceLeft:
		return decode[PresenceLeftPayload](ev)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
}

func decode[T any](ev Event) (T, error) {
	var payload T
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return payload, fmt.Errorf("unmarshal %s payload: %w", ev.Type, err)
	}
	return payload, nil
}
