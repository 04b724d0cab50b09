package models

import "github.com/google/uuid"

// TimerPhase defines where the session countdown is in its lifecycle.
type TimerPhase string

const (
	TimerIdle    TimerPhase = "IDLE"
	TimerRunning TimerPhase = "RUNNING"
	TimerPaused  TimerPhase = "PAUSED"
	TimerExpired TimerPhase = "EXPIRED"
)

// TimerState is the replicated countdown state. Exactly one client (the
// moderator) ticks it; every other client is a passive mirror and never
// decrements RemainingSec on its own.
type TimerState struct {
	Phase        TimerPhase `json:"phase"`
	RemainingSec int        `json:"remaining_sec"`
	DurationSec  int        `json:"duration_sec"`
	Running      bool       `json:"running"`
	ItemID       uuid.UUID  `json:"item_id"`
}
