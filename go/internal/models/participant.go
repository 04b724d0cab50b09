package models

import (
	"time"

	"github.com/google/uuid"
)

// ParticipantRole defines what a participant may do in a session.
type ParticipantRole string

const (
	RoleModerator  ParticipantRole = "MODERATOR"
	RoleTeamMember ParticipantRole = "TEAM_MEMBER"
)

// Participant is one connected client's self-published presence record.
// Only the participant's own client may mutate it; every other client holds
// a read-only copy kept fresh by heartbeats.
type Participant struct {
	UserID       uuid.UUID       `json:"user_id"`
	DisplayName  string          `json:"display_name"`
	Role         ParticipantRole `json:"role"`
	Online       bool            `json:"online"`
	OnlineAt     time.Time       `json:"online_at"`
	LastSeenAt   time.Time       `json:"last_seen_at"`
	InCall       bool            `json:"in_call,omitempty"`
	VideoEnabled bool            `json:"video_enabled,omitempty"`
	AudioEnabled bool            `json:"audio_enabled,omitempty"`
}

// IsModerator reports whether the participant holds the moderator role.
func (p Participant) IsModerator() bool {
	return p.Role == RoleModerator
}
