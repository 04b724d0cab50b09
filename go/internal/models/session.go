package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus defines the lifecycle of an estimation session.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "ACTIVE"
	SessionStatusEnded  SessionStatus = "ENDED"
)

// EstimationScale defines which deck a session votes with.
type EstimationScale string

const (
	ScaleFibonacci EstimationScale = "FIBONACCI"
	ScaleTShirt    EstimationScale = "TSHIRT"
)

// Session represents one estimation session. It is owned by the client that
// created it; every other client holds a read-only replica.
type Session struct {
	ID              uuid.UUID       `json:"id"`
	Name            string          `json:"name"`
	OwnerID         uuid.UUID       `json:"owner_id"`
	Status          SessionStatus   `json:"status"`
	Scale           EstimationScale `json:"scale"`
	ActiveItemIndex int             `json:"active_item_index"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
