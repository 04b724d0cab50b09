package models

import (
	"time"

	"github.com/google/uuid"
)

// ItemStatus defines the estimation status of a backlog item.
type ItemStatus string

const (
	ItemStatusPending   ItemStatus = "PENDING"
	ItemStatusEstimated ItemStatus = "ESTIMATED"
	ItemStatusSkipped   ItemStatus = "SKIPPED"
)

// Item represents a backlog item put in front of the group for estimation.
type Item struct {
	ID                 uuid.UUID       `json:"id"`
	SessionID          uuid.UUID       `json:"session_id"`
	Title              string          `json:"title"`
	Description        string          `json:"description,omitempty"`
	AcceptanceCriteria string          `json:"acceptance_criteria,omitempty"`
	Priority           int             `json:"priority"`
	Status             ItemStatus      `json:"status"`
	Scale              EstimationScale `json:"scale"`
	FinalEstimate      *string         `json:"final_estimate,omitempty"`
	Position           int             `json:"position"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}
