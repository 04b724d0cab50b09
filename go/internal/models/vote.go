package models

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Sentinel vote values. They are valid on every scale, never contribute to a
// numeric average, and force a non-unanimous consensus when present.
const (
	VoteNeedInfo = "NeedInfo"
	VoteTooBig   = "TooBig"
)

// FibonacciDeck is the ordered set of votable Fibonacci point values.
var FibonacciDeck = []string{"0", "1", "2", "3", "5", "8", "13", "21", "34", "55", "89"}

// TShirtDeck is the ordered set of votable T-shirt labels.
var TShirtDeck = []string{"XS", "S", "M", "L", "XL", "XXL"}

// Vote is one voter's current value for one item. At most one vote exists per
// (item, voter) pair; a later submission replaces the earlier one.
type Vote struct {
	ItemID      uuid.UUID `json:"item_id"`
	VoterID     uuid.UUID `json:"voter_id"`
	VoterName   string    `json:"voter_name"`
	Value       string    `json:"value"`
	Revealed    bool      `json:"revealed"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// IsSentinel reports whether the vote carries a sentinel rather than a scale value.
func (v Vote) IsSentinel() bool {
	return v.Value == VoteNeedInfo || v.Value == VoteTooBig
}

// NumericValue parses the vote as a Fibonacci point value. Sentinels and
// T-shirt labels report ok=false.
func (v Vote) NumericValue() (float64, bool) {
	if v.IsSentinel() {
		return 0, false
	}
	n, err := strconv.ParseFloat(v.Value, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ConsensusResult is derived from the current vote set for an item. It is
// recomputed on demand and never stored independently.
type ConsensusResult struct {
	Value       string   `json:"value"`
	IsUnanimous bool     `json:"is_unanimous"`
	Average     *float64 `json:"average,omitempty"` // Fibonacci only
	VoteCount   int      `json:"vote_count"`
}

// ValidVoteValue reports whether value is votable on the given scale.
// Sentinels are votable on every scale.
func ValidVoteValue(scale EstimationScale, value string) bool {
	if value == VoteNeedInfo || value == VoteTooBig {
		return true
	}
	deck := FibonacciDeck
	if scale == ScaleTShirt {
		deck = TShirtDeck
	}
	for _, v := range deck {
		if v == value {
			return true
		}
	}
	return false
}
