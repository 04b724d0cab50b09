package models

import "testing"

func TestValidVoteValue(t *testing.T) {
	cases := []struct {
		scale EstimationScale
		value string
		want  bool
	}{
		{ScaleFibonacci, "5", true},
		{ScaleFibonacci, "89", true},
		{ScaleFibonacci, "7", false},
		{ScaleFibonacci, "M", false},
		{ScaleTShirt, "M", true},
		{ScaleTShirt, "XXL", true},
		{ScaleTShirt, "5", false},
		{ScaleFibonacci, VoteNeedInfo, true},
		{ScaleTShirt, VoteTooBig, true},
		{ScaleFibonacci, "", false},
	}
	for _, c := range cases {
		if got := ValidVoteValue(c.scale, c.value); got != c.want {
			t.Errorf("ValidVoteValue(%s, %q) = %v, want %v", c.scale, c.value, got, c.want)
		}
	}
}

func TestNumericValue(t *testing.T) {
	if n, ok := (Vote{Value: "13"}).NumericValue(); !ok || n != 13 {
		t.Errorf("13 parsed as %v, %v", n, ok)
	}
	if _, ok := (Vote{Value: "M"}).NumericValue(); ok {
		t.Error("T-shirt label must not parse numerically")
	}
	if _, ok := (Vote{Value: VoteTooBig}).NumericValue(); ok {
		t.Error("sentinel must not parse numerically")
	}
}

func TestIsSentinel(t *testing.T) {
	if !(Vote{Value: VoteNeedInfo}).IsSentinel() || !(Vote{Value: VoteTooBig}).IsSentinel() {
		t.Error("sentinels not recognized")
	}
	if (Vote{Value: "8"}).IsSentinel() {
		t.Error("scale value misclassified as sentinel")
	}
}

func TestIsModerator(t *testing.T) {
	if !(Participant{Role: RoleModerator}).IsModerator() {
		t.Error("moderator not recognized")
	}
	if (Participant{Role: RoleTeamMember}).IsModerator() {
		t.Error("team member misclassified")
	}
}
