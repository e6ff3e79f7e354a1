package reputation

import (
	"testing"

	"github.com/poaip/poaipd/internal/types"
)

func TestRecordBurnAccumulatesPoints(t *testing.T) {
	e := New(DefaultConfig())
	e.RecordBurn("addr-a", 500, 10, 1_000_000)
	if got := e.EffectiveScore("addr-a", 1_000_000); got != 500 {
		t.Fatalf("score = %v, want 500", got)
	}
}

func TestScoreDecaysOverCommittedTime(t *testing.T) {
	e := New(Config{DecayPerDay: 0.5, ScoreCapForMultiplier: 10000})
	e.RecordBurn("addr-a", 100, 1, 0)
	oneDayLater := types.Timestamp(msPerDay)
	got := e.EffectiveScore("addr-a", oneDayLater)
	if got <= 0 || got >= 100 {
		t.Fatalf("score after one day = %v, want strictly between 0 and 100", got)
	}
	// Decay is lazy: stored score is untouched until the next burn.
	e.RecordBurn("addr-a", 1, 2, oneDayLater)
	if got := e.EffectiveScore("addr-a", oneDayLater); got <= 50 {
		t.Fatalf("score after second burn = %v, want > 50 (decayed-then-incremented)", got)
	}
}

func TestPriorityMultiplierBounded(t *testing.T) {
	e := New(DefaultConfig())
	if m := e.PriorityMultiplier("never-burned", 0); m != 1 {
		t.Fatalf("multiplier for zero score = %v, want 1", m)
	}
	e.RecordBurn("addr-a", 1_000_000_000, 1, 0)
	if m := e.PriorityMultiplier("addr-a", 0); m > 10 {
		t.Fatalf("multiplier = %v, must be <= 10", m)
	}
}

func TestPriorityMultiplierMonotone(t *testing.T) {
	e := New(DefaultConfig())
	e.RecordBurn("small", 10, 1, 0)
	e.RecordBurn("big", 1000, 1, 0)
	small := e.PriorityMultiplier("small", 0)
	big := e.PriorityMultiplier("big", 0)
	if big <= small {
		t.Fatalf("multiplier must be monotone in score: small=%v big=%v", small, big)
	}
}

func TestStateRoundTrip(t *testing.T) {
	e := New(DefaultConfig())
	e.RecordBurn("addr-a", 42, 1, 100)
	raw, err := e.SaveState()
	if err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	e2 := New(DefaultConfig())
	if err := e2.LoadState(raw); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if e.EffectiveScore("addr-a", 100) != e2.EffectiveScore("addr-a", 100) {
		t.Fatalf("state did not round trip")
	}
}
