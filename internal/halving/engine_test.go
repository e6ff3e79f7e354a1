package halving

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/poaip/poaipd/internal/types"
)

func testConfig() Config {
	return Config{
		InitialReward: types.MustAmountFromInt64(1024),
		InitialSplit: Split{
			Burn:        decimal.RequireFromString("0.60"),
			Maintenance: decimal.RequireFromString("0.30"),
			Liquidity:   decimal.RequireFromString("0.10"),
		},
		DecrementPerHalving: decimal.RequireFromString("0.10"),
		PeriodBlocks:        3,
	}
}

func TestRewardAndSplitAtScenarioHeights(t *testing.T) {
	e, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Blocks 1-3 are pre-transition (spec §8 scenario 1-3).
	for h := types.Height(1); h <= 3; h++ {
		if r := e.RewardFor(h); r.Cmp(types.MustAmountFromInt64(1024)) != 0 {
			t.Fatalf("height %d: reward = %s, want 1024", h, r)
		}
		s := e.SplitFor(h)
		if !s.Burn.Equal(decimal.RequireFromString("0.60")) {
			t.Fatalf("height %d: burn = %s, want 0.60", h, s.Burn)
		}
	}

	// Block 4 is post-transition.
	if r := e.RewardFor(4); r.Cmp(types.MustAmountFromInt64(512)) != 0 {
		t.Fatalf("height 4: reward = %s, want 512", r)
	}
	s := e.SplitFor(4)
	if !s.Burn.Equal(decimal.RequireFromString("0.50")) ||
		!s.Maintenance.Equal(decimal.RequireFromString("0.35")) ||
		!s.Liquidity.Equal(decimal.RequireFromString("0.15")) {
		t.Fatalf("height 4: split = %+v, want (0.50,0.35,0.15)", s)
	}
}

func TestSplitAlwaysSumsToOne(t *testing.T) {
	e, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for h := types.Height(1); h <= 200; h++ {
		s := e.SplitFor(h)
		sum := s.Burn.Add(s.Maintenance).Add(s.Liquidity)
		if !sum.Equal(decimal.NewFromInt(1)) {
			t.Fatalf("height %d: split sums to %s, want 1", h, sum)
		}
	}
}

func TestBurnReachesZeroAndStaysThere(t *testing.T) {
	e, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// 6 halvings (0.60 / 0.10) fully exhausts burn.
	afterSix := e.SplitFor(types.Height(6*3 + 1))
	if !afterSix.Burn.IsZero() {
		t.Fatalf("after 6 halvings burn = %s, want 0", afterSix.Burn)
	}
	afterTen := e.SplitFor(types.Height(10*3 + 1))
	if !afterTen.Burn.IsZero() || !afterTen.Maintenance.Equal(afterSix.Maintenance) {
		t.Fatalf("split must stay fixed once burn reaches zero: got %+v vs %+v", afterTen, afterSix)
	}
	if !e.BurnScheduleComplete(types.Height(19)) {
		t.Fatalf("burn schedule should be complete by height 19")
	}
	if e.BurnScheduleComplete(types.Height(1)) {
		t.Fatalf("burn schedule should not be complete at height 1")
	}
}

func TestStateRoundTrip(t *testing.T) {
	e, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.ObserveCommitted(5)
	raw, err := e.SaveState()
	if err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	e2, _ := New(testConfig())
	if err := e2.LoadState(raw); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	r1, s1, h1 := e.CurrentState()
	r2, s2, h2 := e2.CurrentState()
	if r1.Cmp(r2) != 0 || h1 != h2 || !s1.Burn.Equal(s2.Burn) {
		t.Fatalf("state did not round trip: (%s,%v,%d) vs (%s,%v,%d)", r1, s1, h1, r2, s2, h2)
	}
}

func TestNewRejectsBadSplit(t *testing.T) {
	cfg := testConfig()
	cfg.InitialSplit.Burn = decimal.RequireFromString("0.50")
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected error for split not summing to 1")
	}
}
