// Package halving implements the reward/fee-split engine of spec §4.3:
// reward_for and split_for are pure functions of height and the static
// configuration, so every validator can independently recompute the
// system transactions a given height must carry without replaying state.
package halving

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/poaip/poaipd/internal/types"
)

// ErrInvalidConfig is returned by New for a split that doesn't sum to 1.
var ErrInvalidConfig = errors.New("halving: initial split must sum to 1.0")

// Split is the (burn, maintenance, liquidity) ratio triple. Invariant H1
// (burn+maintenance+liquidity == 1) holds for every value this package
// produces, checked by exact decimal arithmetic, never floats.
type Split struct {
	Burn, Maintenance, Liquidity decimal.Decimal
}

// Config is the static, network-wide halving schedule.
type Config struct {
	InitialReward      types.Amount
	InitialSplit       Split
	DecrementPerHalving decimal.Decimal
	PeriodBlocks       uint64
}

// Engine computes the reward/split schedule and tracks the last observed
// committed height purely for the "current halving state" query surface
// (spec §6); it holds no state that reward_for/split_for depend on.
type Engine struct {
	cfg           Config
	maxDecrements uint64
	lastHeight    types.Height
}

// New validates cfg and builds an Engine.
func New(cfg Config) (*Engine, error) {
	sum := cfg.InitialSplit.Burn.Add(cfg.InitialSplit.Maintenance).Add(cfg.InitialSplit.Liquidity)
	if !sum.Equal(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidConfig, sum)
	}
	if cfg.DecrementPerHalving.IsZero() || cfg.DecrementPerHalving.IsNegative() {
		return nil, fmt.Errorf("halving: split_decrement_per_halving must be positive")
	}
	if cfg.PeriodBlocks == 0 {
		return nil, fmt.Errorf("halving: halving_period_blocks must be positive")
	}
	// Once burn/Δ halvings have applied, burn has reached exactly zero
	// (per H2) and every later halving leaves the split unchanged.
	maxDec := cfg.InitialSplit.Burn.Div(cfg.DecrementPerHalving).Ceil()
	return &Engine{cfg: cfg, maxDecrements: uint64(maxDec.IntPart())}, nil
}

// halvingsElapsed returns how many halving transitions have already been
// applied as of height h: the transition triggered by committing block
// k*period applies starting at height k*period+1, per the worked example
// in spec §8 scenario 3.
func (e *Engine) halvingsElapsed(h types.Height) uint64 {
	if h == 0 {
		return 0
	}
	return (uint64(h) - 1) / e.cfg.PeriodBlocks
}

// RewardFor returns the block reward mandated at height h.
func (e *Engine) RewardFor(h types.Height) types.Amount {
	n := e.halvingsElapsed(h)
	divisor := decimal.New(1, 0)
	two := decimal.New(2, 0)
	for i := uint64(0); i < n; i++ {
		divisor = divisor.Mul(two)
	}
	result := e.cfg.InitialReward.Decimal().DivRound(divisor, int32(types.AmountDecimalPlaces))
	amt, err := types.AmountFromDecimal(result)
	if err != nil {
		// Division of a non-negative amount by a positive power of two
		// is always non-negative; this path is unreachable in practice.
		return types.Zero
	}
	return amt
}

// SplitFor returns the (burn, maintenance, liquidity) triple mandated at
// height h.
func (e *Engine) SplitFor(h types.Height) Split {
	n := e.halvingsElapsed(h)
	if n > e.maxDecrements {
		n = e.maxDecrements
	}
	steps := decimal.New(int64(n), 0)
	delta := e.cfg.DecrementPerHalving.Mul(steps)
	burn := e.cfg.InitialSplit.Burn.Sub(delta)
	if burn.IsNegative() {
		// The final step only moves what burn had left, keeping H1.
		burn = decimal.Zero
		delta = e.cfg.InitialSplit.Burn
	}
	half := delta.Div(decimal.New(2, 0))
	return Split{
		Burn:        burn,
		Maintenance: e.cfg.InitialSplit.Maintenance.Add(half),
		Liquidity:   e.cfg.InitialSplit.Liquidity.Add(half),
	}
}

// HalvingsElapsedAt exposes halvingsElapsed for the "current halving
// state" query and for the reputation engine's "burn% has reached zero"
// gate (spec §4.4).
func (e *Engine) HalvingsElapsedAt(h types.Height) uint64 { return e.halvingsElapsed(h) }

// BurnScheduleComplete reports whether the burn percentage has reached
// zero as of height h — the gate on VoluntaryBurn transactions (spec
// §4.4: "only valid after the burn percentage has reached zero").
func (e *Engine) BurnScheduleComplete(h types.Height) bool {
	return e.SplitFor(h).Burn.IsZero()
}

// ObserveCommitted records the height of the most recently committed
// block, purely for CurrentState(); it never changes what RewardFor/
// SplitFor return for any height, since those are pure. It reports
// whether this commit crossed a halving boundary (diagnostic/logging use
// only).
func (e *Engine) ObserveCommitted(h types.Height) (triggered bool) {
	triggered = h > 0 && uint64(h)%e.cfg.PeriodBlocks == 0
	e.lastHeight = h
	return triggered
}

// CurrentState returns the reward, split and halvings-elapsed count that
// apply to the next block to be produced, for the wallet/API "current
// halving state" endpoint (spec §6).
func (e *Engine) CurrentState() (reward types.Amount, split Split, halvingsElapsed uint64) {
	next := e.lastHeight + 1
	return e.RewardFor(next), e.SplitFor(next), e.halvingsElapsed(next)
}

type persistedState struct {
	LastHeight types.Height
}

// SaveState gob-encodes the engine's mutable state for durable storage by
// internal/ledger.
func (e *Engine) SaveState() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(persistedState{LastHeight: e.lastHeight}); err != nil {
		return nil, fmt.Errorf("halving: save state: %w", err)
	}
	return buf.Bytes(), nil
}

// LoadState is the inverse of SaveState.
func (e *Engine) LoadState(raw []byte) error {
	var st persistedState
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&st); err != nil {
		return fmt.Errorf("halving: load state: %w", err)
	}
	e.lastHeight = st.LastHeight
	return nil
}
