// Package reputation tracks the voluntary-burn score of spec §4.4: every
// committed VoluntaryBurn transaction adds floor(amount) points to the
// sender's running score, which decays lazily on read and is exposed as
// a bounded [1,10] priority multiplier the transaction pool uses for
// ordering.
package reputation

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"sync"

	"github.com/poaip/poaipd/internal/types"
)

// record is one address's running burn score, as of its last activity.
type record struct {
	Score           float64
	LastActivityHt  types.Height
	LastActivityTs  types.Timestamp
}

// Config parameterizes the decay curve.
type Config struct {
	// DecayPerDay is the fractional decay rate applied once per elapsed
	// day since last activity (0-1). 0.05 means 5%/day.
	DecayPerDay float64
	// ScoreCapForMultiplier bounds the logarithmic curve mapping score
	// into the [1,10] priority multiplier (spec §9 Open Question 3).
	ScoreCapForMultiplier float64
}

// DefaultConfig mirrors the calibration values used by spec §8's scenarios.
func DefaultConfig() Config {
	return Config{DecayPerDay: 0.05, ScoreCapForMultiplier: 10000}
}

// Engine is the single writer of per-address reputation state (spec §3
// ownership: mutated only by the ledger-store task on commit).
type Engine struct {
	mu      sync.RWMutex
	cfg     Config
	records map[types.Address]*record
}

// New builds an Engine from cfg.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, records: make(map[types.Address]*record)}
}

const msPerDay = 24 * 60 * 60 * 1000

// RecordBurn adds points to addr's score and marks its last-activity
// height/timestamp. Called by internal/ledger inside the same commit
// transaction that applies the VoluntaryBurn's balance effects.
func (e *Engine) RecordBurn(addr types.Address, points int64, height types.Height, ts types.Timestamp) {
	if points <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.records[addr]
	if r == nil {
		r = &record{}
		e.records[addr] = r
	} else {
		r.Score = e.decayedScoreLocked(r, ts)
	}
	r.Score += float64(points)
	r.LastActivityHt = height
	r.LastActivityTs = ts
}

// decayedScoreLocked applies lazy exponential decay from r's last
// activity timestamp up to asOf, measured in committed block time, not
// wall clock (spec §4.4).
func (e *Engine) decayedScoreLocked(r *record, asOf types.Timestamp) float64 {
	if asOf <= r.LastActivityTs {
		return r.Score
	}
	elapsedMs := uint64(asOf - r.LastActivityTs)
	days := float64(elapsedMs) / float64(msPerDay)
	return r.Score * math.Pow(1-e.cfg.DecayPerDay, days)
}

// EffectiveScore returns addr's decayed score as of asOf, without
// mutating stored state (decay is applied lazily, per spec §4.4).
func (e *Engine) EffectiveScore(addr types.Address, asOf types.Timestamp) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r := e.records[addr]
	if r == nil {
		return 0
	}
	return e.decayedScoreLocked(r, asOf)
}

// PriorityMultiplier maps effective_score into [1,10] via a monotone
// bounded logarithmic curve (spec §9 Open Question 3's concrete
// resolution): 1 + 9*log1p(score)/log1p(cap), clamped to [1,10].
func (e *Engine) PriorityMultiplier(addr types.Address, asOf types.Timestamp) float64 {
	score := e.EffectiveScore(addr, asOf)
	if score <= 0 {
		return 1
	}
	m := 1 + 9*math.Log1p(score)/math.Log1p(e.cfg.ScoreCapForMultiplier)
	if m > 10 {
		return 10
	}
	if m < 1 {
		return 1
	}
	return m
}

type persistedRecord struct {
	Addr           types.Address
	Score          float64
	LastActivityHt types.Height
	LastActivityTs types.Timestamp
}

// SaveState gob-encodes every address's raw (undecayed) score for durable
// storage; decay is always recomputed on read.
func (e *Engine) SaveState() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	recs := make([]persistedRecord, 0, len(e.records))
	for addr, r := range e.records {
		recs = append(recs, persistedRecord{addr, r.Score, r.LastActivityHt, r.LastActivityTs})
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(recs); err != nil {
		return nil, fmt.Errorf("reputation: save state: %w", err)
	}
	return buf.Bytes(), nil
}

// LoadState is the inverse of SaveState.
func (e *Engine) LoadState(raw []byte) error {
	var recs []persistedRecord
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&recs); err != nil {
		return fmt.Errorf("reputation: load state: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = make(map[types.Address]*record, len(recs))
	for _, pr := range recs {
		e.records[pr.Addr] = &record{Score: pr.Score, LastActivityHt: pr.LastActivityHt, LastActivityTs: pr.LastActivityTs}
	}
	return nil
}
