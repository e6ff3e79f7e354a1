// Package mempool holds uncommitted user transactions, ordered for
// inclusion (spec §4.2). It is adapted from the teacher's
// internal/mempool/mempool.go resort-on-insert priority queue, with the
// boolean "stimulus tx first" fast path generalized into a continuous
// reputation-tier bucket.
package mempool

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/poaip/poaipd/internal/metrics"
	"github.com/poaip/poaipd/internal/types"
)

// Outcome is the result of Submit.
type Outcome int

const (
	Accepted Outcome = iota
	RejectedBadSignature
	RejectedUnknownSender
	RejectedInsufficientBalance
	RejectedDuplicateNonce
	RejectedPoolFull
	RejectedInvalidRecipient
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "Accepted"
	case RejectedBadSignature:
		return "RejectedBadSignature"
	case RejectedUnknownSender:
		return "RejectedUnknownSender"
	case RejectedInsufficientBalance:
		return "RejectedInsufficientBalance"
	case RejectedDuplicateNonce:
		return "RejectedDuplicateNonce"
	case RejectedPoolFull:
		return "RejectedPoolFull"
	case RejectedInvalidRecipient:
		return "RejectedInvalidRecipient"
	default:
		return "Unknown"
	}
}

var ErrPoolCapacityPositive = errors.New("mempool: capacity must be positive")

// LedgerView is the read-only subset of internal/ledger.Store the pool
// needs to validate a submission (spec §4.2's InsufficientBalance check).
// Submit has no separate unknown-sender check: an address the ledger has
// never credited reads as a zero balance, and Submit never returns
// RejectedUnknownSender.
type LedgerView interface {
	BalanceOf(addr types.Address) types.Amount
}

// ReputationView is the read-only subset of internal/reputation.Engine
// the pool needs for its ordering key.
type ReputationView interface {
	PriorityMultiplier(addr types.Address, asOf types.Timestamp) float64
}

// entry is one pending transaction plus the data needed to order it
// without re-querying reputation on every comparison.
type entry struct {
	tx       *types.Transaction
	id       types.Hash
	priority float64
	arrival  uint64
}

// Pool is the single writer of pending transactions (spec §5 ownership).
type Pool struct {
	mu       sync.RWMutex
	capacity int
	byId     map[types.Hash]*entry
	ordered  []types.Hash // kept sorted by ordering key, highest priority first
	arrivalSeq uint64
	nonces   map[types.Address]map[uint64]bool

	ledger LedgerView
	rep    ReputationView
	log    *zap.SugaredLogger
}

// New builds a Pool with the given capacity (spec config pool_capacity_txs).
func New(capacity int, ledger LedgerView, rep ReputationView, log *zap.SugaredLogger) (*Pool, error) {
	if capacity <= 0 {
		return nil, ErrPoolCapacityPositive
	}
	return &Pool{
		capacity: capacity,
		byId:     make(map[types.Hash]*entry),
		nonces:   make(map[types.Address]map[uint64]bool),
		ledger:   ledger,
		rep:      rep,
		log:      log,
	}, nil
}

// Submit validates and admits tx, per spec §4.2's rejection taxonomy.
// Signature verification is the caller's responsibility (internal/crypto)
// since the pool has no opinion on the signature scheme; Submit assumes
// tx.Validate() and signature verification already passed and focuses on
// pool-specific checks (balance, nonce, capacity). Duplicate-nonce
// detection is tracked internally across every pending transaction from
// the same sender, not just a caller-supplied set.
func (p *Pool) Submit(tx *types.Transaction) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, err := tx.Id()
	if err != nil {
		return RejectedBadSignature
	}
	if _, exists := p.byId[id]; exists {
		return RejectedDuplicateNonce
	}
	if p.nonces[tx.Sender][tx.Nonce] {
		return RejectedDuplicateNonce
	}

	balance := p.ledger.BalanceOf(tx.Sender)
	required := tx.Amount.Add(tx.Fee)
	if balance.Cmp(required) < 0 {
		return RejectedInsufficientBalance
	}

	if len(p.byId) >= p.capacity {
		if !p.evictLowestPriorityLocked() {
			return RejectedPoolFull
		}
	}

	priority := p.rep.PriorityMultiplier(tx.Sender, tx.Timestamp)
	e := &entry{tx: tx, id: id, priority: priority, arrival: p.arrivalSeq}
	p.arrivalSeq++
	p.byId[id] = e
	p.insertOrderedLocked(e)
	p.markNonceLocked(tx.Sender, tx.Nonce)
	metrics.PoolSize.Set(float64(len(p.byId)))
	if p.log != nil {
		p.log.Debugw("transaction accepted", "id", id.String(), "priority", priority)
	}
	return Accepted
}

func (p *Pool) markNonceLocked(sender types.Address, nonce uint64) {
	if p.nonces[sender] == nil {
		p.nonces[sender] = map[uint64]bool{}
	}
	p.nonces[sender][nonce] = true
}

func (p *Pool) unmarkNonceLocked(sender types.Address, nonce uint64) {
	set := p.nonces[sender]
	if set == nil {
		return
	}
	delete(set, nonce)
	if len(set) == 0 {
		delete(p.nonces, sender)
	}
}

// evictLowestPriorityLocked drops the lowest-priority entry to make room
// for a new submission, per spec's PoolFull configuration choice of
// "evict rather than reject" (mirrors the teacher's capacity-eviction
// TODO, completed here). Returns false if the pool is empty (shouldn't
// happen since it's called only when full).
func (p *Pool) evictLowestPriorityLocked() bool {
	if len(p.ordered) == 0 {
		return false
	}
	worst := p.ordered[len(p.ordered)-1]
	if e := p.byId[worst]; e != nil {
		p.unmarkNonceLocked(e.tx.Sender, e.tx.Nonce)
	}
	delete(p.byId, worst)
	p.ordered = p.ordered[:len(p.ordered)-1]
	return true
}

// insertOrderedLocked inserts e into p.ordered maintaining sort order.
// A full re-sort (as the teacher does) is acceptable at this scale;
// pool_capacity_txs is bounded by configuration.
func (p *Pool) insertOrderedLocked(e *entry) {
	p.ordered = append(p.ordered, e.id)
	sort.Slice(p.ordered, func(i, j int) bool {
		a, b := p.byId[p.ordered[i]], p.byId[p.ordered[j]]
		return less(a, b)
	})
}

// less implements the ordering key of spec §4.2: reputation tier desc,
// fee desc, arrival asc (older first), ties broken by id.
func less(a, b *entry) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if cmp := a.tx.Fee.Cmp(b.tx.Fee); cmp != 0 {
		return cmp > 0
	}
	if a.arrival != b.arrival {
		return a.arrival < b.arrival
	}
	return fmt.Sprintf("%x", a.id) < fmt.Sprintf("%x", b.id)
}

// Drain removes and returns up to maxCount transactions in priority order.
func (p *Pool) Drain(maxCount int) []*types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := maxCount
	if n > len(p.ordered) {
		n = len(p.ordered)
	}
	out := make([]*types.Transaction, 0, n)
	for i := 0; i < n; i++ {
		e := p.byId[p.ordered[i]]
		out = append(out, e.tx)
		p.unmarkNonceLocked(e.tx.Sender, e.tx.Nonce)
		delete(p.byId, p.ordered[i])
	}
	p.ordered = p.ordered[n:]
	metrics.PoolSize.Set(float64(len(p.byId)))
	return out
}

// EvictCommitted drops any pool entries whose id appears in block.
func (p *Pool) EvictCommitted(block *types.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	committed := make(map[types.Hash]bool, len(block.Transactions))
	for _, tx := range block.Transactions {
		if id, err := tx.Id(); err == nil {
			committed[id] = true
		}
	}
	if len(committed) == 0 {
		return
	}
	newOrdered := p.ordered[:0:0]
	for _, id := range p.ordered {
		if committed[id] {
			if e := p.byId[id]; e != nil {
				p.unmarkNonceLocked(e.tx.Sender, e.tx.Nonce)
			}
			delete(p.byId, id)
			continue
		}
		newOrdered = append(newOrdered, id)
	}
	p.ordered = newOrdered
	metrics.PoolSize.Set(float64(len(p.byId)))
}

// Size returns the current number of pending transactions.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byId)
}
