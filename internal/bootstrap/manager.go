// Package bootstrap implements the one-shot genesis state machine of
// spec §4.5: a new network forms its first block only when exactly
// N_pioneer distinct pioneer peers are simultaneously connected and
// agree on the initial system-address set. It is adapted from the
// teacher's internal/consensus.ConsensusEngine start/stop-once idiom,
// generalized from a two-state running flag into a full State enum
// guarded by a single mutex, since the teacher has no multi-state
// machine of its own to generalize directly.
package bootstrap

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/poaip/poaipd/internal/types"
)

// State is a node in the bootstrap lifecycle.
type State uint8

const (
	Idle State = iota
	CollectingPioneers
	Ready
	Genesis
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case CollectingPioneers:
		return "CollectingPioneers"
	case Ready:
		return "Ready"
	case Genesis:
		return "Genesis"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

var (
	// ErrAlreadyDone is returned by Commit once the machine has already
	// produced a genesis block (P9 bootstrap uniqueness).
	ErrAlreadyDone = errors.New("bootstrap: genesis already produced")
	// ErrNotReady is returned by Commit when the pioneer set is not yet
	// exactly N_pioneer in size.
	ErrNotReady = errors.New("bootstrap: not ready, pioneer set incomplete")
	// ErrSystemAddressDisagreement is returned when a BootstrapCommit
	// names a different system-address set than previously proposed.
	ErrSystemAddressDisagreement = errors.New("bootstrap: pioneers disagree on system addresses")
)

// Commit is one pioneer's proposed genesis parameters, received via a
// signed BootstrapCommit gossip message (internal/p2p).
type Commit struct {
	PioneerId         types.Address
	SystemAddresses   [4]types.Address // liquidity, burn, maintenance, developer, in this order
	InitialLiquidity  types.Amount
	ProposedTimestamp types.Timestamp
}

// Manager runs the Idle -> CollectingPioneers -> Ready -> Genesis -> Done
// machine for a single node. Self is always counted as one of the
// N_pioneer peers once it has been told to join (spec §4.5 "including
// self").
type Manager struct {
	mu    sync.Mutex
	state State

	selfId       types.Address
	pioneerCount int

	connected map[types.Address]bool // pioneer-role peers currently connected, including self
	commits   map[types.Address]Commit

	log *zap.SugaredLogger
}

// New builds a Manager for a network requiring pioneerCount simultaneous
// pioneer peers.
func New(selfId types.Address, pioneerCount int, log *zap.SugaredLogger) *Manager {
	return &Manager{
		state:        Idle,
		selfId:       selfId,
		pioneerCount: pioneerCount,
		connected:    make(map[types.Address]bool),
		commits:      make(map[types.Address]Commit),
		log:          log,
	}
}

// State returns the machine's current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnPioneerConnected transitions Idle -> CollectingPioneers on the first
// call, and CollectingPioneers -> Ready once the connected pioneer set
// (including self) reaches exactly pioneerCount.
func (m *Manager) OnPioneerConnected(peerId types.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Genesis || m.state == Done {
		return
	}
	if m.state == Idle {
		m.state = CollectingPioneers
		m.connected[m.selfId] = true
	}
	m.connected[peerId] = true
	m.syncReadyLocked()
}

// OnPioneerDisconnected removes peerId from the connected set. If the
// set was Ready and drops below pioneerCount, the machine falls back to
// CollectingPioneers (spec §4.5 failure semantics).
func (m *Manager) OnPioneerDisconnected(peerId types.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Genesis || m.state == Done {
		return
	}
	delete(m.connected, peerId)
	delete(m.commits, peerId)
	if m.state == Ready && len(m.connected) != m.pioneerCount {
		m.state = CollectingPioneers
		if m.log != nil {
			m.log.Infow("pioneer set dropped below threshold, reverting to CollectingPioneers", "connected", len(m.connected))
		}
	}
}

func (m *Manager) syncReadyLocked() {
	if m.state == CollectingPioneers && len(m.connected) == m.pioneerCount {
		m.state = Ready
		if m.log != nil {
			m.log.Infow("pioneer set complete, ready for genesis", "pioneers", len(m.connected))
		}
	}
}

// Commit records one pioneer's proposed genesis parameters. Once all
// pioneerCount distinct pioneers (including self) have committed and
// agree on the system-address set, it produces and returns the genesis
// block; otherwise it returns (nil, nil) to indicate the commit was
// recorded but genesis has not yet triggered.
func (m *Manager) Commit(c Commit) (*types.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Done {
		return nil, ErrAlreadyDone
	}
	if m.state != Ready && m.state != Genesis {
		return nil, ErrNotReady
	}
	if !m.connected[c.PioneerId] {
		return nil, fmt.Errorf("bootstrap: commit from unconnected pioneer %s", c.PioneerId)
	}

	m.state = Genesis
	m.commits[c.PioneerId] = c

	if len(m.commits) < m.pioneerCount {
		return nil, nil
	}

	block, err := m.buildGenesisLocked()
	if err != nil {
		// Disagreement aborts and restarts the state machine (spec §4.5).
		m.state = CollectingPioneers
		m.commits = make(map[types.Address]Commit)
		return nil, err
	}
	m.state = Done
	return block, nil
}

// buildGenesisLocked assembles the genesis block from m.commits, once
// exactly pioneerCount have arrived. Caller holds m.mu.
func (m *Manager) buildGenesisLocked() (*types.Block, error) {
	var first Commit
	first.PioneerId = ""
	timestamps := make([]types.Timestamp, 0, len(m.commits))
	for _, c := range m.commits {
		if first.PioneerId == "" {
			first = c
		} else if first.SystemAddresses != c.SystemAddresses || first.InitialLiquidity.Cmp(c.InitialLiquidity) != 0 {
			return nil, ErrSystemAddressDisagreement
		}
		timestamps = append(timestamps, c.ProposedTimestamp)
	}

	sysTxs := make([]*types.Transaction, 4)
	amounts := [4]types.Amount{first.InitialLiquidity, types.Zero, types.Zero, types.Zero}
	ts := medianTimestamp(timestamps)
	for i, addr := range first.SystemAddresses {
		sysTxs[i] = &types.Transaction{
			Sender:    "",
			Recipient: addr,
			Amount:    amounts[i],
			Fee:       types.Zero,
			Nonce:     uint64(i),
			Timestamp: ts,
			Tag:       types.TagSystemInit,
		}
	}

	root, err := types.ComputeMerkleRoot(sysTxs)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: compute genesis merkle root: %w", err)
	}

	return &types.Block{
		Height:       0,
		ParentHash:   types.ZeroHash,
		ProposerId:   m.selfId,
		Timestamp:    ts,
		Transactions: sysTxs,
		MerkleRoot:   root,
	}, nil
}

// medianTimestamp returns the median of a sorted copy of ts, per spec
// §4.5 ("timestamp is the median of the N_pioneer proposed timestamps").
// For an even count it is the mean of the two middle values, rounded down.
func medianTimestamp(ts []types.Timestamp) types.Timestamp {
	if len(ts) == 0 {
		return 0
	}
	sorted := append([]types.Timestamp(nil), ts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		lo, hi := sorted[mid-1], sorted[mid]
		return lo + (hi-lo)/2
	}
	return sorted[mid]
}
