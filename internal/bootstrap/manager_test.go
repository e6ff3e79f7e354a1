package bootstrap

import (
	"testing"

	"github.com/poaip/poaipd/internal/types"
)

func sysAddrs() [4]types.Address {
	return [4]types.Address{"liquidity", "burn", "maintenance", "developer"}
}

func TestIdleToReadyRequiresExactPioneerCount(t *testing.T) {
	m := New("self", 3, nil)
	if m.State() != Idle {
		t.Fatalf("initial state = %v, want Idle", m.State())
	}
	m.OnPioneerConnected("peer-1")
	if m.State() != CollectingPioneers {
		t.Fatalf("state after one pioneer = %v, want CollectingPioneers", m.State())
	}
	if m.State() == Ready {
		t.Fatalf("should not be Ready with only self + 1 peer when count is 3")
	}
}

func TestReadyOnExactPioneerCount(t *testing.T) {
	m := New("self", 2, nil)
	m.OnPioneerConnected("self")
	if m.State() != CollectingPioneers {
		t.Fatalf("state = %v, want CollectingPioneers", m.State())
	}
	m.OnPioneerConnected("peer-1")
	if m.State() != Ready {
		t.Fatalf("state = %v, want Ready", m.State())
	}
}

func TestDisconnectDropsBackToCollecting(t *testing.T) {
	m := New("self", 2, nil)
	m.OnPioneerConnected("self")
	m.OnPioneerConnected("peer-1")
	if m.State() != Ready {
		t.Fatalf("precondition: state = %v, want Ready", m.State())
	}
	m.OnPioneerDisconnected("peer-1")
	if m.State() != CollectingPioneers {
		t.Fatalf("state after disconnect = %v, want CollectingPioneers", m.State())
	}
}

func TestCommitProducesGenesisOnAgreement(t *testing.T) {
	m := New("self", 2, nil)
	m.OnPioneerConnected("self")
	m.OnPioneerConnected("peer-1")

	block, err := m.Commit(Commit{
		PioneerId:         "self",
		SystemAddresses:   sysAddrs(),
		InitialLiquidity:  types.MustAmountFromInt64(1048576),
		ProposedTimestamp: 100,
	})
	if err != nil {
		t.Fatalf("first Commit: %v", err)
	}
	if block != nil {
		t.Fatalf("genesis should not trigger after only 1 of 2 commits")
	}

	block, err = m.Commit(Commit{
		PioneerId:         "peer-1",
		SystemAddresses:   sysAddrs(),
		InitialLiquidity:  types.MustAmountFromInt64(1048576),
		ProposedTimestamp: 200,
	})
	if err != nil {
		t.Fatalf("second Commit: %v", err)
	}
	if block == nil {
		t.Fatalf("genesis should trigger after both commits")
	}
	if block.Height != 0 || !block.ParentHash.IsZero() {
		t.Fatalf("genesis block has wrong height/parent: %+v", block)
	}
	if len(block.Transactions) != 4 {
		t.Fatalf("genesis block has %d transactions, want 4", len(block.Transactions))
	}
	if block.Transactions[0].Recipient != "liquidity" || block.Transactions[0].Amount.Cmp(types.MustAmountFromInt64(1048576)) != 0 {
		t.Fatalf("liquidity credit wrong: %+v", block.Transactions[0])
	}
	if block.Timestamp != 150 {
		t.Fatalf("genesis timestamp = %d, want median 150", block.Timestamp)
	}
	if m.State() != Done {
		t.Fatalf("state after genesis = %v, want Done", m.State())
	}
}

func TestCommitAfterDoneIsRejected(t *testing.T) {
	m := New("self", 1, nil)
	m.OnPioneerConnected("self")
	_, err := m.Commit(Commit{PioneerId: "self", SystemAddresses: sysAddrs(), InitialLiquidity: types.Zero, ProposedTimestamp: 1})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := m.Commit(Commit{PioneerId: "self", SystemAddresses: sysAddrs(), ProposedTimestamp: 2}); err != ErrAlreadyDone {
		t.Fatalf("second Commit error = %v, want ErrAlreadyDone", err)
	}
}

func TestCommitDisagreementAbortsAndRestarts(t *testing.T) {
	m := New("self", 2, nil)
	m.OnPioneerConnected("self")
	m.OnPioneerConnected("peer-1")

	if _, err := m.Commit(Commit{PioneerId: "self", SystemAddresses: sysAddrs(), InitialLiquidity: types.MustAmountFromInt64(1), ProposedTimestamp: 1}); err != nil {
		t.Fatalf("first Commit: %v", err)
	}
	other := sysAddrs()
	other[0] = "different-liquidity"
	_, err := m.Commit(Commit{PioneerId: "peer-1", SystemAddresses: other, InitialLiquidity: types.MustAmountFromInt64(1), ProposedTimestamp: 2})
	if err != ErrSystemAddressDisagreement {
		t.Fatalf("error = %v, want ErrSystemAddressDisagreement", err)
	}
	if m.State() != CollectingPioneers {
		t.Fatalf("state after disagreement = %v, want CollectingPioneers (restarted)", m.State())
	}
}

func TestCommitBeforeReadyIsRejected(t *testing.T) {
	m := New("self", 2, nil)
	if _, err := m.Commit(Commit{PioneerId: "self", SystemAddresses: sysAddrs(), ProposedTimestamp: 1}); err != ErrNotReady {
		t.Fatalf("error = %v, want ErrNotReady", err)
	}
}
