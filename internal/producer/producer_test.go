package producer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"

	"github.com/poaip/poaipd/internal/consensus"
	"github.com/poaip/poaipd/internal/crypto"
	"github.com/poaip/poaipd/internal/halving"
	"github.com/poaip/poaipd/internal/ledger"
	"github.com/poaip/poaipd/internal/types"
)

type fakeMempool struct{ txs []*types.Transaction }

func (f fakeMempool) Drain(maxCount int) []*types.Transaction {
	if len(f.txs) > maxCount {
		return f.txs[:maxCount]
	}
	return f.txs
}

type fakeLedger struct {
	mu        sync.Mutex
	blocks    map[types.Height]*types.Block
	balances  map[types.Address]types.Amount
	committed chan types.Height
}

func newFakeLedger(genesis *types.Block) *fakeLedger {
	return &fakeLedger{
		blocks:    map[types.Height]*types.Block{0: genesis},
		balances:  map[types.Address]types.Amount{},
		committed: make(chan types.Height, 8),
	}
}

func (f *fakeLedger) BalanceOf(addr types.Address) types.Amount {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[addr]
}

func (f *fakeLedger) BlockAt(h types.Height) (*types.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blocks[h]
	if !ok {
		return nil, errNotFound
	}
	return b, nil
}

func (f *fakeLedger) Tip() ledger.TipInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	var top types.Height
	for h := range f.blocks {
		if h > top {
			top = h
		}
	}
	blk := f.blocks[top]
	info := ledger.TipInfo{Height: top}
	if blk != nil {
		if id, err := blk.Id(); err == nil {
			info.Hash = id
		}
		info.Timestamp = blk.Timestamp
	}
	return info
}

func (f *fakeLedger) AppendCommittedBlock(blk *types.Block) (types.Height, error) {
	f.mu.Lock()
	f.blocks[blk.Height] = blk
	f.mu.Unlock()
	f.committed <- blk.Height
	return blk.Height, nil
}

type fakeRoster struct{ ids []types.Address }

func (f fakeRoster) ActiveAINodeIds() []types.Address { return f.ids }

type fakeVoteNetwork struct{}

func (fakeVoteNetwork) BroadcastVote(v *types.Vote) error { return nil }

type fakeBroadcaster struct {
	mu     sync.Mutex
	blocks []*types.Block
	sent   chan *types.Block
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{sent: make(chan *types.Block, 8)}
}

func (f *fakeBroadcaster) BroadcastProposal(block *types.Block) error {
	f.mu.Lock()
	f.blocks = append(f.blocks, block)
	f.mu.Unlock()
	f.sent <- block
	return nil
}

type testErr string

func (e testErr) Error() string { return string(e) }

var errNotFound = testErr("not found")

func TestProducerBuildsAndSubmitsWinningProposal(t *testing.T) {
	p1, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair p1: %v", err)
	}
	p2, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair p2: %v", err)
	}
	ids := consensus.SortedAINodeIds([]types.Address{p1.Address, p2.Address})

	genesis := &types.Block{Height: 0, ParentHash: types.ZeroHash}

	hal, err := halving.New(halving.Config{
		InitialReward:       types.MustAmountFromInt64(1024),
		InitialSplit:        halving.Split{Burn: decimal.RequireFromString("0.60"), Maintenance: decimal.RequireFromString("0.30"), Liquidity: decimal.RequireFromString("0.10")},
		DecrementPerHalving: decimal.RequireFromString("0.10"),
		PeriodBlocks:        1000,
	})
	if err != nil {
		t.Fatalf("halving.New: %v", err)
	}

	led := newFakeLedger(genesis)
	clk := clock.NewMock()

	actualProposer := consensus.ProposerForHeight(ids, 1, 0)
	var selfKey *crypto.KeyPair
	if actualProposer == p1.Address {
		selfKey = p1
	} else {
		selfKey = p2
	}

	sysAddr := SystemAddresses{Burn: "B", Maintenance: "M", Liquidity: "L"}

	eng, err := consensus.New(selfKey.Address, selfKey.Private, led, hal, fakeRoster{ids: ids}, fakeVoteNetwork{}, clk, consensus.Config{RoundTimeout: time.Second, RestartDelay: time.Millisecond}, consensus.SystemAddresses{Burn: sysAddr.Burn, Maintenance: sysAddr.Maintenance, Liquidity: sysAddr.Liquidity}, nil)
	if err != nil {
		t.Fatalf("consensus.New: %v", err)
	}

	broadcaster := newFakeBroadcaster()
	pool := fakeMempool{}
	prod, err := New(selfKey.Address, selfKey.Private, pool, led, hal, eng, broadcaster, sysAddr, 10, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx, 1); err != nil {
		t.Fatalf("eng.Start: %v", err)
	}
	defer eng.Stop()
	prod.Start(ctx)
	defer prod.Stop()

	var block *types.Block
	select {
	case block = <-broadcaster.sent:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for producer to broadcast a proposal")
	}

	if block.Height != 1 {
		t.Fatalf("block height = %d, want 1", block.Height)
	}
	if block.ProposerId != selfKey.Address {
		t.Fatalf("block proposer = %s, want %s", block.ProposerId, selfKey.Address)
	}
	if len(block.Transactions) != 4 {
		t.Fatalf("len(block.Transactions) = %d, want 4 (no pending user txs)", len(block.Transactions))
	}
	if block.Transactions[0].Tag != types.TagBlockReward || block.Transactions[0].Amount.Cmp(hal.RewardFor(1)) != 0 {
		t.Fatalf("unexpected block reward transaction: %+v", block.Transactions[0])
	}

	// Cast the remaining distinct vote needed for quorum; the engine
	// already self-votes as selfKey when it accepts its own proposal.
	otherKey := p2
	if selfKey.Address == p2.Address {
		otherKey = p1
	}
	blockId, err := block.Id()
	if err != nil {
		t.Fatalf("block.Id: %v", err)
	}
	vote := &types.Vote{Height: 1, BlockHash: blockId, VoterId: otherKey.Address, Decision: types.DecisionApprove}
	if err := crypto.SignVote(otherKey.Private, vote); err != nil {
		t.Fatalf("SignVote: %v", err)
	}
	eng.SubmitVote(vote)

	select {
	case h := <-led.committed:
		if h != 1 {
			t.Fatalf("committed height = %d, want 1", h)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for commit")
	}
}
