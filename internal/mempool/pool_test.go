package mempool

import (
	"testing"

	"github.com/poaip/poaipd/internal/types"
)

type fakeLedger struct {
	balances map[types.Address]types.Amount
}

func (f *fakeLedger) BalanceOf(addr types.Address) types.Amount {
	if b, ok := f.balances[addr]; ok {
		return b
	}
	return types.Zero
}

type fakeReputation struct {
	multipliers map[types.Address]float64
}

func (f *fakeReputation) PriorityMultiplier(addr types.Address, _ types.Timestamp) float64 {
	if m, ok := f.multipliers[addr]; ok {
		return m
	}
	return 1
}

func signedTransfer(t *testing.T, sender types.Address, amount, fee int64, nonce uint64, ts types.Timestamp) *types.Transaction {
	t.Helper()
	tx := &types.Transaction{
		Sender:    sender,
		Recipient: "recipient",
		Amount:    types.MustAmountFromInt64(amount),
		Fee:       types.MustAmountFromInt64(fee),
		Nonce:     nonce,
		Timestamp: ts,
		Tag:       types.TagTransfer,
		Signature: types.Signature("fake-signature"),
	}
	return tx
}

func newTestPool(t *testing.T, capacity int, balances map[types.Address]types.Amount, multipliers map[types.Address]float64) *Pool {
	t.Helper()
	p, err := New(capacity, &fakeLedger{balances: balances}, &fakeReputation{multipliers: multipliers}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestSubmitAcceptsWithSufficientBalance(t *testing.T) {
	p := newTestPool(t, 10, map[types.Address]types.Amount{"alice": types.MustAmountFromInt64(100)}, nil)
	tx := signedTransfer(t, "alice", 10, 1, 0, 1)
	if outcome := p.Submit(tx); outcome != Accepted {
		t.Fatalf("Submit = %v, want Accepted", outcome)
	}
	if p.Size() != 1 {
		t.Fatalf("Size = %d, want 1", p.Size())
	}
}

func TestSubmitRejectsInsufficientBalance(t *testing.T) {
	p := newTestPool(t, 10, map[types.Address]types.Amount{"alice": types.MustAmountFromInt64(5)}, nil)
	tx := signedTransfer(t, "alice", 10, 1, 0, 1)
	if outcome := p.Submit(tx); outcome != RejectedInsufficientBalance {
		t.Fatalf("Submit = %v, want RejectedInsufficientBalance", outcome)
	}
}

func TestSubmitRejectsDuplicateId(t *testing.T) {
	p := newTestPool(t, 10, map[types.Address]types.Amount{"alice": types.MustAmountFromInt64(100)}, nil)
	tx := signedTransfer(t, "alice", 10, 1, 0, 1)
	if outcome := p.Submit(tx); outcome != Accepted {
		t.Fatalf("first Submit = %v, want Accepted", outcome)
	}
	if outcome := p.Submit(tx); outcome != RejectedDuplicateNonce {
		t.Fatalf("resubmit = %v, want RejectedDuplicateNonce", outcome)
	}
}

func TestSubmitRejectsKnownNonce(t *testing.T) {
	p := newTestPool(t, 10, map[types.Address]types.Amount{"alice": types.MustAmountFromInt64(1000)}, nil)
	first := signedTransfer(t, "alice", 10, 1, 7, 1)
	if outcome := p.Submit(first); outcome != Accepted {
		t.Fatalf("first Submit = %v, want Accepted", outcome)
	}
	// A different transaction (distinct memo-less fee/amount gives it a
	// different id) reusing the same sender+nonce must still be rejected,
	// even though its id doesn't match anything already in the pool.
	resubmit := signedTransfer(t, "alice", 20, 2, 7, 2)
	if outcome := p.Submit(resubmit); outcome != RejectedDuplicateNonce {
		t.Fatalf("Submit = %v, want RejectedDuplicateNonce", outcome)
	}
}

func TestDrainOrdersByReputationThenFeeThenArrival(t *testing.T) {
	balances := map[types.Address]types.Amount{
		"alice": types.MustAmountFromInt64(1000),
		"bob":   types.MustAmountFromInt64(1000),
		"carol": types.MustAmountFromInt64(1000),
	}
	multipliers := map[types.Address]float64{
		"alice": 1,
		"bob":   1,
		"carol": 5, // higher reputation tier outranks fee
	}
	p := newTestPool(t, 10, balances, multipliers)

	low := signedTransfer(t, "alice", 10, 1, 0, 1)  // low fee, low rep
	high := signedTransfer(t, "bob", 10, 9, 0, 2)    // high fee, low rep
	top := signedTransfer(t, "carol", 10, 1, 0, 3)   // low fee, high rep

	p.Submit(low)
	p.Submit(high)
	p.Submit(top)

	drained := p.Drain(10)
	if len(drained) != 3 {
		t.Fatalf("Drain returned %d txs, want 3", len(drained))
	}
	if drained[0].Sender != "carol" {
		t.Fatalf("first drained = %s, want carol (highest reputation tier)", drained[0].Sender)
	}
	if drained[1].Sender != "bob" {
		t.Fatalf("second drained = %s, want bob (higher fee among remaining)", drained[1].Sender)
	}
	if drained[2].Sender != "alice" {
		t.Fatalf("third drained = %s, want alice", drained[2].Sender)
	}
	if p.Size() != 0 {
		t.Fatalf("pool size after full drain = %d, want 0", p.Size())
	}
}

func TestDrainRemovesFromPool(t *testing.T) {
	p := newTestPool(t, 10, map[types.Address]types.Amount{"alice": types.MustAmountFromInt64(100)}, nil)
	p.Submit(signedTransfer(t, "alice", 10, 1, 0, 1))
	p.Submit(signedTransfer(t, "alice", 10, 1, 1, 2))

	drained := p.Drain(1)
	if len(drained) != 1 {
		t.Fatalf("Drain(1) returned %d, want 1", len(drained))
	}
	if p.Size() != 1 {
		t.Fatalf("Size after partial drain = %d, want 1 (drained items removed)", p.Size())
	}
}

func TestEvictCommittedDropsIncludedTransactions(t *testing.T) {
	p := newTestPool(t, 10, map[types.Address]types.Amount{"alice": types.MustAmountFromInt64(100)}, nil)
	tx1 := signedTransfer(t, "alice", 10, 1, 0, 1)
	tx2 := signedTransfer(t, "alice", 10, 1, 1, 2)
	p.Submit(tx1)
	p.Submit(tx2)

	block := &types.Block{Transactions: []*types.Transaction{tx1}}
	p.EvictCommitted(block)

	if p.Size() != 1 {
		t.Fatalf("Size after EvictCommitted = %d, want 1", p.Size())
	}
	remaining := p.Drain(10)
	if len(remaining) != 1 || remaining[0] != tx2 {
		t.Fatalf("remaining transaction is not tx2")
	}
}

func TestSubmitAllowsNonceReuseAfterDrain(t *testing.T) {
	p := newTestPool(t, 10, map[types.Address]types.Amount{"alice": types.MustAmountFromInt64(1000)}, nil)
	tx := signedTransfer(t, "alice", 10, 1, 0, 1)
	if outcome := p.Submit(tx); outcome != Accepted {
		t.Fatalf("first Submit = %v, want Accepted", outcome)
	}
	p.Drain(10)

	// alice's nonce-0 slot drained out of the pool entirely; a fresh
	// transaction with the same nonce (e.g. the original never landed in
	// a block and she's resubmitting) must not be treated as a stale
	// duplicate forever.
	retry := signedTransfer(t, "alice", 10, 1, 0, 2)
	if outcome := p.Submit(retry); outcome != Accepted {
		t.Fatalf("resubmit after drain = %v, want Accepted", outcome)
	}
}

func TestSubmitEvictsLowestPriorityWhenFull(t *testing.T) {
	balances := map[types.Address]types.Amount{
		"alice": types.MustAmountFromInt64(1000),
		"bob":   types.MustAmountFromInt64(1000),
	}
	p := newTestPool(t, 1, balances, nil)

	low := signedTransfer(t, "alice", 10, 1, 0, 1)
	if outcome := p.Submit(low); outcome != Accepted {
		t.Fatalf("first Submit = %v, want Accepted", outcome)
	}

	high := signedTransfer(t, "bob", 10, 99, 0, 2)
	if outcome := p.Submit(high); outcome != Accepted {
		t.Fatalf("second Submit = %v, want Accepted (evicts lowest priority)", outcome)
	}
	if p.Size() != 1 {
		t.Fatalf("Size = %d, want 1", p.Size())
	}
	remaining := p.Drain(10)
	if remaining[0].Sender != "bob" {
		t.Fatalf("surviving tx sender = %s, want bob (higher fee evicted alice)", remaining[0].Sender)
	}
}
