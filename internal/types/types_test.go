package types

import "testing"

func TestAmountArithmeticIsExact(t *testing.T) {
	a := MustAmountFromInt64(1024)
	half, err := NewAmountFromString("0.60")
	if err != nil {
		t.Fatalf("NewAmountFromString: %v", err)
	}
	got := a.Mul(half.Decimal())
	want, err := NewAmountFromString("614.4") // 1024*0.60 = 614.4, truncated to 18dp -> 614.4 exactly
	if err != nil {
		t.Fatalf("NewAmountFromString: %v", err)
	}
	if got.Cmp(want) != 0 {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestAmountSafeSubRejectsNegative(t *testing.T) {
	a := MustAmountFromInt64(10)
	b := MustAmountFromInt64(11)
	if _, err := a.SafeSub(b); err != ErrNegativeAmount {
		t.Fatalf("SafeSub: got err %v, want ErrNegativeAmount", err)
	}
}

func TestAmountTextRoundTrip(t *testing.T) {
	a := MustAmountFromInt64(1048576)
	text, err := a.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var b Amount
	if err := b.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if a.Cmp(b) != 0 {
		t.Fatalf("round trip mismatch: %s != %s", a, b)
	}
}

func TestTransactionIdStableAndExcludesSignature(t *testing.T) {
	tx := &Transaction{
		Sender:    "addr-a",
		Recipient: "addr-b",
		Amount:    MustAmountFromInt64(100),
		Fee:       MustAmountFromInt64(10),
		Nonce:     1,
		Timestamp: 1000,
		Tag:       TagTransfer,
	}
	id1, err := tx.Id()
	if err != nil {
		t.Fatalf("Id: %v", err)
	}
	tx.Signature = Signature("anything")
	id2, err := tx.Id()
	if err != nil {
		t.Fatalf("Id: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("transaction id must not depend on the signature field")
	}
}

func TestTransactionValidateSignaturePresence(t *testing.T) {
	sys := &Transaction{Tag: TagBlockReward, Amount: MustAmountFromInt64(1)}
	if err := sys.Validate(); err != nil {
		t.Fatalf("system tx without signature should validate: %v", err)
	}
	sys.Signature = Signature("nope")
	if err := sys.Validate(); err == nil {
		t.Fatalf("system tx with a signature should be rejected")
	}

	user := &Transaction{Tag: TagTransfer, Amount: MustAmountFromInt64(1)}
	if err := user.Validate(); err == nil {
		t.Fatalf("user tx without signature should be rejected")
	}
}

func TestMerkleRootEmptyIsZero(t *testing.T) {
	root, err := ComputeMerkleRoot(nil)
	if err != nil {
		t.Fatalf("ComputeMerkleRoot: %v", err)
	}
	if !root.IsZero() {
		t.Fatalf("empty transaction list should yield the zero hash")
	}
}

func TestMerkleRootDeterministic(t *testing.T) {
	txs := []*Transaction{
		{Sender: "a", Recipient: "b", Amount: MustAmountFromInt64(1), Tag: TagTransfer, Signature: Signature("x")},
		{Sender: "c", Recipient: "d", Amount: MustAmountFromInt64(2), Tag: TagTransfer, Signature: Signature("y")},
		{Sender: "e", Recipient: "f", Amount: MustAmountFromInt64(3), Tag: TagTransfer, Signature: Signature("z")},
	}
	r1, err := ComputeMerkleRoot(txs)
	if err != nil {
		t.Fatalf("ComputeMerkleRoot: %v", err)
	}
	r2, err := ComputeMerkleRoot(txs)
	if err != nil {
		t.Fatalf("ComputeMerkleRoot: %v", err)
	}
	if r1 != r2 {
		t.Fatalf("merkle root must be deterministic for the same input")
	}
}

func TestBlockIdExcludesProposerSig(t *testing.T) {
	blk := &Block{
		Height:     1,
		ParentHash: ZeroHash,
		ProposerId: "p1",
		Timestamp:  1000,
	}
	id1, err := blk.Id()
	if err != nil {
		t.Fatalf("Id: %v", err)
	}
	blk.ProposerSig = Signature("sig")
	id2, err := blk.Id()
	if err != nil {
		t.Fatalf("Id: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("block id must not depend on the proposer signature")
	}
}

func TestTransactionSerializeRoundTrip(t *testing.T) {
	tx := &Transaction{
		Sender:    "addr-a",
		Recipient: "addr-b",
		Amount:    MustAmountFromInt64(42),
		Fee:       MustAmountFromInt64(1),
		Nonce:     7,
		Timestamp: 123,
		Memo:      []byte("hello"),
		Tag:       TagTransfer,
		Signature: Signature("sig"),
	}
	b, err := tx.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	got, err := DeserializeTransaction(b)
	if err != nil {
		t.Fatalf("DeserializeTransaction: %v", err)
	}
	if got.Sender != tx.Sender || got.Nonce != tx.Nonce || got.Amount.Cmp(tx.Amount) != 0 {
		t.Fatalf("round trip mismatch: %+v != %+v", got, tx)
	}
}
