package crypto

import (
	"testing"

	"github.com/poaip/poaipd/internal/types"
)

func TestAddressRoundTripsPublicKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	pub, err := PublicKeyFromAddress(kp.Address)
	if err != nil {
		t.Fatalf("PublicKeyFromAddress: %v", err)
	}
	if pub.X.Cmp(kp.Private.PublicKey.X) != 0 || pub.Y.Cmp(kp.Private.PublicKey.Y) != 0 {
		t.Fatalf("recovered public key does not match original")
	}
}

func TestSignVerifyTransaction(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	tx := &types.Transaction{
		Sender:    kp.Address,
		Recipient: "recipient",
		Amount:    types.MustAmountFromInt64(10),
		Fee:       types.MustAmountFromInt64(1),
		Nonce:     1,
		Timestamp: 1,
		Tag:       types.TagTransfer,
	}
	if err := SignTransaction(kp.Private, tx); err != nil {
		t.Fatalf("SignTransaction: %v", err)
	}
	if err := VerifyTransaction(tx); err != nil {
		t.Fatalf("VerifyTransaction: %v", err)
	}

	tx.Amount = types.MustAmountFromInt64(999)
	if err := VerifyTransaction(tx); err == nil {
		t.Fatalf("tampered transaction must fail verification")
	}
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	kp1, _ := GenerateKeyPair()
	kp2, _ := GenerateKeyPair()
	tx := &types.Transaction{
		Sender:    kp1.Address,
		Recipient: "recipient",
		Amount:    types.MustAmountFromInt64(10),
		Tag:       types.TagTransfer,
	}
	if err := SignTransaction(kp2.Private, tx); err != nil {
		t.Fatalf("SignTransaction: %v", err)
	}
	if err := VerifyTransaction(tx); err == nil {
		t.Fatalf("signature from the wrong key must not verify")
	}
}

func TestKeyPairPEMRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/node.pem"
	kp, err := LoadOrCreateKeyPair(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKeyPair: %v", err)
	}
	loaded, err := LoadOrCreateKeyPair(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKeyPair (second call): %v", err)
	}
	if kp.Address != loaded.Address {
		t.Fatalf("address changed across reload: %s != %s", kp.Address, loaded.Address)
	}
}

func TestSignVerifyBlockAndVote(t *testing.T) {
	kp, _ := GenerateKeyPair()
	blk := &types.Block{Height: 1, ParentHash: types.ZeroHash, ProposerId: kp.Address, Timestamp: 1}
	if err := SignBlock(kp.Private, blk); err != nil {
		t.Fatalf("SignBlock: %v", err)
	}
	if err := VerifyBlock(blk); err != nil {
		t.Fatalf("VerifyBlock: %v", err)
	}

	v := &types.Vote{Height: 1, BlockHash: types.ZeroHash, VoterId: kp.Address, Decision: types.DecisionApprove}
	if err := SignVote(kp.Private, v); err != nil {
		t.Fatalf("SignVote: %v", err)
	}
	if err := VerifyVote(v); err != nil {
		t.Fatalf("VerifyVote: %v", err)
	}
}
