package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"lukechampine.com/blake3"

	"github.com/poaip/poaipd/internal/types"
)

// ErrSignatureInvalid is returned by Verify for a malformed or mismatched
// signature.
var ErrSignatureInvalid = errors.New("crypto: signature invalid")

// sigComponentLen is the size of each half of the ASN.1-free wire shape
// of an ECDSA signature: fixed-size big-endian R and S, concatenated.
// P-256 gives 32-byte components.
const sigComponentLen = 32

// Sign signs msg with priv and returns a fixed-length R||S signature.
func Sign(priv *ecdsa.PrivateKey, msg []byte) (types.Signature, error) {
	digest := blake3.Sum256(msg)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: sign: %w", err)
	}
	out := make([]byte, 2*sigComponentLen)
	r.FillBytes(out[:sigComponentLen])
	s.FillBytes(out[sigComponentLen:])
	return types.Signature(out), nil
}

// Verify checks sig over msg against the public key embedded in addr's
// did:key encoding.
func Verify(addr types.Address, msg []byte, sig types.Signature) error {
	pub, err := PublicKeyFromAddress(addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return VerifyWithKey(pub, msg, sig)
}

// VerifyWithKey checks sig over msg against an already-parsed public key.
func VerifyWithKey(pub *ecdsa.PublicKey, msg []byte, sig types.Signature) error {
	if len(sig) != 2*sigComponentLen {
		return fmt.Errorf("%w: want %d bytes, got %d", ErrSignatureInvalid, 2*sigComponentLen, len(sig))
	}
	r := new(big.Int).SetBytes(sig[:sigComponentLen])
	s := new(big.Int).SetBytes(sig[sigComponentLen:])
	digest := blake3.Sum256(msg)
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return ErrSignatureInvalid
	}
	return nil
}

// SignTransaction signs the transaction's canonical bytes and sets its
// Signature field.
func SignTransaction(priv *ecdsa.PrivateKey, tx *types.Transaction) error {
	b, err := tx.CanonicalBytes()
	if err != nil {
		return err
	}
	sig, err := Sign(priv, b)
	if err != nil {
		return err
	}
	tx.Signature = sig
	return nil
}

// VerifyTransaction verifies a non-system transaction's signature against
// its declared sender.
func VerifyTransaction(tx *types.Transaction) error {
	if tx.Tag.IsSystem() {
		return nil
	}
	b, err := tx.CanonicalBytes()
	if err != nil {
		return err
	}
	return Verify(tx.Sender, b, tx.Signature)
}

// SignBlock signs the block header hash and sets ProposerSig.
func SignBlock(priv *ecdsa.PrivateKey, blk *types.Block) error {
	id, err := blk.Id()
	if err != nil {
		return err
	}
	sig, err := Sign(priv, id.Bytes())
	if err != nil {
		return err
	}
	blk.ProposerSig = sig
	return nil
}

// VerifyBlock verifies a block's proposer signature.
func VerifyBlock(blk *types.Block) error {
	id, err := blk.Id()
	if err != nil {
		return err
	}
	return Verify(blk.ProposerId, id.Bytes(), blk.ProposerSig)
}

// SignVote signs a vote's canonical bytes and sets its Signature field.
func SignVote(priv *ecdsa.PrivateKey, v *types.Vote) error {
	b, err := v.CanonicalBytes()
	if err != nil {
		return err
	}
	sig, err := Sign(priv, b)
	if err != nil {
		return err
	}
	v.Signature = sig
	return nil
}

// VerifyVote verifies a vote's signature against its declared voter.
func VerifyVote(v *types.Vote) error {
	b, err := v.CanonicalBytes()
	if err != nil {
		return err
	}
	return Verify(v.VoterId, b, v.Signature)
}
