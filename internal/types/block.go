package types

import "errors"

// Block is the unit of consensus commitment. Its identity is the hash of
// its header (CanonicalBytes), which covers the Merkle root rather than
// the raw transaction list.
type Block struct {
	Height          Height
	ParentHash      Hash
	ProposerId      Address
	Timestamp       Timestamp
	Transactions    []*Transaction
	MerkleRoot      Hash
	ProposerSig     Signature
}

type blockHeaderHashable struct {
	Height       Height
	ParentHash   Hash
	ProposerId   Address
	Timestamp    Timestamp
	MerkleRoot   Hash
}

// CanonicalBytes implements Hashable over the header only; ProposerSig is
// never part of the hashed bytes since it is computed over this hash.
func (b *Block) CanonicalBytes() ([]byte, error) {
	return gobEncode(blockHeaderHashable{
		Height:     b.Height,
		ParentHash: b.ParentHash,
		ProposerId: b.ProposerId,
		Timestamp:  b.Timestamp,
		MerkleRoot: b.MerkleRoot,
	})
}

// Id returns the block's identity hash.
func (b *Block) Id() (Hash, error) { return HashOf(b) }

// ComputeMerkleRoot derives the Merkle root of the block's transaction
// list by pairwise blake3 hashing, duplicating the last element of an odd
// layer (the conventional Bitcoin-style scheme).
func ComputeMerkleRoot(txs []*Transaction) (Hash, error) {
	if len(txs) == 0 {
		return ZeroHash, nil
	}
	layer := make([]Hash, len(txs))
	for i, tx := range txs {
		id, err := tx.Id()
		if err != nil {
			return Hash{}, err
		}
		layer[i] = id
	}
	for len(layer) > 1 {
		if len(layer)%2 == 1 {
			layer = append(layer, layer[len(layer)-1])
		}
		next := make([]Hash, len(layer)/2)
		for i := 0; i < len(layer); i += 2 {
			pair := append(layer[i].Bytes(), layer[i+1].Bytes()...)
			h, err := HashFromBytes(mustSum(pair))
			if err != nil {
				return Hash{}, err
			}
			next[i/2] = h
		}
		layer = next
	}
	return layer[0], nil
}

// SystemTxCount returns how many leading system-tagged transactions a
// block carries (the count K referenced by invariant B2): 4 for genesis
// (SystemInit x4) and 4 for every other block (BlockReward + 3 fee-split),
// 0 for a block with no transactions at all (never produced in practice).
func (b *Block) SystemTxCount() int {
	n := 0
	for _, tx := range b.Transactions {
		if tx.Tag.IsSystem() {
			n++
			continue
		}
		break
	}
	return n
}

// ErrEmptyBlock is returned where an operation requires at least one
// transaction (system transactions included) and finds none.
var ErrEmptyBlock = errors.New("types: block has no transactions")
