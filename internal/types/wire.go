package types

import "sync"

var registerOnce sync.Once

// RegisterGobTypes registers nothing: every p2p message payload is a
// concrete struct, so no type travels inside a gob-encoded interface
// value. It is idempotent and safe to call from multiple packages' init
// functions.
func RegisterGobTypes() {
	registerOnce.Do(func() {
		// Kept as the hook for the convention (mirrors the teacher's
		// GobRegisterTypes in internal/p2p); neither this package nor
		// internal/p2p calls gob.Register.
	})
}

// Serialize encodes a Transaction for wire transport or durable storage.
func (t *Transaction) Serialize() ([]byte, error) { return gobEncode(t) }

// DeserializeTransaction is the inverse of Serialize.
func DeserializeTransaction(b []byte) (*Transaction, error) {
	tx := &Transaction{}
	if err := gobDecode(b, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Serialize encodes a Block for wire transport or durable storage.
func (b *Block) Serialize() ([]byte, error) { return gobEncode(b) }

// DeserializeBlock is the inverse of Serialize.
func DeserializeBlock(data []byte) (*Block, error) {
	blk := &Block{}
	if err := gobDecode(data, blk); err != nil {
		return nil, err
	}
	return blk, nil
}

// Serialize encodes a Vote for wire transport.
func (v *Vote) Serialize() ([]byte, error) { return gobEncode(v) }

// DeserializeVote is the inverse of Serialize.
func DeserializeVote(data []byte) (*Vote, error) {
	v := &Vote{}
	if err := gobDecode(data, v); err != nil {
		return nil, err
	}
	return v, nil
}
