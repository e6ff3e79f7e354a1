package types

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"lukechampine.com/blake3"
)

// Hashable is implemented by any record whose identity is the hash of its
// canonical encoding (Transaction, Block).
type Hashable interface {
	// CanonicalBytes returns the deterministic byte encoding over which
	// the record's Hash is computed. It must omit the signature field(s)
	// for records whose signature covers the rest of the record.
	CanonicalBytes() ([]byte, error)
}

// HashOf computes the 32-byte blake3 digest of h's canonical encoding.
func HashOf(h Hashable) (Hash, error) {
	b, err := h.CanonicalBytes()
	if err != nil {
		return Hash{}, fmt.Errorf("types: canonical encode: %w", err)
	}
	sum := blake3.Sum256(b)
	return Hash(sum), nil
}

// gobEncode is the shared canonical-encoding helper: gob is deterministic
// for a fixed concrete struct with no maps, which every hashable struct
// here satisfies.
func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

// mustSum returns the blake3 digest of b as a slice. Used internally by
// Merkle-tree construction where the result is immediately re-wrapped as
// a Hash via HashFromBytes.
func mustSum(b []byte) []byte {
	sum := blake3.Sum256(b)
	return sum[:]
}
