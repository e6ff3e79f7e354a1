// Package types defines the wire and ledger data model shared by every
// PoAIP component: the opaque primitives (Hash, Address, PubKey,
// Signature, Amount, Height, Timestamp) and the Transaction, Block, Vote
// and PeerEntry records built from them.
package types

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// HashSize is the length in bytes of a Hash.
const HashSize = 32

// AmountDecimalPlaces is the number of fractional digits an Amount carries.
const AmountDecimalPlaces = 18

var (
	// ErrNegativeAmount is returned by the NewAmount* constructors,
	// AmountFromDecimal and SafeSub for a negative value.
	ErrNegativeAmount = errors.New("types: amount must be non-negative")
	// ErrBadHashLength is returned when decoding a Hash of the wrong size.
	ErrBadHashLength = errors.New("types: hash must be 32 bytes")
)

// Hash is a 32-byte opaque digest identifying a Transaction or Block.
type Hash [HashSize]byte

// ZeroHash is the all-zero hash used as the genesis block's parent hash.
var ZeroHash = Hash{}

// String renders the hash as lowercase hex.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool { return h == ZeroHash }

// Bytes returns a copy of the hash's bytes.
func (h Hash) Bytes() []byte {
	b := make([]byte, HashSize)
	copy(b, h[:])
	return b
}

// HashFromBytes builds a Hash from a byte slice, failing if the length
// isn't exactly HashSize.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("%w: got %d bytes", ErrBadHashLength, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Address is an opaque node/account identifier. Concretely it is the
// did:key encoding of a public key (see internal/crypto), but every
// other package treats it as an opaque comparable string.
type Address string

// String satisfies fmt.Stringer.
func (a Address) String() string { return string(a) }

// PubKey is an opaque public-key byte string.
type PubKey []byte

// Signature is an opaque signature byte string.
type Signature []byte

// Height is a block height; genesis is height 0.
type Height uint64

// Timestamp is milliseconds since the Unix epoch.
type Timestamp uint64

// Amount is a non-negative fixed-point quantity with AmountDecimalPlaces
// fractional digits, backed by decimal.Decimal so arithmetic never loses
// precision to floating point (required by invariant H1).
type Amount struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Amount{d: decimal.Zero}

// NewAmountFromInt64 builds an Amount representing a whole-token integer
// quantity (no fractional part).
func NewAmountFromInt64(v int64) (Amount, error) {
	if v < 0 {
		return Amount{}, ErrNegativeAmount
	}
	return Amount{d: decimal.New(v, 0)}, nil
}

// NewAmountFromString parses a base-10 decimal string, e.g. "1024.5".
func NewAmountFromString(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("types: parse amount: %w", err)
	}
	if d.IsNegative() {
		return Amount{}, ErrNegativeAmount
	}
	return Amount{d: d.Truncate(AmountDecimalPlaces)}, nil
}

// MustAmountFromInt64 panics on error; for use with compile-time-known
// constants only (genesis wiring, tests).
func MustAmountFromInt64(v int64) Amount {
	a, err := NewAmountFromInt64(v)
	if err != nil {
		panic(err)
	}
	return a
}

// Add returns a+b.
func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }

// Sub returns a-b without clamping; callers that must reject negative
// results should check IsNegative on the result or use SafeSub.
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }

// SafeSub returns a-b, or ErrNegativeAmount if the result would be negative.
func (a Amount) SafeSub(b Amount) (Amount, error) {
	r := a.d.Sub(b.d)
	if r.IsNegative() {
		return Amount{}, ErrNegativeAmount
	}
	return Amount{d: r}, nil
}

// Mul multiplies by a decimal fraction (e.g. a split ratio) and truncates
// to AmountDecimalPlaces.
func (a Amount) Mul(factor decimal.Decimal) Amount {
	return Amount{d: a.d.Mul(factor).Truncate(AmountDecimalPlaces)}
}

// Cmp compares two amounts: -1, 0, 1.
func (a Amount) Cmp(b Amount) int { return a.d.Cmp(b.d) }

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a.d.IsZero() }

// IsNegative reports whether the amount is negative (should not occur
// for any value that has passed NewAmount*, but Sub can produce one).
func (a Amount) IsNegative() bool { return a.d.IsNegative() }

// Floor returns the integer (whole-token) part, per §4.4's
// "floor(amount) points per voluntary burn".
func (a Amount) Floor() int64 { return a.d.Truncate(0).IntPart() }

// String renders the amount with its full fixed-point precision.
func (a Amount) String() string { return a.d.StringFixed(AmountDecimalPlaces) }

// MarshalText implements encoding.TextMarshaler so Amount round-trips
// through JSON and gob as a decimal string rather than a float.
func (a Amount) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Amount) UnmarshalText(b []byte) error {
	v, err := NewAmountFromString(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Decimal exposes the underlying decimal.Decimal for packages (halving,
// reputation) that need ratio arithmetic not otherwise exposed here.
func (a Amount) Decimal() decimal.Decimal { return a.d }

// AmountFromDecimal wraps a decimal.Decimal already known to be
// non-negative (internal use by the halving/reputation engines).
func AmountFromDecimal(d decimal.Decimal) (Amount, error) {
	if d.IsNegative() {
		return Amount{}, ErrNegativeAmount
	}
	return Amount{d: d.Truncate(AmountDecimalPlaces)}, nil
}
