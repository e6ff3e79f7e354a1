// Package crypto provides the concrete key generation, DID-style address
// derivation, and signing primitives PoAIP treats as opaque everywhere
// else in the codebase (internal/types.PubKey, .Signature, .Address).
package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multicodec"

	"github.com/poaip/poaipd/internal/types"
)

var (
	ErrInvalidKeyFormat    = errors.New("crypto: invalid key format")
	ErrUnsupportedCurve    = errors.New("crypto: unsupported elliptic curve")
	ErrKeySerialization    = errors.New("crypto: key serialization failed")
	ErrKeyDeserialization  = errors.New("crypto: key deserialization failed")
	ErrPEMDecoding         = errors.New("crypto: pem decoding error")
	ErrUnsupportedPEMType  = errors.New("crypto: unsupported pem block type")
	ErrInvalidDIDKeyFormat = errors.New("crypto: invalid did:key string format")
	ErrUnexpectedEncoding  = errors.New("crypto: unexpected multibase encoding")
	ErrUnexpectedMulticodec = errors.New("crypto: unexpected multicodec type")
)

// codecP256PubKeyUncompressed is the multicodec code this node uses for
// uncompressed P-256 public keys embedded in a did:key string.
const codecP256PubKeyUncompressed multicodec.Code = 0x1200

// p256UncompressedLen is the length of an uncompressed P-256 public key:
// a 0x04 prefix plus two 32-byte coordinates.
const p256UncompressedLen = 65

// KeyPair bundles a private key with its derived Address, the form every
// other component actually wants to handle.
type KeyPair struct {
	Private *ecdsa.PrivateKey
	Address types.Address
}

// GenerateKeyPair creates a fresh P-256 key pair and its did:key address.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	addr, err := AddressFromPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Address: addr}, nil
}

// SerializePublicKey marshals an ECDSA public key to its uncompressed
// 65-byte representation.
func SerializePublicKey(pub *ecdsa.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: public key is nil", ErrKeySerialization)
	}
	if pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: got %s", ErrUnsupportedCurve, pub.Curve.Params().Name)
	}
	return elliptic.Marshal(elliptic.P256(), pub.X, pub.Y), nil
}

// DeserializePublicKey is the inverse of SerializePublicKey.
func DeserializePublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	if len(raw) != p256UncompressedLen || raw[0] != 0x04 {
		return nil, fmt.Errorf("%w: want %d uncompressed bytes, got %d", ErrInvalidKeyFormat, p256UncompressedLen, len(raw))
	}
	x, y := elliptic.Unmarshal(elliptic.P256(), raw)
	if x == nil || y == nil {
		return nil, fmt.Errorf("%w: not a point on P256", ErrKeyDeserialization)
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// AddressFromPublicKey derives the did:key Address used as every node
// and account identifier throughout the system.
func AddressFromPublicKey(pub *ecdsa.PublicKey) (types.Address, error) {
	raw, err := SerializePublicKey(pub)
	if err != nil {
		return "", err
	}
	did, err := didKeyFromBytes(raw)
	if err != nil {
		return "", err
	}
	return types.Address(did), nil
}

// PublicKeyFromAddress recovers the public key embedded in a did:key
// Address, the operation signature verification needs.
func PublicKeyFromAddress(addr types.Address) (*ecdsa.PublicKey, error) {
	raw, err := bytesFromDIDKey(string(addr))
	if err != nil {
		return nil, err
	}
	return DeserializePublicKey(raw)
}

func didKeyFromBytes(raw []byte) (string, error) {
	if len(raw) != p256UncompressedLen || raw[0] != 0x04 {
		return "", fmt.Errorf("%w: expected %d bytes starting with 0x04, got %d", ErrInvalidKeyFormat, p256UncompressedLen, len(raw))
	}
	var buf bytes.Buffer
	buf.Write(multicodec.Header(codecP256PubKeyUncompressed))
	buf.Write(raw)
	encoded, err := multibase.Encode(multibase.Base58BTC, buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("crypto: multibase encode: %w", err)
	}
	return "did:key:" + encoded, nil
}

func bytesFromDIDKey(did string) ([]byte, error) {
	if !strings.HasPrefix(did, "did:key:") {
		return nil, ErrInvalidDIDKeyFormat
	}
	body := strings.TrimPrefix(did, "did:key:")
	enc, decoded, err := multibase.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("crypto: multibase decode: %w", err)
	}
	if enc != multibase.Base58BTC {
		return nil, fmt.Errorf("%w: got encoding %d", ErrUnexpectedEncoding, enc)
	}
	code, rest, err := multicodec.Consume(decoded)
	if err != nil {
		return nil, fmt.Errorf("crypto: multicodec consume: %w", err)
	}
	if multicodec.Code(code) != codecP256PubKeyUncompressed {
		return nil, fmt.Errorf("%w: got 0x%x", ErrUnexpectedMulticodec, code)
	}
	if len(rest) != p256UncompressedLen {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeyFormat, len(rest))
	}
	return rest, nil
}

// SavePrivateKeyPEM writes an unencrypted PKCS#8 PEM-encoded private key,
// owner-readable only.
func SavePrivateKeyPEM(priv *ecdsa.PrivateKey, path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeySerialization, err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0o600)
}

// LoadPrivateKeyPEM reads back a key written by SavePrivateKeyPEM.
func LoadPrivateKeyPEM(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read key file: %w", err)
	}
	block, rest := pem.Decode(raw)
	if block == nil {
		return nil, ErrPEMDecoding
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing data after PEM block", ErrPEMDecoding)
	}
	if block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("%w: got %q", ErrUnsupportedPEMType, block.Type)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDeserialization, err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an ECDSA key", ErrKeyDeserialization)
	}
	return ecKey, nil
}
