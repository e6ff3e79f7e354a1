package crypto

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/poaip/poaipd/internal/types"
)

// SaveKeyPair persists a KeyPair's private key to filePath in PEM format,
// creating parent directories as needed. The derived Address is not
// stored — it is always recomputed from the private key on load, so the
// two can never drift apart.
func SaveKeyPair(kp *KeyPair, filePath string) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("crypto: create key directory %s: %w", dir, err)
	}
	return SavePrivateKeyPEM(kp.Private, filePath)
}

// LoadKeyPair loads a KeyPair previously written by SaveKeyPair.
func LoadKeyPair(filePath string) (*KeyPair, error) {
	priv, err := LoadPrivateKeyPEM(filePath)
	if err != nil {
		return nil, err
	}
	addr, err := AddressFromPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Address: addr}, nil
}

// LoadOrCreateKeyPair loads the key at filePath, generating and saving a
// fresh one if the file does not exist yet.
func LoadOrCreateKeyPair(filePath string) (*KeyPair, error) {
	if _, err := os.Stat(filePath); err == nil {
		return LoadKeyPair(filePath)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("crypto: stat key file: %w", err)
	}
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := SaveKeyPair(kp, filePath); err != nil {
		return nil, err
	}
	return kp, nil
}

// PubKeyBytes returns the raw uncompressed public key bytes, the form
// carried in a Handshake message's PubKey field.
func (kp *KeyPair) PubKeyBytes() (types.PubKey, error) {
	raw, err := SerializePublicKey(&kp.Private.PublicKey)
	if err != nil {
		return nil, err
	}
	return types.PubKey(raw), nil
}
