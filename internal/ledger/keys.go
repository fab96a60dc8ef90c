package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
)

// GenerateKeyPair creates a new Ed25519 keypair for ledger signing,
// adapted from the teacher's internal/security.GenerateKeyPair.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// SaveKeyPair writes a keypair as hex-encoded files under dir.
func SaveKeyPair(dir string, pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "ledger.pub"), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "ledger.key"), []byte(hex.EncodeToString(priv)), 0600)
}

// LoadOrCreateKeyPair loads an existing keypair from dir, generating and
// persisting one on first run — the ledger must always have a signer.
func LoadOrCreateKeyPair(dir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pubPath := filepath.Join(dir, "ledger.pub")
	privPath := filepath.Join(dir, "ledger.key")

	if _, err := os.Stat(privPath); os.IsNotExist(err) {
		pub, priv, err := GenerateKeyPair()
		if err != nil {
			return nil, nil, err
		}
		if err := SaveKeyPair(dir, pub, priv); err != nil {
			return nil, nil, err
		}
		return pub, priv, nil
	}

	pub, err := loadKey(pubPath, ed25519.PublicKeySize)
	if err != nil {
		return nil, nil, err
	}
	priv, err := loadKey(privPath, ed25519.PrivateKeySize)
	if err != nil {
		return nil, nil, err
	}
	return ed25519.PublicKey(pub), ed25519.PrivateKey(priv), nil
}

func loadKey(path string, size int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decoded, err := hex.DecodeString(string(data))
	if err != nil {
		return nil, err
	}
	if len(decoded) != size {
		return nil, errors.New("invalid key size in " + path)
	}
	return decoded, nil
}

func verifyBlockSignature(b *Block) (bool, error) {
	pubBytes, err := hex.DecodeString(b.PubKey)
	if err != nil {
		return false, err
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return false, errors.New("invalid public key size")
	}
	sig, err := hex.DecodeString(b.Signature)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(pubBytes), []byte(b.Hash), sig), nil
}
