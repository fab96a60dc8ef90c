package secrets

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"

	"github.com/blockci/enginecore/internal/domain"
)

// AgeFileProvider resolves a SecretReference's Path as the relative path of
// an age-encrypted file under Root, decrypting it with Identity on every
// Resolve call. One encrypted file holds exactly one secret value.
//
// Grounded on bureau-foundation/bureau's lib/sealed package, trimmed to the
// single identity this engine needs (no multi-recipient escrow, no mmap
// secret buffer — values are handled like any other in-process string and
// callers mask them before logging per spec.md §4.4).
type AgeFileProvider struct {
	mu       sync.Mutex
	root     string
	identity age.Identity
}

// NewAgeFileProvider loads (or generates and persists) an x25519 identity
// from keyFile and returns a provider that decrypts files under root.
func NewAgeFileProvider(root, keyFile string) (*AgeFileProvider, error) {
	identity, err := loadOrGenerateIdentity(keyFile)
	if err != nil {
		return nil, fmt.Errorf("load age identity: %w", err)
	}
	return &AgeFileProvider{root: root, identity: identity}, nil
}

func (p *AgeFileProvider) Resolve(ctx context.Context, ref domain.SecretReference) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	path := filepath.Join(p.root, ref.Path)
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("secret %q: read %s: %w", ref.Name, path, err)
	}

	reader, err := age.Decrypt(bytes.NewReader(raw), p.identity)
	if err != nil {
		return "", fmt.Errorf("secret %q: decrypt: %w", ref.Name, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("secret %q: read plaintext: %w", ref.Name, err)
	}
	return strings.TrimRight(string(plaintext), "\n"), nil
}

// EncryptToFile writes plaintext to path under root, encrypted to
// recipient. Used to seed the secrets directory, not by the hot execution
// path.
func EncryptToFile(root, path, plaintext string, recipient age.Recipient) error {
	full := filepath.Join(root, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return fmt.Errorf("create age writer: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return fmt.Errorf("write plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize encryption: %w", err)
	}
	return os.WriteFile(full, buf.Bytes(), 0o600)
}

func loadOrGenerateIdentity(keyFile string) (*age.X25519Identity, error) {
	if raw, err := os.ReadFile(keyFile); err == nil {
		line := strings.TrimSpace(string(raw))
		return age.ParseX25519Identity(line)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyFile), 0o700); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	if err := os.WriteFile(keyFile, []byte(identity.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	return identity, nil
}
