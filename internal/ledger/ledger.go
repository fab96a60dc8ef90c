package ledger

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/blockci/enginecore/internal/domain"
)

// Ledger is an append-only, hash-chained JSON-lines file plus its
// in-memory mirror, matching the teacher's OpenLedger/AppendBlocks design.
type Ledger struct {
	mu     sync.Mutex
	Blocks []*Block
	path   string
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
}

// Open loads an existing ledger file (creating it if absent) and binds the
// signing keypair used for every subsequent append.
func Open(path string, priv ed25519.PrivateKey, pub ed25519.PublicKey) (*Ledger, error) {
	l := &Ledger{Blocks: make([]*Block, 0), path: path, priv: priv, pub: pub}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		_ = f.Close()
		return l, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return l, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var blk Block
		if err := dec.Decode(&blk); err != nil {
			return nil, fmt.Errorf("decode ledger entry: %w", err)
		}
		l.Blocks = append(l.Blocks, &blk)
	}
	return l, nil
}

// Append hash-chains, signs, and persists one event. Best-effort by design:
// callers treat a failed append as an observability gap, never as a reason
// to fail the run it's describing.
func (l *Ledger) Append(ev domain.Event) (*Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := ""
	if len(l.Blocks) > 0 {
		prev = l.Blocks[len(l.Blocks)-1].Hash
	}

	blk, err := newBlock(len(l.Blocks), ev, prev)
	if err != nil {
		return nil, err
	}
	if len(l.priv) == 0 {
		return nil, fmt.Errorf("ledger signing key not configured")
	}
	sign(l.priv, l.pub, blk)

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(blk); err != nil {
		return nil, fmt.Errorf("write ledger file: %w", err)
	}

	l.Blocks = append(l.Blocks, blk)
	return blk, nil
}

// LastHash returns the tip of the chain, or empty if the ledger is fresh.
func (l *Ledger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.Blocks) == 0 {
		return ""
	}
	return l.Blocks[len(l.Blocks)-1].Hash
}

// Len reports the current chain length.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Blocks)
}
