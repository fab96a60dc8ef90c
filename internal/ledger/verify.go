package ledger

import "fmt"

// VerifyChain recomputes every block's hash and link, and its signature
// against its own embedded public key, to detect tampering. Fixes the
// teacher's original bug of indexing an unexported l.blocks field that
// didn't exist on the exported Blocks slice.
func (l *Ledger) VerifyChain() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, b := range l.Blocks {
		h, err := b.ComputeHash()
		if err != nil {
			return fmt.Errorf("compute hash for index %d: %w", b.Index, err)
		}
		if h != b.Hash {
			return fmt.Errorf("hash mismatch at index %d", b.Index)
		}
		if i > 0 && b.PrevHash != l.Blocks[i-1].Hash {
			return fmt.Errorf("prev hash mismatch at index %d", b.Index)
		}
		if b.Index != i {
			return fmt.Errorf("index mismatch: expected %d got %d", i, b.Index)
		}
		if ok, err := verifyBlockSignature(b); err != nil {
			return fmt.Errorf("verify signature at index %d: %w", b.Index, err)
		} else if !ok {
			return fmt.Errorf("signature mismatch at index %d", b.Index)
		}
	}
	return nil
}
