// Package ledger is a tamper-evident, hash-chained audit log for run and
// step lifecycle events, adapted from the teacher's internal/blockchain and
// internal/security packages: the original chained one block per pipeline
// step log; this keeps the same hash-chain-plus-signature design but
// chains one block per domain.Event instead, so the whole run/stage/step
// lifecycle is auditable, not just shell step output.
package ledger

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/blockci/enginecore/internal/domain"
)

// Block is one signed, hash-linked audit entry.
type Block struct {
	Index     int    `json:"index"`
	Timestamp string `json:"timestamp"`
	EventKind string `json:"eventKind"`
	Subject   string `json:"subject"`
	Payload   string `json:"payload"` // JSON-encoded domain.Event
	PrevHash  string `json:"prevHash"`
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
	PubKey    string `json:"pubKey"`
}

func (b *Block) canonicalData() ([]byte, error) {
	view := struct {
		Index     int    `json:"index"`
		Timestamp string `json:"timestamp"`
		EventKind string `json:"eventKind"`
		Subject   string `json:"subject"`
		Payload   string `json:"payload"`
		PrevHash  string `json:"prevHash"`
	}{b.Index, b.Timestamp, b.EventKind, b.Subject, b.Payload, b.PrevHash}
	return json.Marshal(view)
}

// ComputeHash hashes every field except Hash/Signature/PubKey.
func (b *Block) ComputeHash() (string, error) {
	data, err := b.canonicalData()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func newBlock(index int, ev domain.Event, prevHash string) (*Block, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	blk := &Block{
		Index:     index,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		EventKind: string(ev.Kind()),
		Subject:   ev.Subject(),
		Payload:   string(payload),
		PrevHash:  prevHash,
	}
	h, err := blk.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("compute block hash: %w", err)
	}
	blk.Hash = h
	return blk, nil
}

func sign(priv ed25519.PrivateKey, pub ed25519.PublicKey, blk *Block) {
	sig := ed25519.Sign(priv, []byte(blk.Hash))
	blk.Signature = hex.EncodeToString(sig)
	blk.PubKey = hex.EncodeToString(pub)
}
