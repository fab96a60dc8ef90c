// Command ledgerctl is a standalone tool for inspecting and stress-testing
// the audit ledger, adapted from the teacher's cmd/blockci-q (which spoke
// internal/blockchain.OpenLedger directly against one JSON-lines block per
// pipeline step). This keeps the same inspect/verify/tamper three-command
// shape but reads internal/ledger's richer per-event block format.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/blockci/enginecore/internal/ledger"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: ledgerctl <inspect|verify|tamper> <ledger.jsonl> [blockIndex]")
		os.Exit(1)
	}

	cmd := os.Args[1]
	ledgerPath := os.Args[2]

	l, err := ledger.Open(ledgerPath, nil, nil)
	if err != nil {
		fmt.Printf("Failed to open ledger: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "inspect":
		for _, b := range l.Blocks {
			hash := b.Hash
			if len(hash) > 16 {
				hash = hash[:16]
			}
			fmt.Printf("Index=%d Kind=%s Subject=%s Hash=%s\n", b.Index, b.EventKind, b.Subject, hash)
		}

	case "verify":
		if err := l.VerifyChain(); err != nil {
			fmt.Printf("❌ Verification FAILED: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("✅ Ledger verification OK")

	case "tamper":
		if len(os.Args) < 4 {
			fmt.Println("Usage: ledgerctl tamper <ledger.jsonl> <blockIndex>")
			os.Exit(1)
		}
		var idx int
		fmt.Sscanf(os.Args[3], "%d", &idx)

		if idx < 0 || idx >= len(l.Blocks) {
			fmt.Printf("Invalid block index %d\n", idx)
			os.Exit(1)
		}
		l.Blocks[idx].Payload = `{"tampered":true}`

		f, err := os.Create(ledgerPath)
		if err != nil {
			fmt.Printf("Failed to reopen ledger for tampering: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()

		enc := json.NewEncoder(f)
		for _, b := range l.Blocks {
			if err := enc.Encode(b); err != nil {
				fmt.Printf("Failed to rewrite ledger: %v\n", err)
				os.Exit(1)
			}
		}
		fmt.Printf("⚠️ Tampered block %d's payload for demonstration purposes\n", idx)

	default:
		fmt.Println("Unknown command:", cmd)
		os.Exit(1)
	}
}
