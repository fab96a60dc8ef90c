// Command genkeys generates the ed25519 signing keypair the ledger uses to
// sign audit blocks, writing it in the same keys-directory layout
// internal/ledger.LoadOrCreateKeyPair reads on server startup. The
// teacher's original genkeys only printed a base64 keypair to stdout for
// manual copy-paste; this writes the files directly so a config's
// keys_dir can just point at the result.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/blockci/enginecore/internal/ledger"
)

func main() {
	dir := flag.String("dir", "./keys", "directory to write ledger.key and ledger.pub into")
	flag.Parse()

	pub, priv, err := ledger.GenerateKeyPair()
	if err != nil {
		fmt.Fprintf(os.Stderr, "keygen error: %v\n", err)
		os.Exit(2)
	}
	if err := ledger.SaveKeyPair(*dir, pub, priv); err != nil {
		fmt.Fprintf(os.Stderr, "save keypair: %v\n", err)
		os.Exit(2)
	}
	fmt.Printf("wrote ed25519 keypair to %s\n", *dir)
}
