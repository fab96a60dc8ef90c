package ledger_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockci/enginecore/internal/domain"
	"github.com/blockci/enginecore/internal/ledger"
)

func openTestLedger(t *testing.T) (*ledger.Ledger, string) {
	t.Helper()
	dir := t.TempDir()
	pub, priv, err := ledger.GenerateKeyPair()
	require.NoError(t, err)
	path := filepath.Join(dir, "ledger.jsonl")
	l, err := ledger.Open(path, priv, pub)
	require.NoError(t, err)
	return l, path
}

func TestAppendChainsAndVerifies(t *testing.T) {
	l, _ := openTestLedger(t)

	_, err := l.Append(domain.RunQueuedEvent{RunID: domain.RunID("r1"), PipelineName: "build"})
	require.NoError(t, err)
	_, err = l.Append(domain.RunStartedEvent{RunID: domain.RunID("r1")})
	require.NoError(t, err)

	assert.Equal(t, 2, l.Len())
	assert.Equal(t, l.Blocks[1].Hash, l.LastHash())
	assert.Empty(t, l.Blocks[0].PrevHash)
	assert.Equal(t, l.Blocks[0].Hash, l.Blocks[1].PrevHash)
	assert.NoError(t, l.VerifyChain())
}

func TestAppendWithoutSigningKeyFails(t *testing.T) {
	dir := t.TempDir()
	l, err := ledger.Open(filepath.Join(dir, "ledger.jsonl"), nil, nil)
	require.NoError(t, err)

	_, err = l.Append(domain.RunQueuedEvent{RunID: domain.RunID("r1")})
	assert.Error(t, err)
}

func TestVerifyChainDetectsTamperedPayload(t *testing.T) {
	l, _ := openTestLedger(t)
	_, err := l.Append(domain.RunQueuedEvent{RunID: domain.RunID("r1"), PipelineName: "build"})
	require.NoError(t, err)

	l.Blocks[0].Payload = `{"tampered":true}`
	assert.Error(t, l.VerifyChain())
}

func TestVerifyChainDetectsBrokenLink(t *testing.T) {
	l, _ := openTestLedger(t)
	require.NoError(t, errOf(l.Append(domain.RunQueuedEvent{RunID: domain.RunID("r1")})))
	require.NoError(t, errOf(l.Append(domain.RunStartedEvent{RunID: domain.RunID("r1")})))

	l.Blocks[1].PrevHash = "not-the-real-hash"
	assert.Error(t, l.VerifyChain())
}

func TestOpenReloadsPersistedBlocks(t *testing.T) {
	l, path := openTestLedger(t)
	_, err := l.Append(domain.RunQueuedEvent{RunID: domain.RunID("r1"), PipelineName: "build"})
	require.NoError(t, err)

	reopened, err := ledger.Open(path, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Len())
	assert.NoError(t, reopened.VerifyChain())
}

func TestLoadOrCreateKeyPairPersists(t *testing.T) {
	dir := t.TempDir()
	pub1, priv1, err := ledger.LoadOrCreateKeyPair(dir)
	require.NoError(t, err)

	pub2, priv2, err := ledger.LoadOrCreateKeyPair(dir)
	require.NoError(t, err)

	assert.Equal(t, pub1, pub2)
	assert.Equal(t, priv1, priv2)
}

func errOf(_ *ledger.Block, err error) error { return err }
