package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockci/enginecore/internal/domain"
)

type fakeProvider struct{ values map[string]string }

func (f fakeProvider) Resolve(ctx context.Context, ref domain.SecretReference) (string, error) {
	return f.values[ref.Path], nil
}

func TestResolveSecretsBuildsEnvAndMaskList(t *testing.T) {
	provider := fakeProvider{values: map[string]string{"TOKEN_PATH": "sekrit"}}
	refs := []domain.SecretReference{
		{Name: "TOKEN", Path: "TOKEN_PATH", Masked: true},
	}

	env, resolved, err := resolveSecrets(context.Background(), provider, refs)
	require.NoError(t, err)
	assert.Equal(t, "sekrit", env["TOKEN"])
	require.Len(t, resolved, 1)
	assert.True(t, resolved[0].masked)
}

func TestMaskSetReplacesSecretValues(t *testing.T) {
	mask := newMaskSet([]resolvedSecret{
		{name: "TOKEN", value: "sekrit", masked: true},
		{name: "PUBLIC", value: "visible", masked: false},
	})

	out := mask.Apply("the token is sekrit and the id is visible")
	assert.Equal(t, "the token is *** and the id is ***", out)
}

func TestMaskSetNoopWithoutSecrets(t *testing.T) {
	mask := newMaskSet(nil)
	assert.Equal(t, "unchanged", mask.Apply("unchanged"))
}
