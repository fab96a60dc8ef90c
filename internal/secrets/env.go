// Package secrets implements ports.SecretProvider: a plain environment
// provider for local/dev use and an age-encrypted file provider for
// production, grounded on bureau-foundation/bureau's lib/sealed wrapper
// around filippo.io/age.
package secrets

import (
	"context"
	"fmt"
	"os"

	"github.com/blockci/enginecore/internal/domain"
)

// EnvProvider resolves a SecretReference's Path as an environment variable
// name on the scheduler/agent process itself. Meant for local runs and
// tests, never for a production agent fleet.
type EnvProvider struct{}

func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Resolve(ctx context.Context, ref domain.SecretReference) (string, error) {
	val, ok := os.LookupEnv(ref.Path)
	if !ok {
		return "", fmt.Errorf("secret %q: environment variable %q not set", ref.Name, ref.Path)
	}
	return val, nil
}
