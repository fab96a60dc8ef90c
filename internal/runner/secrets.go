package runner

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/blockci/enginecore/internal/domain"
	"github.com/blockci/enginecore/internal/ports"
)

// resolvedSecret pairs a secret's injected value with the declaration's
// masked flag — spec.md §4.4's secret injection step, kept separate from
// the SecretProvider itself so the runner can build a MaskSet before a
// single line of step output is written. newMaskSet masks the value
// whatever the flag says.
type resolvedSecret struct {
	name   string
	value  string
	masked bool
}

// resolveSecrets resolves every declared SecretReference on a step through
// provider, returning the env vars to inject and the values that must never
// reach a log line unmasked. References are independent lookups — often
// against a remote vault or an age-encrypted file read, per provider — so
// they're resolved concurrently via errgroup rather than one at a time; the
// first failing reference cancels the rest through the group's derived
// context.
func resolveSecrets(ctx context.Context, provider ports.SecretProvider, refs []domain.SecretReference) (map[string]string, []resolvedSecret, error) {
	results := make([]resolvedSecret, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			val, err := provider.Resolve(gctx, ref)
			if err != nil {
				return fmt.Errorf("resolve secret %q: %w", ref.Name, err)
			}
			results[i] = resolvedSecret{name: ref.Name, value: val, masked: ref.Masked}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	env := make(map[string]string, len(results))
	for _, r := range results {
		env[r.name] = r.value
	}
	return env, results, nil
}

// MaskSet replaces every occurrence of a resolved secret value with a fixed
// placeholder, applied to every log line before it leaves the agent.
type MaskSet struct {
	values []string
}

// newMaskSet masks every resolved secret value regardless of the
// declaration's masked flag — spec.md §4.4 makes log redaction unconditional
// over declared secrets, not opt-in.
func newMaskSet(secrets []resolvedSecret) MaskSet {
	var values []string
	for _, s := range secrets {
		if s.value != "" {
			values = append(values, s.value)
		}
	}
	return MaskSet{values: values}
}

const maskPlaceholder = "***"

func (m MaskSet) Apply(line string) string {
	if len(m.values) == 0 {
		return line
	}
	out := line
	for _, v := range m.values {
		out = strings.ReplaceAll(out, v, maskPlaceholder)
	}
	return out
}
