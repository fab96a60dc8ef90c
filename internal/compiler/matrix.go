package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/blockci/enginecore/internal/domain"
)

// MatrixCombination is one resolved set of matrix variable assignments.
type MatrixCombination struct {
	Index       int
	Values      map[string]string
	DisplayName string
}

// MatrixExpander turns a stage's matrix declaration into the individual
// variable combinations it should fan out into, grounded on
// oxide-scheduler/src/matrix.rs's MatrixExpander: Cartesian product of the
// declared dimensions, then include additions and exclude filtering.
type MatrixExpander struct{}

// NewMatrixExpander constructs a MatrixExpander.
func NewMatrixExpander() *MatrixExpander { return &MatrixExpander{} }

// Expand returns nil if the stage declares no matrix. Combination ordering
// is deterministic: dimensions are walked in sorted key order so the same
// pipeline document always produces the same combination sequence, which
// the freeze step's content hash depends on.
func (e *MatrixExpander) Expand(stage *domain.StageDefinition) []MatrixCombination {
	if stage.Matrix == nil {
		return nil
	}
	matrix := stage.Matrix

	combos := generateCombinations(matrix.Dimensions)

	for _, include := range matrix.Include {
		converted := stringifyValues(include)
		if !containsCombo(combos, converted) {
			combos = append(combos, converted)
		}
	}

	filtered := combos[:0]
	for _, combo := range combos {
		excluded := false
		for _, exclude := range matrix.Exclude {
			if matchesExclude(combo, stringifyValues(exclude)) {
				excluded = true
				break
			}
		}
		if !excluded {
			filtered = append(filtered, combo)
		}
	}

	out := make([]MatrixCombination, 0, len(filtered))
	for i, combo := range filtered {
		out = append(out, MatrixCombination{
			Index:       i,
			Values:      combo,
			DisplayName: formatDisplayName(stage.Name, combo),
		})
	}
	return out
}

func generateCombinations(dims map[string][]any) []map[string]string {
	if len(dims) == 0 {
		return []map[string]string{{}}
	}

	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := []map[string]string{{}}
	for _, key := range keys {
		values := dims[key]
		var next []map[string]string
		for _, combo := range result {
			for _, v := range values {
				nc := make(map[string]string, len(combo)+1)
				for ck, cv := range combo {
					nc[ck] = cv
				}
				nc[key] = fmt.Sprintf("%v", v)
				next = append(next, nc)
			}
		}
		result = next
	}
	return result
}

func stringifyValues(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

func containsCombo(combos []map[string]string, candidate map[string]string) bool {
	for _, c := range combos {
		if mapsEqual(c, candidate) {
			return true
		}
	}
	return false
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func matchesExclude(combo, exclude map[string]string) bool {
	for k, v := range exclude {
		if combo[k] != v {
			return false
		}
	}
	return true
}

func formatDisplayName(stageName string, vars map[string]string) string {
	if len(vars) == 0 {
		return stageName
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, vars[k]))
	}
	return fmt.Sprintf("%s[%s]", stageName, strings.Join(parts, ","))
}
