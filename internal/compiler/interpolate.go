package compiler

import (
	"regexp"
	"strings"

	"github.com/blockci/enginecore/internal/domain"
)

var interpTokenRe = regexp.MustCompile(`\$\{\{\s*(.+?)\s*\}\}`)

// DeferredHashFiles records one hashFiles(glob) token encountered during
// interpolation. Per spec.md §4.1 step 4/7, the compiler does not evaluate
// it; it commits to evaluating it on the agent at step start, against the
// working tree visible there.
type DeferredHashFiles struct {
	Glob string
}

// InterpolationContext is the restricted expression environment of
// spec.md §4.1 step 4: identifiers (branch, sha, runner.os), matrix values,
// step outputs, and a secrets namespace that is preserved as a reference,
// never evaluated.
type InterpolationContext struct {
	Variables map[string]string
	Matrix    map[string]string
	Outputs   map[string]string // "stepName.outputKey" -> value
	Branch    string
	SHA       string
	RunnerOS  string
}

// Interpolator resolves ${{ expr }} tokens against a restricted grammar.
type Interpolator struct{}

// NewInterpolator constructs an Interpolator.
func NewInterpolator() *Interpolator { return &Interpolator{} }

// Interpolate resolves every token in input. Unresolved identifiers are
// reported via the unbound callback (so the caller can aggregate them into
// a CompileError) but interpolation continues for the rest of the string.
// hashFiles(...) and secrets.* tokens are left in the output verbatim,
// since their evaluation is deferred or forbidden here respectively.
func (in *Interpolator) Interpolate(input string, ctx InterpolationContext, unbound func(expr string)) string {
	return interpTokenRe.ReplaceAllStringFunc(input, func(tok string) string {
		m := interpTokenRe.FindStringSubmatch(tok)
		expr := strings.TrimSpace(m[1])
		resolved, ok := in.resolve(expr, ctx)
		if !ok {
			unbound(expr)
			return tok
		}
		return resolved
	})
}

// CollectHashFiles returns every hashFiles(glob) token found in input
// without otherwise interpolating it, per the deferred cache-key policy.
func (in *Interpolator) CollectHashFiles(input string) []DeferredHashFiles {
	var out []DeferredHashFiles
	matches := interpTokenRe.FindAllStringSubmatch(input, -1)
	for _, m := range matches {
		expr := strings.TrimSpace(m[1])
		if glob, ok := parseHashFiles(expr); ok {
			out = append(out, DeferredHashFiles{Glob: glob})
		}
	}
	return out
}

// HasUnresolvedTokens reports whether any ${{ }} token remains after a
// best-effort interpolation pass that leaves hashFiles/secrets tokens
// verbatim — a check for the freeze invariant "no unresolved
// interpolation tokens remain" (spec.md §3), which tolerates exactly those
// two deferred forms. The compiler's freeze step does not call it.
func (in *Interpolator) HasUnresolvedTokens(input string) bool {
	matches := interpTokenRe.FindAllStringSubmatch(input, -1)
	for _, m := range matches {
		expr := strings.TrimSpace(m[1])
		if _, ok := parseHashFiles(expr); ok {
			continue
		}
		if strings.HasPrefix(expr, "secrets.") {
			continue
		}
		return true
	}
	return false
}

func (in *Interpolator) resolve(expr string, ctx InterpolationContext) (string, bool) {
	if strings.HasPrefix(expr, "secrets.") {
		return "${{ " + expr + " }}", true // preserved as reference, not evaluated
	}
	if _, ok := parseHashFiles(expr); ok {
		return "${{ " + expr + " }}", true // deferred to step start
	}

	switch expr {
	case "branch":
		return ctx.Branch, true
	case "sha":
		return ctx.SHA, true
	case "runner.os":
		return ctx.RunnerOS, true
	}

	if key, ok := strings.CutPrefix(expr, "matrix."); ok {
		if v, ok := ctx.Matrix[key]; ok {
			return v, true
		}
		return "", false
	}

	if rest, ok := strings.CutPrefix(expr, "steps."); ok {
		if idx := strings.Index(rest, ".outputs."); idx >= 0 {
			stepName := rest[:idx]
			outputKey := rest[idx+len(".outputs."):]
			lookup := stepName + "." + outputKey
			if v, ok := ctx.Outputs[lookup]; ok {
				return v, true
			}
			return "", false
		}
	}

	if v, ok := ctx.Variables[expr]; ok {
		return v, true
	}
	return "", false
}

func parseHashFiles(expr string) (string, bool) {
	const prefix = "hashFiles("
	if !strings.HasPrefix(expr, prefix) || !strings.HasSuffix(expr, ")") {
		return "", false
	}
	inner := expr[len(prefix) : len(expr)-1]
	inner = strings.TrimSpace(inner)
	inner = strings.Trim(inner, `'"`)
	return inner, true
}

// EvaluateCondition evaluates a ConditionExpression's "if"/"unless" string
// expressions against the restricted grammar (equality, inequality,
// "contains", boolean literals), matching the original's
// evaluate_string_expression. A condition with neither if nor unless set
// always passes.
func (in *Interpolator) EvaluateCondition(cond *domain.ConditionExpression, ctx InterpolationContext) bool {
	if cond == nil {
		return true
	}
	if cond.If != "" && !in.evalBool(cond.If, ctx) {
		return false
	}
	if cond.Unless != "" && in.evalBool(cond.Unless, ctx) {
		return false
	}
	return true
}

func (in *Interpolator) evalBool(expr string, ctx InterpolationContext) bool {
	interpolated := in.Interpolate(expr, ctx, func(string) {})
	trimmed := strings.TrimSpace(interpolated)

	switch trimmed {
	case "true":
		return true
	case "false":
		return false
	}

	if left, right, ok := cut(trimmed, "=="); ok {
		return strings.TrimSpace(left) == strings.TrimSpace(right)
	}
	if left, right, ok := cut(trimmed, "!="); ok {
		return strings.TrimSpace(left) != strings.TrimSpace(right)
	}
	if left, right, ok := cut(trimmed, " contains "); ok {
		return strings.Contains(strings.TrimSpace(left), strings.TrimSpace(right))
	}
	return false
}

func cut(s, sep string) (string, string, bool) {
	if idx := strings.Index(s, sep); idx >= 0 {
		return s[:idx], s[idx+len(sep):], true
	}
	return "", "", false
}
