package compiler

import (
	"github.com/bmatcuk/doublestar/v4"

	"github.com/blockci/enginecore/internal/domain"
)

// TriggerMatcher decides whether a trigger context matches any of a
// pipeline's declared triggers (spec.md §4.1 step 2). Unlike the original
// implementation's hand-rolled glob_match, branch/tag/path patterns are
// matched with doublestar, which already understands "**" and "*" the way
// the pipeline document's examples assume.
type TriggerMatcher struct{}

// NewTriggerMatcher constructs a TriggerMatcher.
func NewTriggerMatcher() *TriggerMatcher { return &TriggerMatcher{} }

// Matches reports whether any declared trigger on def matches ctx. Per the
// open question in spec.md §9, matching kinds are unioned: the caller may
// compile once per matching trigger kind if it wants one run per kind; this
// method only answers "does at least one match".
func (m *TriggerMatcher) Matches(def *domain.PipelineDefinition, ctx domain.TriggerContext) bool {
	if len(def.Triggers) == 0 {
		return ctx.Type == domain.TriggerPush
	}
	for _, trig := range def.Triggers {
		if m.one(trig, ctx) {
			return true
		}
	}
	return false
}

func (m *TriggerMatcher) one(trig domain.TriggerConfig, ctx domain.TriggerContext) bool {
	if trig.Type != ctx.Type {
		return false
	}
	switch ctx.Type {
	case domain.TriggerPush:
		return m.branchMatches(trig.Branches, ctx.Branch) &&
			m.pathsMatch(trig.Paths, trig.PathsIgnore, ctx.PathsChanged) &&
			m.tagMatches(trig.Tags, ctx.Tag)
	case domain.TriggerPullRequest:
		return m.branchMatches(trig.Branches, ctx.TargetBranch) &&
			m.pathsMatch(trig.Paths, trig.PathsIgnore, ctx.PathsChanged)
	case domain.TriggerCron:
		return trig.Cron != "" && trig.Cron == ctx.Cron
	case domain.TriggerManual, domain.TriggerAPI:
		return true
	default:
		return false
	}
}

func (m *TriggerMatcher) branchMatches(patterns []string, branch string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if globMatch(p, branch) {
			return true
		}
	}
	return false
}

func (m *TriggerMatcher) tagMatches(patterns []string, tag string) bool {
	if tag == "" {
		return true // not a tag push; tag filter does not apply
	}
	if len(patterns) == 0 {
		return false
	}
	for _, p := range patterns {
		if globMatch(p, tag) {
			return true
		}
	}
	return false
}

func (m *TriggerMatcher) pathsMatch(include, exclude, changed []string) bool {
	if len(include) == 0 && len(exclude) == 0 {
		return true
	}
	if len(changed) == 0 {
		return len(include) == 0
	}

	included := len(include) == 0
	if !included {
		for _, path := range changed {
			for _, p := range include {
				if globMatch(p, path) {
					included = true
					break
				}
			}
			if included {
				break
			}
		}
	}

	allExcluded := len(exclude) > 0
	for _, path := range changed {
		matched := false
		for _, p := range exclude {
			if globMatch(p, path) {
				matched = true
				break
			}
		}
		if !matched {
			allExcluded = false
			break
		}
	}

	return included && !allExcluded
}

func globMatch(pattern, text string) bool {
	if pattern == "*" || pattern == "**" {
		return true
	}
	ok, err := doublestar.Match(pattern, text)
	if err != nil {
		return pattern == text
	}
	return ok
}
