// Package plugin is the built-in PluginHost: a small fixed set of native
// plugins (checkout, cache, artifact, notify) matching
// internal/compiler/schema.go's knownPlugins registry, grounded on
// oxide-plugins' get_builtin_plugin dispatch and its git/cache/docker
// native-plugin implementations — reworked from Extism/WASM hosting into
// plain Go funcs, since nothing in the retrieved examples brings a WASM
// runtime and the spec's plugin set is fixed, not third-party-extensible.
package plugin

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/blockci/enginecore/internal/domain"
	"github.com/blockci/enginecore/internal/ports"
)

// Host dispatches a plugin call by name to one of the built-in
// implementations, matching spec.md §4.4's plugin step execution path.
type Host struct {
	cache     ports.CacheProvider
	artifacts ports.ArtifactStore
	notifyURL func(ctx context.Context, url, payload string) error
}

// New constructs a Host whose notify plugin sends webhooks through the
// default net/http implementation (postWebhook).
func New(cache ports.CacheProvider, artifacts ports.ArtifactStore) *Host {
	return &Host{cache: cache, artifacts: artifacts, notifyURL: postWebhook}
}

// Call executes the named plugin (stripped of its @version suffix) with the
// given input map and returns its output map.
func (h *Host) Call(ctx context.Context, name string, input map[string]string) (map[string]string, error) {
	base, _, _ := strings.Cut(name, "@")
	switch base {
	case "checkout":
		return h.checkout(ctx, input)
	case "cache":
		return h.cacheCall(ctx, input)
	case "artifact":
		return h.artifact(ctx, input)
	case "notify":
		return h.notify(ctx, input)
	default:
		return nil, fmt.Errorf("unknown plugin %q", base)
	}
}

// checkout shells out to git clone+checkout, grounded on
// oxide-plugins/src/git.rs's GitCheckoutPlugin.
func (h *Host) checkout(ctx context.Context, in map[string]string) (map[string]string, error) {
	repo := in["repository"]
	if repo == "" {
		return nil, fmt.Errorf("checkout: missing \"repository\" input")
	}
	ref := in["ref"]
	path := in["path"]
	if path == "" {
		path = "."
	}
	workdir := in["workspace"]

	clone := exec.CommandContext(ctx, "git", "clone", repo, path)
	clone.Dir = workdir
	if out, err := clone.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("git clone: %w: %s", err, out)
	}

	if ref != "" && ref != "main" && ref != "master" {
		co := exec.CommandContext(ctx, "git", "checkout", ref)
		co.Dir = joinPath(workdir, path)
		if out, err := co.CombinedOutput(); err != nil {
			return nil, fmt.Errorf("git checkout %s: %w: %s", ref, err, out)
		}
	}
	return map[string]string{"path": path}, nil
}

// cacheCall bridges the cache plugin step onto the CacheProvider port,
// grounded on oxide-plugins/src/cache.rs's restore/save dispatch.
func (h *Host) cacheCall(ctx context.Context, in map[string]string) (map[string]string, error) {
	key := in["key"]
	if key == "" {
		return nil, fmt.Errorf("cache: missing \"key\" input")
	}
	method := in["method"]
	if method == "" {
		method = "restore"
	}

	switch method {
	case "restore":
		var restoreKeys []string
		if rk := in["restore-keys"]; rk != "" {
			restoreKeys = strings.Fields(rk)
		}
		hit, matched, err := h.cache.Restore(ctx, key, restoreKeys)
		if err != nil {
			return nil, fmt.Errorf("cache restore: %w", err)
		}
		out := map[string]string{"cache-hit": fmt.Sprintf("%t", hit)}
		if hit {
			out["matched-key"] = matched
		}
		return out, nil
	case "save":
		paths := strings.Fields(in["paths"])
		if len(paths) == 0 {
			return nil, fmt.Errorf("cache save: missing \"paths\" input")
		}
		if err := h.cache.Save(ctx, key, paths); err != nil {
			return nil, fmt.Errorf("cache save: %w", err)
		}
		return map[string]string{}, nil
	default:
		return nil, fmt.Errorf("cache: unknown method %q", method)
	}
}

// artifact uploads one path via the ArtifactStore port.
func (h *Host) artifact(ctx context.Context, in map[string]string) (map[string]string, error) {
	path := in["path"]
	if path == "" {
		return nil, fmt.Errorf("artifact: missing \"path\" input")
	}
	retention := 30
	if v, ok := in["retention_days"]; ok {
		fmt.Sscanf(v, "%d", &retention)
	}
	runID := domain.RunID(in["run_id"])
	stepID := domain.StepID(in["step_id"])
	if err := h.artifacts.Upload(ctx, runID, stepID, path, retention); err != nil {
		return nil, fmt.Errorf("artifact upload: %w", err)
	}
	return map[string]string{"path": path}, nil
}

// notify posts a message to a webhook URL.
func (h *Host) notify(ctx context.Context, in map[string]string) (map[string]string, error) {
	url := in["url"]
	if url == "" {
		return nil, fmt.Errorf("notify: missing \"url\" input")
	}
	message := in["message"]
	if err := h.notifyURL(ctx, url, message); err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	return map[string]string{}, nil
}

func joinPath(base, rel string) string {
	if rel == "" || rel == "." {
		return base
	}
	if base == "" {
		return rel
	}
	return base + "/" + rel
}
