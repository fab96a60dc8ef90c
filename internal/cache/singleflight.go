package cache

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/blockci/enginecore/internal/ports"
)

// SingleFlight wraps a ports.CacheProvider so concurrent Restore or Save
// calls against the same key collapse into one underlying call, with every
// caller receiving the same result. FilesystemCache already serializes
// access with a mutex, but a multi-slot agent (max_concurrent_jobs > 1)
// running several steps of the same matrix stage will often request the
// same key — e.g. a shared restore_keys prefix — at the same instant, so
// without this the second caller just redoes the first's tar extraction or
// archive write. Grounded on the single-writer-per-key invariant
// ports.CacheProvider already documents.
type SingleFlight struct {
	next  ports.CacheProvider
	group singleflight.Group
}

// NewSingleFlight wraps next.
func NewSingleFlight(next ports.CacheProvider) *SingleFlight {
	return &SingleFlight{next: next}
}

type restoreResult struct {
	hit        bool
	matchedKey string
}

func (c *SingleFlight) Restore(ctx context.Context, key string, restoreKeys []string) (bool, string, error) {
	v, err, _ := c.group.Do("restore:"+key, func() (any, error) {
		hit, matched, err := c.next.Restore(ctx, key, restoreKeys)
		if err != nil {
			return nil, err
		}
		return restoreResult{hit: hit, matchedKey: matched}, nil
	})
	if err != nil {
		return false, "", err
	}
	res := v.(restoreResult)
	return res.hit, res.matchedKey, nil
}

func (c *SingleFlight) Save(ctx context.Context, key string, paths []string) error {
	_, err, _ := c.group.Do("save:"+key, func() (any, error) {
		return nil, c.next.Save(ctx, key, paths)
	})
	return err
}
