package cache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockci/enginecore/internal/cache"
)

type countingProvider struct {
	restoreCalls atomic.Int32
	saveCalls    atomic.Int32
	release      chan struct{}
}

func (p *countingProvider) Restore(ctx context.Context, key string, restoreKeys []string) (bool, string, error) {
	p.restoreCalls.Add(1)
	<-p.release
	return true, key, nil
}

func (p *countingProvider) Save(ctx context.Context, key string, paths []string) error {
	p.saveCalls.Add(1)
	<-p.release
	return nil
}

func TestSingleFlightCollapsesConcurrentRestoresForSameKey(t *testing.T) {
	inner := &countingProvider{release: make(chan struct{})}
	sf := cache.NewSingleFlight(inner)

	const callers = 5
	var wg sync.WaitGroup
	results := make([]bool, callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		i := i
		go func() {
			defer wg.Done()
			hit, matched, err := sf.Restore(context.Background(), "shared-key", nil)
			assert.NoError(t, err)
			assert.Equal(t, "shared-key", matched)
			results[i] = hit
		}()
	}

	close(inner.release)
	wg.Wait()

	for _, hit := range results {
		assert.True(t, hit)
	}
	assert.Equal(t, int32(1), inner.restoreCalls.Load())
}

func TestSingleFlightCollapsesConcurrentSavesForSameKey(t *testing.T) {
	inner := &countingProvider{release: make(chan struct{})}
	sf := cache.NewSingleFlight(inner)

	const callers = 5
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			require.NoError(t, sf.Save(context.Background(), "shared-key", []string{"."}))
		}()
	}

	close(inner.release)
	wg.Wait()

	assert.Equal(t, int32(1), inner.saveCalls.Load())
}
