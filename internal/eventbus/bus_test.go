package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockci/enginecore/internal/domain"
	"github.com/blockci/enginecore/internal/eventbus"
)

func TestPublishMatchesWildcardSubscriber(t *testing.T) {
	bus := eventbus.New(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, unsubscribe, err := bus.Subscribe(ctx, "run.*.queued")
	require.NoError(t, err)
	defer unsubscribe()

	ev := domain.RunQueuedEvent{RunID: domain.RunID("r1"), PipelineName: "build"}
	require.NoError(t, bus.Publish(ctx, ev))

	select {
	case got := <-ch:
		assert.Equal(t, ev, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDoesNotMatchUnrelatedSubject(t *testing.T) {
	bus := eventbus.New(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, unsubscribe, err := bus.Subscribe(ctx, "agent.*.registered")
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, bus.Publish(ctx, domain.RunQueuedEvent{RunID: domain.RunID("r1")}))

	select {
	case got := <-ch:
		t.Fatalf("unexpected delivery: %#v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDoubleStarMatchesAnySuffix(t *testing.T) {
	bus := eventbus.New(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, unsubscribe, err := bus.Subscribe(ctx, "step.**")
	require.NoError(t, err)
	defer unsubscribe()

	ev := domain.StepCompletedEvent{RunID: domain.RunID("r1"), StepID: domain.StepID("s1")}
	require.NoError(t, bus.Publish(ctx, ev))

	select {
	case got := <-ch:
		assert.Equal(t, ev, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := eventbus.New(4)
	ctx := context.Background()

	ch, unsubscribe, err := bus.Subscribe(ctx, "**")
	require.NoError(t, err)
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestFullSubscriberChannelDropsWithoutBlocking(t *testing.T) {
	bus := eventbus.New(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, unsubscribe, err := bus.Subscribe(ctx, "**")
	require.NoError(t, err)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = bus.Publish(ctx, domain.RunQueuedEvent{RunID: domain.RunID("r1")})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}
}
