package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherGrantsUpToSlots(t *testing.T) {
	d := newDispatcher(2)

	require.NoError(t, d.acquire(context.Background(), 1))
	require.NoError(t, d.acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, d.acquire(ctx, 1), "third acquire must block until release")

	d.release()
	require.NoError(t, d.acquire(context.Background(), 1))
}

func TestDispatcherPriorityOrder(t *testing.T) {
	d := newDispatcher(1)
	require.NoError(t, d.acquire(context.Background(), 0))

	var mu sync.Mutex
	var order []string

	var wg sync.WaitGroup
	start := func(name string, priority int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, d.acquire(context.Background(), priority))
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			d.release()
		}()
	}

	start("low", 0)
	time.Sleep(10 * time.Millisecond)
	start("critical", 3)
	time.Sleep(10 * time.Millisecond)
	start("high-a", 2)
	time.Sleep(10 * time.Millisecond)
	start("high-b", 2)
	time.Sleep(10 * time.Millisecond)

	d.release()
	wg.Wait()

	assert.Equal(t, []string{"critical", "high-a", "high-b", "low"}, order,
		"highest priority first, FIFO within a priority")
}

func TestDispatcherCancelledWaiterRemoved(t *testing.T) {
	d := newDispatcher(1)
	require.NoError(t, d.acquire(context.Background(), 1))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.acquire(ctx, 1)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, d.queued())

	// The held slot is still intact.
	d.release()
	require.NoError(t, d.acquire(context.Background(), 1))
}
