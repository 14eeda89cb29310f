package event_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probeline/probeline/event"
)

func collect(t *testing.T, sub *event.Subscription, n int) []event.Item {
	t.Helper()
	items := make([]event.Item, 0, n)
	timeout := time.After(2 * time.Second)
	for len(items) < n {
		select {
		case item, ok := <-sub.Events():
			if !ok {
				return items
			}
			items = append(items, item)
		case <-timeout:
			t.Fatalf("timed out after %d of %d items", len(items), n)
		}
	}
	return items
}

func TestPublishAssignsGaplessSequence(t *testing.T) {
	bus := event.NewBus()

	for i := 0; i < 5; i++ {
		e := bus.Publish("wf1", event.KindInvocationProgress, nil)
		assert.Equal(t, uint64(i+1), e.Seq)
	}
	assert.Equal(t, uint64(5), bus.Seq("wf1"))

	// Streams are independent.
	e := bus.Publish("wf2", event.KindPhaseStart, nil)
	assert.Equal(t, uint64(1), e.Seq)
}

func TestLateSubscriberReplaysHistory(t *testing.T) {
	bus := event.NewBus()

	bus.Publish("wf1", event.KindPhaseStart, map[string]any{"phase": "recon"})
	bus.Publish("wf1", event.KindInvocationStart, map[string]any{"tool": "enum"})

	sub := bus.Subscribe("wf1")
	defer sub.Close()

	items := collect(t, sub, 2)
	assert.Equal(t, event.KindPhaseStart, items[0].Event.Kind)
	assert.Equal(t, uint64(1), items[0].Event.Seq)
	assert.Equal(t, event.KindInvocationStart, items[1].Event.Kind)

	// Live events follow the replay.
	bus.Publish("wf1", event.KindPhaseComplete, nil)
	live := collect(t, sub, 1)
	assert.Equal(t, uint64(3), live[0].Event.Seq)
}

func TestTerminalEventClosesStream(t *testing.T) {
	bus := event.NewBus()
	sub := bus.Subscribe("wf1")
	defer sub.Close()

	bus.Publish("wf1", event.KindPhaseStart, nil)
	bus.Publish("wf1", event.KindWorkflowStatus, map[string]any{"status": "completed"})

	items := collect(t, sub, 2)
	require.Len(t, items, 2)
	assert.True(t, items[1].Event.Terminal())

	// The channel closes after the terminal event drains.
	select {
	case _, open := <-sub.Events():
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after terminal event")
	}

	// Publishing after close is dropped, not resurrected.
	e := bus.Publish("wf1", event.KindError, nil)
	assert.Zero(t, e.Seq)
	assert.Equal(t, uint64(2), bus.Seq("wf1"))
}

func TestNonTerminalStatusKeepsStreamOpen(t *testing.T) {
	bus := event.NewBus()
	sub := bus.Subscribe("wf1")
	defer sub.Close()

	bus.Publish("wf1", event.KindWorkflowStatus, map[string]any{"status": "running"})
	bus.Publish("wf1", event.KindWorkflowStatus, map[string]any{"status": "awaiting-approval"})
	bus.Publish("wf1", event.KindPhaseStart, nil)

	items := collect(t, sub, 3)
	assert.Len(t, items, 3)
}

func TestSlowSubscriberLags(t *testing.T) {
	// A tiny queue and a consumer that never reads force drops.
	bus := event.NewBus(event.WithQueueSize(4))
	sub := bus.Subscribe("wf1")
	defer sub.Close()

	for i := 0; i < 20; i++ {
		bus.Publish("wf1", event.KindInvocationProgress, map[string]any{"n": i})
	}

	// At most queue capacity plus one in-flight event survive; the rest
	// surface as lag markers on the items that follow the drops.
	items := collect(t, sub, 5)
	var dropped uint64
	for _, item := range items {
		dropped += item.Lagged
	}
	assert.NotZero(t, dropped)
	assert.Equal(t, uint64(20), items[len(items)-1].Event.Seq, "newest events are kept")
}

func TestRingOverflowMarksLateJoinLag(t *testing.T) {
	bus := event.NewBus(event.WithRingSize(8))
	for i := 0; i < 20; i++ {
		bus.Publish("wf1", event.KindInvocationProgress, nil)
	}

	sub := bus.Subscribe("wf1")
	defer sub.Close()

	item := collect(t, sub, 1)[0]
	assert.Equal(t, uint64(12), item.Lagged, "events discarded from the ring are reported")
	assert.Equal(t, uint64(13), item.Event.Seq)
}

func TestSubscribeAfterClose(t *testing.T) {
	bus := event.NewBus()
	bus.Publish("wf1", event.KindPhaseStart, nil)
	bus.Close("wf1")

	sub := bus.Subscribe("wf1")
	defer sub.Close()

	items := collect(t, sub, 1)
	require.Len(t, items, 1)

	_, open := <-sub.Events()
	assert.False(t, open, "post-close subscription ends after replay")
}

func TestDropDiscardsHistory(t *testing.T) {
	bus := event.NewBus()
	bus.Publish("wf1", event.KindPhaseStart, nil)
	require.NotEmpty(t, bus.History("wf1"))

	bus.Drop("wf1")
	assert.Empty(t, bus.History("wf1"))
	assert.Zero(t, bus.Seq("wf1"))
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	bus := event.NewBus()
	sub := bus.Subscribe("wf1")
	sub.Close()
	sub.Close()

	// Publisher is unaffected by departed subscribers.
	e := bus.Publish("wf1", event.KindPhaseStart, nil)
	assert.Equal(t, uint64(1), e.Seq)
}

func TestConcurrentPublishersKeepOrder(t *testing.T) {
	bus := event.NewBus()
	sub := bus.Subscribe("wf1")
	defer sub.Close()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < n/4; j++ {
				bus.Publish("wf1", event.KindInvocationProgress, map[string]any{
					"publisher": fmt.Sprintf("p%d", id),
				})
			}
		}(i)
	}
	wg.Wait()

	items := collect(t, sub, n)
	for i := 1; i < len(items); i++ {
		require.Equal(t, items[i-1].Event.Seq+1, items[i].Event.Seq,
			"subscriber must observe a gap-free ascending sequence")
	}
}
