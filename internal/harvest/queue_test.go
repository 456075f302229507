package harvest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingHarvester records batches and holds each call until release is
// signalled, so tests control what is in flight.
type blockingHarvester struct {
	mu       sync.Mutex
	batches  [][]string
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	started  chan struct{}
	release  chan struct{}
	err      error
}

func newBlockingHarvester() *blockingHarvester {
	return &blockingHarvester{
		started: make(chan struct{}, 64),
		release: make(chan struct{}, 64),
	}
}

func (h *blockingHarvester) Harvest(ctx context.Context, batch []string) (Report, error) {
	n := h.inFlight.Add(1)
	defer h.inFlight.Add(-1)
	for {
		seen := h.maxSeen.Load()
		if n <= seen || h.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	h.mu.Lock()
	h.batches = append(h.batches, batch)
	h.mu.Unlock()

	h.started <- struct{}{}
	select {
	case <-h.release:
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
	return Report{Messages: len(batch)}, h.err
}

func (h *blockingHarvester) seen() [][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]string(nil), h.batches...)
}

type completion struct {
	id     string
	report Report
	err    error
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queue")
		var zero T
		return zero
	}
}

func TestQueue_ProcessesInOrderOneAtATime(t *testing.T) {
	h := newBlockingHarvester()
	q := NewQueue(h, QueueConfig{Size: 4})

	done := make(chan completion, 4)
	q.OnComplete(func(id string, r Report, err error) {
		done <- completion{id: id, report: r, err: err}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	id1, err := q.Enqueue([]string{"a"})
	require.NoError(t, err)
	id2, err := q.Enqueue([]string{"b", "c"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	waitFor(t, h.started)
	h.release <- struct{}{}
	first := waitFor(t, done)
	assert.Equal(t, id1, first.id)
	assert.Equal(t, 1, first.report.Messages)

	waitFor(t, h.started)
	h.release <- struct{}{}
	second := waitFor(t, done)
	assert.Equal(t, id2, second.id)
	assert.Equal(t, 2, second.report.Messages)

	assert.Equal(t, [][]string{{"a"}, {"b", "c"}}, h.seen())
	assert.Equal(t, int32(1), h.maxSeen.Load())
	require.NoError(t, q.Stop(context.Background()))
}

func TestQueue_FullAndClosed(t *testing.T) {
	h := newBlockingHarvester()
	q := NewQueue(h, QueueConfig{Size: 1})

	_, err := q.Enqueue([]string{"a"})
	require.NoError(t, err)
	_, err = q.Enqueue([]string{"b"})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 1, q.Pending())

	require.NoError(t, q.Stop(context.Background()))
	_, err = q.Enqueue([]string{"c"})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueue_ClearDropsPendingOnly(t *testing.T) {
	h := newBlockingHarvester()
	q := NewQueue(h, QueueConfig{Size: 4})
	done := make(chan completion, 4)
	q.OnComplete(func(id string, r Report, err error) {
		done <- completion{id: id, err: err}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	inFlight, err := q.Enqueue([]string{"a"})
	require.NoError(t, err)
	waitFor(t, h.started)

	for _, b := range []string{"b", "c", "d"} {
		_, err := q.Enqueue([]string{b})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, q.ClearQueue())
	assert.Zero(t, q.Pending())

	h.release <- struct{}{}
	assert.Equal(t, inFlight, waitFor(t, done).id)
	require.NoError(t, q.Stop(context.Background()))
	assert.Len(t, h.seen(), 1)
}

func TestQueue_ReportsHarvestErrors(t *testing.T) {
	h := newBlockingHarvester()
	h.err = errors.New("backend down")
	q := NewQueue(h, QueueConfig{})
	done := make(chan completion, 1)
	q.OnComplete(func(id string, r Report, err error) {
		done <- completion{id: id, err: err}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	_, err := q.Enqueue([]string{"a"})
	require.NoError(t, err)
	waitFor(t, h.started)
	h.release <- struct{}{}
	assert.EqualError(t, waitFor(t, done).err, "backend down")
	require.NoError(t, q.Stop(context.Background()))
}

func TestQueue_StopDrainsQueuedTasks(t *testing.T) {
	h := newBlockingHarvester()
	for i := 0; i < 3; i++ {
		h.release <- struct{}{}
	}
	q := NewQueue(h, QueueConfig{Size: 4})
	for _, b := range []string{"a", "b", "c"} {
		_, err := q.Enqueue([]string{b})
		require.NoError(t, err)
	}

	q.Start(context.Background())
	require.NoError(t, q.Stop(context.Background()))
	assert.Len(t, h.seen(), 3)
}

func TestQueue_StopTimesOut(t *testing.T) {
	h := newBlockingHarvester()
	q := NewQueue(h, QueueConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	_, err := q.Enqueue([]string{"a"})
	require.NoError(t, err)
	waitFor(t, h.started)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer stopCancel()
	assert.ErrorIs(t, q.Stop(stopCtx), context.DeadlineExceeded)

	cancel()
	require.NoError(t, q.Stop(context.Background()))
}

func TestPipelineSatisfiesHarvester(t *testing.T) {
	var _ Harvester = (*Pipeline)(nil)
}
