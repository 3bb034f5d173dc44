package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryQueueDeliversEnqueuedTask(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, OfferTask{DispatchID: "disp_1"}))

	delivered := make(chan OfferTask, 1)
	go q.Consume(ctx, func(ctx context.Context, task OfferTask) error {
		delivered <- task
		cancel()
		return nil
	})

	select {
	case task := <-delivered:
		require.Equal(t, "disp_1", task.DispatchID)
	case <-time.After(time.Second):
		t.Fatal("task was never delivered")
	}
}

func TestMemoryQueueRedeliversOnHandlerError(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, OfferTask{DispatchID: "disp_1"}))

	var attempts int32
	done := make(chan struct{})
	go q.Consume(ctx, func(ctx context.Context, task OfferTask) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			return context.DeadlineExceeded
		}
		close(done)
		cancel()
		return nil
	})

	select {
	case <-done:
		require.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
	case <-time.After(time.Second):
		t.Fatal("task was never redelivered after handler error")
	}
}

func TestMemoryQueueEnqueueAfterCloseFails(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Close())
	err := q.Enqueue(context.Background(), OfferTask{DispatchID: "disp_1"})
	require.Error(t, err)
}
