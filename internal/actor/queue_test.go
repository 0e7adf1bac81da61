package actor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func labelled(label string) task {
	return task{label: label, fn: func(context.Context) error { return nil }}
}

func TestTaskQueue_FIFO(t *testing.T) {
	q := newTaskQueue()

	for _, l := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(labelled(l)))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"A", "B", "C"} {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got.label)
	}
	assert.Equal(t, 0, q.Len())
}

func TestTaskQueue_TryDequeue_Empty(t *testing.T) {
	q := newTaskQueue()

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestTaskQueue_SignalCoalesces(t *testing.T) {
	q := newTaskQueue()
	q.Enqueue(labelled("A"))
	q.Enqueue(labelled("B"))

	<-q.Wait()
	select {
	case <-q.Wait():
		t.Fatal("second signal should have been coalesced")
	default:
	}
}

func TestTaskQueue_Close(t *testing.T) {
	q := newTaskQueue()
	q.Enqueue(labelled("A"))
	q.Enqueue(labelled("B"))

	rest := q.Close()
	require.Len(t, rest, 2)
	assert.Equal(t, "A", rest[0].label)

	assert.False(t, q.Enqueue(labelled("C")), "enqueue after close should fail")
	assert.Nil(t, q.Close(), "second close is a no-op")

	_, open := <-q.Wait()
	assert.False(t, open, "signal channel closed")
}
