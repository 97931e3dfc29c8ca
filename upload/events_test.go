package upload

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversInOrder(t *testing.T) {
	b := newBus()

	var mu sync.Mutex
	var first, second []int
	b.subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		first = append(first, e.Chunk)
	})
	b.subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		second = append(second, e.Chunk)
	})

	for i := 0; i < 100; i++ {
		b.publish(Event{Type: EventFileProgress, Chunk: i})
	}
	select {
	case <-b.flush():
	case <-time.After(5 * time.Second):
		t.Fatal("flush timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, first, 100)
	for i, chunk := range first {
		assert.Equal(t, i, chunk)
	}
	assert.Equal(t, first, second)
}

func TestBus_LateSubscriberSkipsQueuedEvents(t *testing.T) {
	b := newBus()
	defer b.close()

	gate := make(chan struct{})
	var mu sync.Mutex
	var early, late []int
	b.subscribe(func(e Event) {
		if e.Chunk == 0 {
			<-gate
		}
		mu.Lock()
		defer mu.Unlock()
		early = append(early, e.Chunk)
	})

	// the dispatcher blocks on the first event, the second one stays queued
	b.publish(Event{Type: EventFileProgress, Chunk: 0})
	b.publish(Event{Type: EventFileProgress, Chunk: 1})
	b.subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		late = append(late, e.Chunk)
	})
	b.publish(Event{Type: EventFileProgress, Chunk: 2})
	close(gate)

	select {
	case <-b.flush():
	case <-time.After(5 * time.Second):
		t.Fatal("flush timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, early)
	assert.Equal(t, []int{2}, late)
}

func TestBus_CloseDeliversPendingEvents(t *testing.T) {
	b := newBus()

	var count int
	b.subscribe(func(Event) { count++ })
	for i := 0; i < 10; i++ {
		b.publish(Event{Type: EventFileAdded})
	}
	b.close()
	b.close()

	assert.Equal(t, 10, count)

	b.publish(Event{Type: EventFileAdded})
	<-b.flush()
	assert.Equal(t, 10, count)
}

func TestEventType_String(t *testing.T) {
	assert.Equal(t, "fileAdded", EventFileAdded.String())
	assert.Equal(t, "uploadComplete", EventUploadComplete.String())
	assert.Equal(t, "event(99)", EventType(99).String())
}
