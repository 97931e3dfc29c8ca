package upload

import (
	"fmt"
	"sort"
	"sync"
)

// EventType tags an Event.
type EventType int

const (
	EventFileAdded EventType = iota + 1
	EventFileRemoved
	EventFileProgress
	EventFileSuccess
	EventFileError
	EventFilePaused
	EventFileResumed
	EventUploadStarted
	EventUploadPaused
	EventUploadResumed
	EventUploadCancelled
	EventUploadComplete
)

func (t EventType) String() string {
	switch t {
	case EventFileAdded:
		return "fileAdded"
	case EventFileRemoved:
		return "fileRemoved"
	case EventFileProgress:
		return "fileProgress"
	case EventFileSuccess:
		return "fileSuccess"
	case EventFileError:
		return "fileError"
	case EventFilePaused:
		return "filePaused"
	case EventFileResumed:
		return "fileResumed"
	case EventUploadStarted:
		return "uploadStarted"
	case EventUploadPaused:
		return "uploadPaused"
	case EventUploadResumed:
		return "uploadResumed"
	case EventUploadCancelled:
		return "uploadCancelled"
	case EventUploadComplete:
		return "uploadComplete"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is emitted once for every state transition of a session or one of its files.
type Event struct {
	Type EventType
	// File is the state of the file right after the transition. It is the
	// zero value for session wide events.
	File FileSnapshot
	// Chunk is the index of the chunk a FileProgress event reports, -1 otherwise.
	Chunk int
	// Response is the body returned for the last chunk, on FileSuccess.
	Response []byte
	// Err is an *AdmissionError or a *FileError on FileError.
	Err error
}

// Handler consumes session events. Handlers run on a single goroutine, in
// emission order, and may call back into the session, except for Wait and Close.
type Handler func(Event)

type busItem struct {
	event  Event
	seq    uint64
	marker chan struct{}
}

// subscription only receives events published after it was registered.
type subscription struct {
	handler Handler
	after   uint64
}

// bus delivers events in order on a dedicated goroutine.
type bus struct {
	mu       sync.Mutex
	queue    []busItem
	handlers map[int]subscription
	nextID   int
	seq      uint64
	closed   bool
	wake     chan struct{}
	done     chan struct{}
}

func newBus() *bus {
	b := &bus{
		handlers: map[int]subscription{},
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *bus) subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers[id] = subscription{handler: h, after: b.seq}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

func (b *bus) publish(e Event) {
	b.push(busItem{event: e})
}

// flush returns a channel closed once every event published so far is delivered.
func (b *bus) flush() <-chan struct{} {
	marker := make(chan struct{})
	if !b.push(busItem{marker: marker}) {
		close(marker)
	}
	return marker
}

func (b *bus) push(item busItem) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	if item.marker == nil {
		b.seq++
		item.seq = b.seq
	}
	b.queue = append(b.queue, item)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return true
}

func (b *bus) run() {
	defer close(b.done)

	for {
		b.mu.Lock()
		items := b.queue
		b.queue = nil
		closed := b.closed
		b.mu.Unlock()

		for _, item := range items {
			if item.marker != nil {
				close(item.marker)
				continue
			}
			for _, sub := range b.snapshot() {
				if item.seq > sub.after {
					sub.handler(item.event)
				}
			}
		}

		if len(items) == 0 {
			if closed {
				return
			}
			<-b.wake
		}
	}
}

func (b *bus) snapshot() []subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	handlers := make([]subscription, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.handlers[id])
	}
	return handlers
}

// close delivers the pending events and stops the dispatcher.
func (b *bus) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	<-b.done
}
