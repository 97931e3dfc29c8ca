package upload

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-resumable/transport"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/require"
)

type chunkKey struct {
	fileID string
	index  int
}

// fakeTransport stores chunks in memory.
type fakeTransport struct {
	// respond decides the outcome of an upload attempt (1-based). Nil means success.
	respond func(req transport.Request, attempt int) (transport.Response, error)
	delay   func(req transport.Request) time.Duration

	mu          sync.Mutex
	gate        chan struct{}
	present     map[chunkKey]bool
	attempts    map[chunkKey]int
	stored      map[chunkKey][]byte
	requests    []transport.Request
	inFlight    int
	maxInFlight int
	probes      int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		present:  map[chunkKey]bool{},
		attempts: map[chunkKey]int{},
		stored:   map[chunkKey][]byte{},
	}
}

func (f *fakeTransport) Probe(ctx context.Context, req transport.Request) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if err := ctx.Err(); err != nil {
		return false, transport.Classify(ctx, err)
	}
	return f.present[chunkKey{req.Chunk.FileID, req.Chunk.Index}], nil
}

func (f *fakeTransport) Upload(ctx context.Context, req transport.Request) (transport.Response, error) {
	k := chunkKey{req.Chunk.FileID, req.Chunk.Index}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	gate := f.gate
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	var delay <-chan time.Time
	if f.delay != nil {
		delay = time.After(f.delay(req))
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return transport.Response{}, transport.Classify(ctx, ctx.Err())
		}
	}
	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return transport.Response{}, transport.Classify(ctx, ctx.Err())
		}
	}

	f.mu.Lock()
	f.attempts[k]++
	attempt := f.attempts[k]
	f.mu.Unlock()

	resp := transport.Response{StatusCode: 200}
	if f.respond != nil {
		var err error
		resp, err = f.respond(req, attempt)
		if err != nil {
			return resp, err
		}
	}

	f.mu.Lock()
	f.stored[k] = append([]byte(nil), req.Payload...)
	f.present[k] = true
	f.mu.Unlock()

	return resp, nil
}

func (f *fakeTransport) hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
}

func (f *fakeTransport) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

func (f *fakeTransport) inFlightCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

func (f *fakeTransport) maxInFlightCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

func (f *fakeTransport) uploadRequests() []transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Request(nil), f.requests...)
}

func (f *fakeTransport) attemptCount(fileID string, index int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[chunkKey{fileID, index}]
}

func (f *fakeTransport) assembled(fileID string, chunks int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	var data []byte
	for i := 0; i < chunks; i++ {
		data = append(data, f.stored[chunkKey{fileID, i}]...)
	}
	return data
}

func (f *fakeTransport) markPresent(fileID string, index int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.present[chunkKey{fileID, index}] = true
}

// finalizingTransport adds a finalization step to fakeTransport.
type finalizingTransport struct {
	*fakeTransport
	err error

	mu        sync.Mutex
	finalized []transport.FileRef
}

func (f *finalizingTransport) Finalize(_ context.Context, file transport.FileRef) (transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, file)
	if f.err != nil {
		return transport.Response{}, f.err
	}
	return transport.Response{StatusCode: 200, Body: []byte(`{"fileName":"final-` + file.Name + `"}`)}, nil
}

func (f *finalizingTransport) finalizedFiles() []transport.FileRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.FileRef(nil), f.finalized...)
}

type memJournal struct {
	mu        sync.Mutex
	layouts   map[string]Layout
	chunks    map[string]map[int]bool
	forgotten []string
}

func newMemJournal() *memJournal {
	return &memJournal{layouts: map[string]Layout{}, chunks: map[string]map[int]bool{}}
}

func (j *memJournal) Uploaded(fileID string) (Layout, []int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var indexes []int
	for i := range j.chunks[fileID] {
		indexes = append(indexes, i)
	}
	return j.layouts[fileID], indexes, nil
}

func (j *memJournal) MarkUploaded(fileID string, layout Layout, index int) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.chunks[fileID] == nil || j.layouts[fileID] != layout {
		j.chunks[fileID] = map[int]bool{}
		j.layouts[fileID] = layout
	}
	j.chunks[fileID][index] = true
	return nil
}

func (j *memJournal) Forget(fileID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	delete(j.chunks, fileID)
	delete(j.layouts, fileID)
	j.forgotten = append(j.forgotten, fileID)
	return nil
}

func (j *memJournal) forgottenFiles() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.forgotten...)
}

type fakeAnalytics struct {
	mu     sync.Mutex
	events []string
	props  []analytics.Properties
	waited bool
}

func (a *fakeAnalytics) Enqueue(eventName string, properties ...analytics.Properties) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, eventName)
	merged := analytics.Properties{}
	for _, p := range properties {
		for k, v := range p {
			merged[k] = v
		}
	}
	a.props = append(a.props, merged)
}

func (a *fakeAnalytics) Wait() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.waited = true
}

// recorder collects the events of a session.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(s *Session) *recorder {
	r := &recorder{}
	s.Subscribe(func(e Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
	})
	return r
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) ofType(types ...EventType) []Event {
	var events []Event
	for _, e := range r.all() {
		for _, t := range types {
			if e.Type == t {
				events = append(events, e)
			}
		}
	}
	return events
}

func (r *recorder) types() []EventType {
	var types []EventType
	for _, e := range r.all() {
		types = append(types, e.Type)
	}
	return types
}

func testConfig() Config {
	config := DefaultConfig()
	config.RetryWaitMin = time.Millisecond
	config.RetryWaitMax = 5 * time.Millisecond
	config.ChunkTimeout = 10 * time.Second
	return config
}

func newTestSession(t *testing.T, config Config, tr transport.Transport) *Session {
	t.Helper()
	s, err := New(config, tr, log.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitIdle(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func memFile(id, name string, data []byte) File {
	return File{
		ID:      id,
		Name:    name,
		Type:    "application/octet-stream",
		Size:    int64(len(data)),
		ModTime: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Reader:  bytes.NewReader(data),
	}
}

func testData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}
