// Package upload implements resumable chunked upload sessions.
//
// A Session admits files, splits them into chunks and uploads the chunks
// through a transport.Transport with bounded concurrency. Chunks are
// dispatched in admission order, then in index order. Retryable failures
// are retried with exponential backoff up to Config.MaxRetries, terminal
// failures fail the file but never its siblings. Every state transition is
// reported as an Event to the handlers registered with Subscribe.
//
// Transitions caused by session wide commands (Start, Pause, Resume, Cancel)
// are reported by a single session event rather than one event per file.
package upload

import (
	"context"
	"fmt"
	"sync"

	"github.com/bitrise-io/go-resumable/chunk"
	"github.com/bitrise-io/go-resumable/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

// SessionStatus is the status of a session.
type SessionStatus int

const (
	SessionIdle SessionStatus = iota
	SessionUploading
	SessionPaused
)

func (s SessionStatus) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionUploading:
		return "uploading"
	case SessionPaused:
		return "paused"
	default:
		return fmt.Sprintf("session status(%d)", int(s))
	}
}

// Session owns a set of file uploads.
type Session struct {
	id        string
	config    Config
	transport transport.Transport
	finalizer transport.Finalizer
	aborter   transport.Aborter
	logger    log.Logger
	events    *bus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	status  SessionStatus
	files   map[string]*fileState
	order   []string
	sched   scheduler
	changed chan struct{}
	closed  bool
}

// New creates a session uploading through t.
func New(config Config, t transport.Transport, logger log.Logger) (*Session, error) {
	if t == nil {
		return nil, fmt.Errorf("transport must not be nil")
	}
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        uuid.NewString(),
		config:    config,
		transport: t,
		logger:    logger,
		events:    newBus(),
		ctx:       ctx,
		cancel:    cancel,
		files:     map[string]*fileState{},
		changed:   make(chan struct{}),
	}
	if f, ok := transport.AsFinalizer(t); ok {
		s.finalizer = f
	}
	if a, ok := transport.AsAborter(t); ok {
		s.aborter = a
	}

	return s, nil
}

// ID returns the random identifier of the session.
func (s *Session) ID() string {
	return s.id
}

// Subscribe registers h for every event emitted from now on. The returned
// function unregisters it.
func (s *Session) Subscribe(h Handler) func() {
	return s.events.subscribe(h)
}

// Admit filters files and adds the accepted ones to the session.
// Files are started right away if the session is uploading, or if
// Config.AutoStart is set and the session is idle.
func (s *Session) Admit(files ...File) (AdmissionResult, error) {
	candidates := make([]candidate, 0, len(files))
	for _, f := range files {
		candidates = append(candidates, s.prepare(f))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return AdmissionResult{}, ErrSessionClosed
	}

	result := s.admitLocked(candidates)
	if len(result.Admitted) > 0 {
		switch {
		case s.status == SessionUploading:
			s.resumeFilesLocked(false)
		case s.status == SessionIdle && s.config.AutoStart:
			s.startLocked()
		}
	}
	s.pumpLocked()

	return result, nil
}

// Start uploads every file that is not in a terminal status, including the
// paused ones. It is a no-op if there is nothing to upload.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	s.startLocked()
	s.pumpLocked()
	return nil
}

func (s *Session) startLocked() {
	pending := false
	for _, f := range s.files {
		if !f.status.Terminal() {
			pending = true
			break
		}
	}
	if !pending {
		return
	}

	resumed := s.resumeFilesLocked(true)
	if s.status == SessionUploading {
		// files paused one by one while the session kept uploading
		for _, f := range resumed {
			s.emitLocked(Event{Type: EventFileResumed, File: f.snapshot(), Chunk: -1})
		}
		return
	}

	s.status = SessionUploading
	s.logger.Infof("Upload started")
	s.emitLocked(Event{Type: EventUploadStarted, Chunk: -1})
}

// resumeFilesLocked moves queued files, and files paused with the session
// or all paused files, to uploading. It returns the files it resumed from paused.
func (s *Session) resumeFilesLocked(allPaused bool) []*fileState {
	var resumed []*fileState
	for _, id := range s.order {
		f := s.files[id]
		switch {
		case f.status == StatusQueued:
			f.status = StatusUploading
			s.enqueueLocked(f)
		case f.status == StatusPaused && (allPaused || f.pausedBySession):
			f.status = StatusUploading
			f.pausedBySession = false
			resumed = append(resumed, f)
		}
	}
	return resumed
}

// Pause stops dispatching chunks of every file. Chunks in flight finish.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.status != SessionUploading {
		return nil
	}

	s.status = SessionPaused
	for _, id := range s.order {
		f := s.files[id]
		if f.status == StatusUploading {
			f.status = StatusPaused
			f.pausedBySession = true
		}
	}
	s.logger.Infof("Upload paused")
	s.emitLocked(Event{Type: EventUploadPaused, Chunk: -1})
	s.pumpLocked()
	return nil
}

// Resume continues a paused session. Files paused individually stay paused.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.status != SessionPaused {
		return nil
	}

	s.status = SessionUploading
	s.resumeFilesLocked(false)
	s.logger.Infof("Upload resumed")
	s.emitLocked(Event{Type: EventUploadResumed, Chunk: -1})
	s.checkCompleteLocked()
	s.pumpLocked()
	return nil
}

// PauseFile stops dispatching chunks of one file. Chunks in flight finish.
func (s *Session) PauseFile(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.lookupLocked(id)
	if err != nil {
		return fmt.Errorf("pause %s: %w", id, err)
	}

	switch f.status {
	case StatusUploading:
		f.status = StatusPaused
		f.pausedBySession = false
		s.emitLocked(Event{Type: EventFilePaused, File: f.snapshot(), Chunk: -1})
	case StatusPaused:
		f.pausedBySession = false
	default:
		return fmt.Errorf("pause %s: file is %s: %w", id, f.status, ErrInvalidState)
	}

	s.pumpLocked()
	return nil
}

// ResumeFile continues a paused file. While the session itself is paused
// the file is only marked to resume together with the session.
func (s *Session) ResumeFile(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.lookupLocked(id)
	if err != nil {
		return fmt.Errorf("resume %s: %w", id, err)
	}

	switch f.status {
	case StatusPaused:
		if s.status != SessionUploading {
			f.pausedBySession = true
			return nil
		}
		f.status = StatusUploading
		f.pausedBySession = false
		s.emitLocked(Event{Type: EventFileResumed, File: f.snapshot(), Chunk: -1})
	case StatusUploading:
		return nil
	default:
		return fmt.Errorf("resume %s: file is %s: %w", id, f.status, ErrInvalidState)
	}

	s.pumpLocked()
	return nil
}

// CancelFile cancels one file: its chunks in flight are cancelled, its queued
// chunks and chunk states are discarded. The identifier may be admitted again.
func (s *Session) CancelFile(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.lookupLocked(id)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}

	switch f.status {
	case StatusCancelled:
		return nil
	case StatusCompleted, StatusErrored:
		return fmt.Errorf("cancel %s: file is %s: %w", id, f.status, ErrInvalidState)
	}

	s.cancelFileLocked(f)
	s.emitLocked(Event{Type: EventUploadCancelled, File: f.snapshot(), Chunk: -1})
	s.checkCompleteLocked()
	s.pumpLocked()
	return nil
}

// Cancel cancels every file that is not in a terminal status and makes the session idle.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	cancelled := 0
	for _, id := range s.order {
		f := s.files[id]
		if !f.status.Terminal() {
			s.cancelFileLocked(f)
			cancelled++
		}
	}

	previous := s.status
	s.status = SessionIdle
	if cancelled > 0 || previous != SessionIdle {
		s.logger.Infof("Upload cancelled (%d files)", cancelled)
		s.emitLocked(Event{Type: EventUploadCancelled, Chunk: -1})
	}
	s.pumpLocked()
	return nil
}

func (s *Session) cancelFileLocked(f *fileState) {
	f.abort(StatusCancelled, nil)
	s.dropLocked(f)
	s.config.Metrics.fileFinished(StatusCancelled.String())
	s.abortRemoteLocked(f)
}

func (s *Session) abortRemoteLocked(f *fileState) {
	if s.aborter == nil {
		return
	}

	ref := fileRef(f)
	s.background(func() {
		ctx, cancel := s.chunkContext(context.Background())
		defer cancel()

		if err := s.aborter.Abort(ctx, ref); err != nil {
			s.logger.Warnf("Failed to abort upload of %s: %s", ref.ID, err)
		}
	})
}

// RemoveFile detaches a file from the session. Uploading files have to be
// paused or cancelled first.
func (s *Session) RemoveFile(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.lookupLocked(id)
	if err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	if f.status == StatusUploading {
		return fmt.Errorf("remove %s: %w", id, ErrFileUploading)
	}

	snapshot := f.snapshot()
	if !f.status.Terminal() {
		s.cancelFileLocked(f)
	}
	s.detachLocked(id)

	s.emitLocked(Event{Type: EventFileRemoved, File: snapshot, Chunk: -1})
	s.checkCompleteLocked()
	s.pumpLocked()
	return nil
}

func (s *Session) detachLocked(id string) {
	delete(s.files, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Files returns the files of the session in admission order.
func (s *Session) Files() []FileSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots := make([]FileSnapshot, 0, len(s.order))
	for _, id := range s.order {
		snapshots = append(snapshots, s.files[id].snapshot())
	}
	return snapshots
}

// File returns one file of the session.
func (s *Session) File(id string) (FileSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[id]
	if !ok {
		return FileSnapshot{}, false
	}
	return f.snapshot(), true
}

// Progress returns the progress of the session weighted by file size.
// Cancelled files are left out.
func (s *Session) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total, done float64
	var count, completed int
	for _, f := range s.files {
		if f.status == StatusCancelled {
			continue
		}
		count++
		if f.status == StatusCompleted {
			completed++
		}
		total += float64(f.file.Size)
		done += f.progress() * float64(f.file.Size)
	}

	switch {
	case count == 0:
		return 0
	case total == 0:
		return float64(completed) / float64(count)
	default:
		return done / total
	}
}

// Status ...
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Wait blocks until no file is uploading and no chunk is in flight, then
// until every event emitted so far is delivered.
func (s *Session) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		idle := s.closed || (s.sched.inFlight == 0 && !s.uploadingLocked())
		changed := s.changed
		s.mu.Unlock()

		if idle {
			select {
			case <-s.events.flush():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close cancels every chunk in flight, waits for them to settle and stops
// event delivery after the pending events are delivered. No events are
// emitted for the files left unfinished.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.sched.timer != nil {
		s.sched.timer.Stop()
	}
	s.sched.queue = nil
	s.cancel()
	s.broadcastLocked()
	s.mu.Unlock()

	s.wg.Wait()
	s.events.close()
	return nil
}

func (s *Session) lookupLocked(id string) (*fileState, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	f, ok := s.files[id]
	if !ok {
		return nil, ErrFileNotFound
	}
	return f, nil
}

func (s *Session) uploadingLocked() bool {
	for _, f := range s.files {
		if f.status == StatusUploading {
			return true
		}
	}
	return false
}

// checkCompleteLocked makes an uploading session idle once every file is terminal.
func (s *Session) checkCompleteLocked() {
	if s.status != SessionUploading {
		return
	}
	for _, f := range s.files {
		if !f.status.Terminal() {
			return
		}
	}

	s.status = SessionIdle
	s.logger.Infof("Upload complete")
	s.emitLocked(Event{Type: EventUploadComplete, Chunk: -1})
}

func (s *Session) emitLocked(e Event) {
	s.events.publish(e)
}

func (s *Session) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) background(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// prepare plans a file outside the session lock.
func (s *Session) prepare(f File) candidate {
	f.ID = s.config.identify(f)
	c := candidate{file: f}

	if f.Reader == nil {
		c.err = fmt.Errorf("file %s has no reader: %w", f.Name, chunk.ErrInvalidInput)
		return c
	}
	c.chunks, c.err = chunk.Plan(f.ID, f.Size, s.config.ChunkSize, s.config.ForceChunkSize)
	if c.err != nil {
		return c
	}

	c.layout = Layout{
		Target:      s.config.Target,
		ChunkSize:   s.config.ChunkSize,
		Force:       s.config.ForceChunkSize,
		TotalChunks: len(c.chunks),
	}
	if s.config.Journal != nil {
		c.recorded = s.recordedChunks(f.ID, c.layout)
	}
	return c
}

// recordedChunks returns the journal records of a file planned with layout.
// Records of another layout are dropped.
func (s *Session) recordedChunks(id string, layout Layout) []int {
	stored, indexes, err := s.config.Journal.Uploaded(id)
	if err != nil {
		s.logger.Warnf("Failed to read recorded chunks of %s: %s", id, err)
		return nil
	}
	if len(indexes) == 0 || stored == layout {
		return indexes
	}

	s.logger.Warnf("Ignoring %d recorded chunk(s) of %s: recorded with %d byte chunks to %q, planned with %d byte chunks to %q",
		len(indexes), id, stored.ChunkSize, stored.Target, layout.ChunkSize, layout.Target)
	if err := s.config.Journal.Forget(id); err != nil {
		s.logger.Warnf("Failed to forget %s: %s", id, err)
	}
	return nil
}
