package upload

import (
	"context"
	"time"

	"github.com/bitrise-io/go-resumable/chunk"
	"github.com/bitrise-io/go-resumable/transport"
	"github.com/hashicorp/go-retryablehttp"
)

// task is a pending chunk in the session queue.
type task struct {
	file      *fileState
	index     int
	notBefore time.Time
}

// scheduler state, guarded by the session lock.
type scheduler struct {
	queue    []*task
	inFlight int
	timer    *time.Timer
	wakeAt   time.Time
}

type outcome struct {
	skipped bool
	resp    transport.Response
	bytes   int64
	err     error
}

// enqueueLocked appends the pending chunks of f to the queue in index order.
func (s *Session) enqueueLocked(f *fileState) {
	for _, index := range f.pending() {
		s.sched.queue = append(s.sched.queue, &task{file: f, index: index})
	}
}

// dropLocked removes the queued chunks of f.
func (s *Session) dropLocked(f *fileState) {
	queue := s.sched.queue[:0]
	for _, t := range s.sched.queue {
		if t.file != f {
			queue = append(queue, t)
		}
	}
	for i := len(queue); i < len(s.sched.queue); i++ {
		s.sched.queue[i] = nil
	}
	s.sched.queue = queue
}

// pumpLocked fills the free slots with the first eligible chunks of the queue.
func (s *Session) pumpLocked() {
	defer s.broadcastLocked()

	if s.closed {
		return
	}

	now := time.Now()
	var next time.Time
	for i := 0; i < len(s.sched.queue) && s.sched.inFlight < s.config.SimultaneousUploads; {
		t := s.sched.queue[i]
		if t.file.status != StatusUploading {
			i++
			continue
		}
		if t.notBefore.After(now) {
			if next.IsZero() || t.notBefore.Before(next) {
				next = t.notBefore
			}
			i++
			continue
		}

		s.sched.queue = append(s.sched.queue[:i], s.sched.queue[i+1:]...)
		s.dispatchLocked(t)
	}

	if !next.IsZero() {
		s.wakeAtLocked(next)
	}
}

func (s *Session) wakeAtLocked(at time.Time) {
	if s.sched.timer != nil && !s.sched.wakeAt.IsZero() && !at.Before(s.sched.wakeAt) {
		return
	}
	if s.sched.timer != nil {
		s.sched.timer.Stop()
	}

	s.sched.wakeAt = at
	s.sched.timer = time.AfterFunc(time.Until(at), func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.sched.wakeAt = time.Time{}
		s.pumpLocked()
	})
}

func (s *Session) dispatchLocked(t *task) {
	f := t.file
	f.dispatch(t.index)
	s.sched.inFlight++
	s.config.Metrics.chunkStarted()

	req := transport.Request{
		Chunk:        f.chunks[t.index],
		ChunkSize:    s.config.ChunkSize,
		FileName:     f.file.Name,
		RelativePath: f.file.RelativePath,
		FileType:     f.file.Type,
		FileSize:     f.file.Size,
	}

	s.wg.Add(1)
	go s.run(f, t.index, req)
}

// run performs one chunk exchange and hands the result back to the session.
// The slot stays taken until the result is settled, including the
// finalization of the file after its last chunk.
func (s *Session) run(f *fileState, index int, req transport.Request) {
	defer s.wg.Done()

	start := time.Now()
	out := s.exchange(f, req)
	if out.err == nil && s.config.Journal != nil {
		if err := s.config.Journal.MarkUploaded(f.id(), f.layout, index); err != nil {
			s.logger.Warnf("Failed to record chunk %d of %s: %s", index+1, f.id(), err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settleLocked(f, index, out, time.Since(start)) {
		s.mu.Unlock()
		resp, err := s.finalize(f)
		s.mu.Lock()

		s.finishLocked(f, index, resp, err)
	}

	s.sched.inFlight--
	s.pumpLocked()
}

func (s *Session) exchange(f *fileState, req transport.Request) outcome {
	if s.config.TestChunks {
		ctx, cancel := s.chunkContext(f.ctx)
		present, err := s.transport.Probe(ctx, req)
		cancel()

		switch {
		case err == nil && present:
			s.logger.Debugf("Chunk %d/%d of %s is already uploaded", req.Chunk.Index+1, req.Chunk.Total, f.id())
			return outcome{skipped: true}
		case transport.IsCancelled(err):
			return outcome{err: err}
		case err != nil:
			s.logger.Debugf("Probe of chunk %d/%d of %s failed, uploading it: %s", req.Chunk.Index+1, req.Chunk.Total, f.id(), err)
		}
	}

	payload, err := chunk.ReadPayload(f.file.Reader, req.Chunk, f.file.Size)
	if err != nil {
		return outcome{err: err}
	}
	req.Payload = payload

	ctx, cancel := s.chunkContext(f.ctx)
	defer cancel()

	resp, err := s.transport.Upload(ctx, req)
	return outcome{resp: resp, bytes: int64(len(payload)), err: err}
}

func (s *Session) chunkContext(parent context.Context) (context.Context, context.CancelFunc) {
	if s.config.ChunkTimeout > 0 {
		return context.WithTimeout(parent, s.config.ChunkTimeout)
	}
	return context.WithCancel(parent)
}

// settleLocked applies the outcome of a chunk exchange. It reports whether
// the file is waiting for finalization.
func (s *Session) settleLocked(f *fileState, index int, out outcome, elapsed time.Duration) bool {
	if !s.activeLocked(f) {
		s.config.Metrics.chunkFinished(resultDiscarded, 0, elapsed)
		return false
	}

	if out.err != nil {
		s.failChunkLocked(f, index, out.err, elapsed)
		return false
	}

	result := resultUploaded
	if out.skipped {
		result = resultSkipped
	}
	s.config.Metrics.chunkFinished(result, out.bytes, elapsed)

	if !f.succeed(index) {
		s.emitLocked(Event{Type: EventFileProgress, File: f.snapshot(), Chunk: index})
		return false
	}

	if s.finalizer != nil {
		return true
	}
	s.completeLocked(f, index, out.resp)
	return false
}

func (s *Session) failChunkLocked(f *fileState, index int, err error, elapsed time.Duration) {
	attempts := f.fail(index)

	if transport.IsRetryable(err) && attempts <= s.config.MaxRetries {
		s.config.Metrics.chunkFinished(resultRetried, 0, elapsed)

		wait := retryablehttp.DefaultBackoff(s.config.RetryWaitMin, s.config.RetryWaitMax, attempts-1, nil)
		f.requeue(index)
		s.sched.queue = append(s.sched.queue, &task{file: f, index: index, notBefore: time.Now().Add(wait)})

		s.logger.Warnf("Chunk %d/%d of %s failed (attempt %d), retrying in %s: %s",
			index+1, len(f.chunks), f.id(), attempts, wait, err)
		return
	}

	s.config.Metrics.chunkFinished(resultFailed, 0, elapsed)
	s.errorLocked(f, &FileError{FileID: f.id(), Chunk: index, Attempts: attempts, Err: err})
}

func (s *Session) finalize(f *fileState) (transport.Response, error) {
	ctx, cancel := s.chunkContext(f.ctx)
	defer cancel()

	return s.finalizer.Finalize(ctx, fileRef(f))
}

func (s *Session) finishLocked(f *fileState, index int, resp transport.Response, err error) {
	if !s.activeLocked(f) {
		return
	}
	if err != nil {
		s.errorLocked(f, &FileError{FileID: f.id(), Chunk: -1, Attempts: 1, Err: err})
		return
	}
	s.completeLocked(f, index, resp)
}

func (s *Session) completeLocked(f *fileState, index int, resp transport.Response) {
	f.complete(resp.Body, s.config.FileNameField)
	s.config.Metrics.fileFinished(StatusCompleted.String())
	s.logger.Debugf("Uploaded %s (%d chunks)", f.file.Name, len(f.chunks))

	snapshot := f.snapshot()
	s.emitLocked(Event{Type: EventFileProgress, File: snapshot, Chunk: index})
	s.emitLocked(Event{Type: EventFileSuccess, File: snapshot, Chunk: -1, Response: resp.Body})

	if journal := s.config.Journal; journal != nil {
		id := f.id()
		s.background(func() {
			if err := journal.Forget(id); err != nil {
				s.logger.Warnf("Failed to forget %s: %s", id, err)
			}
		})
	}

	s.checkCompleteLocked()
}

func (s *Session) errorLocked(f *fileState, err *FileError) {
	f.abort(StatusErrored, err)
	s.dropLocked(f)
	s.config.Metrics.fileFinished(StatusErrored.String())
	s.logger.Debugf("Upload of %s failed: %s", f.file.Name, err)

	s.emitLocked(Event{Type: EventFileError, File: f.snapshot(), Chunk: -1, Err: err})
	s.checkCompleteLocked()
}

// activeLocked reports whether results for f still apply.
func (s *Session) activeLocked(f *fileState) bool {
	if s.closed || s.files[f.id()] != f {
		return false
	}
	return f.status == StatusUploading || f.status == StatusPaused
}

func fileRef(f *fileState) transport.FileRef {
	return transport.FileRef{
		ID:          f.file.ID,
		Name:        f.file.Name,
		Type:        f.file.Type,
		Size:        f.file.Size,
		TotalChunks: len(f.chunks),
	}
}
