package upload

import (
	"errors"
	"sync"
	"time"

	"github.com/bitrise-io/go-resumable/transport"
	"github.com/bitrise-io/go-utils/v2/analytics"
)

// Tracker reports session outcomes as analytics events. Register Handle
// with Session.Subscribe and call Wait before exiting.
type Tracker struct {
	tracker analytics.Tracker

	mu      sync.Mutex
	started time.Time
	files   int
	bytes   int64
}

// NewTracker ...
func NewTracker(tracker analytics.Tracker) *Tracker {
	return &Tracker{tracker: tracker}
}

// Handle is a Handler.
func (t *Tracker) Handle(e Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch e.Type {
	case EventUploadStarted:
		t.started = time.Now()
		t.files = 0
		t.bytes = 0
	case EventFileSuccess:
		t.files++
		t.bytes += e.File.Size
		t.tracker.Enqueue("chunked_upload_file_uploaded", analytics.Properties{
			"upload_size_bytes": e.File.Size,
			"chunk_count":       e.File.TotalChunks,
			"upload_time_s":     t.elapsed().Truncate(time.Second).Seconds(),
		})
	case EventFileError:
		t.tracker.Enqueue("chunked_upload_file_failed", analytics.Properties{
			"upload_size_bytes": e.File.Size,
			"reason":            failureReason(e.Err),
		})
	case EventUploadCancelled:
		if e.File.ID == "" {
			t.tracker.Enqueue("chunked_upload_cancelled", analytics.Properties{
				"upload_time_s": t.elapsed().Truncate(time.Second).Seconds(),
			})
		}
	case EventUploadComplete:
		t.tracker.Enqueue("chunked_upload_completed", analytics.Properties{
			"file_count":        t.files,
			"upload_size_bytes": t.bytes,
			"upload_time_s":     t.elapsed().Truncate(time.Second).Seconds(),
		})
	}
}

// Wait blocks until the queued analytics events are sent.
func (t *Tracker) Wait() {
	t.tracker.Wait()
}

func (t *Tracker) elapsed() time.Duration {
	if t.started.IsZero() {
		return 0
	}
	return time.Since(t.started)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrTypeRejected):
		return "type_rejected"
	case errors.Is(err, ErrSizeExceeded):
		return "size_exceeded"
	case errors.Is(err, ErrCountExceeded):
		return "count_exceeded"
	}
	if kind := transport.KindOf(err); kind != 0 {
		return kind.String()
	}
	return "other"
}
