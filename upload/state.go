package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bitrise-io/go-resumable/chunk"
)

// ChunkState is the upload state of a single chunk.
type ChunkState int

const (
	// ChunkPending chunks wait in the queue.
	ChunkPending ChunkState = iota
	// ChunkInFlight chunks are being exchanged with the transport.
	ChunkInFlight
	// ChunkUploaded ...
	ChunkUploaded
	// ChunkFailed chunks failed their last attempt.
	ChunkFailed
)

func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkInFlight:
		return "in flight"
	case ChunkUploaded:
		return "uploaded"
	case ChunkFailed:
		return "failed"
	default:
		return fmt.Sprintf("chunk state(%d)", int(s))
	}
}

// Status is the status of a file.
type Status int

const (
	// StatusQueued files are admitted but not started.
	StatusQueued Status = iota + 1
	StatusUploading
	StatusPaused
	StatusCompleted
	StatusCancelled
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusUploading:
		return "uploading"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusErrored:
		return "errored"
	default:
		return "none"
	}
}

// Terminal reports whether no transition leaves the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusErrored
}

// FileSnapshot is a copy of a file's state at one point in time.
type FileSnapshot struct {
	ID             string
	Name           string
	RelativePath   string
	Type           string
	Size           int64
	Status         Status
	Progress       float64
	UploadedChunks int
	TotalChunks    int
	// ServerFileName is the name the receiving side stored the file under, if it told.
	ServerFileName string
	Err            error
}

// fileState is owned by the session and mutated under the session lock only.
type fileState struct {
	file   File
	chunks []chunk.Descriptor
	layout Layout

	states   []ChunkState
	retries  []int
	uploaded int
	// uploadedBytes excludes the chunk that completes the file until the
	// file is Completed, so progress is 1 only for completed files.
	uploadedBytes int64

	status          Status
	pausedBySession bool
	err             error
	serverFileName  string

	ctx    context.Context
	cancel context.CancelFunc
}

func newFileState(parent context.Context, file File, chunks []chunk.Descriptor) *fileState {
	ctx, cancel := context.WithCancel(parent)
	return &fileState{
		file:    file,
		chunks:  chunks,
		states:  make([]ChunkState, len(chunks)),
		retries: make([]int, len(chunks)),
		status:  StatusQueued,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (f *fileState) id() string {
	return f.file.ID
}

// markRecorded marks chunks uploaded by an earlier session. The last chunk
// is always left pending so that the file completes through an upload.
func (f *fileState) markRecorded(indexes []int) {
	for _, index := range indexes {
		if index < 0 || index >= len(f.states) || f.states[index] != ChunkPending {
			continue
		}
		f.states[index] = ChunkUploaded
		f.uploaded++
		f.uploadedBytes += f.chunks[index].Span(f.file.Size)
	}

	if f.uploaded == len(f.chunks) {
		last := len(f.chunks) - 1
		f.states[last] = ChunkPending
		f.uploaded--
		f.uploadedBytes -= f.chunks[last].Span(f.file.Size)
	}
}

func (f *fileState) pending() []int {
	var indexes []int
	for i, s := range f.states {
		if s == ChunkPending {
			indexes = append(indexes, i)
		}
	}
	return indexes
}

func (f *fileState) dispatch(index int) {
	f.states[index] = ChunkInFlight
}

// succeed marks the chunk uploaded and reports whether it was the last one missing.
func (f *fileState) succeed(index int) bool {
	if f.states[index] != ChunkInFlight {
		return false
	}
	f.states[index] = ChunkUploaded
	f.uploaded++
	if f.uploaded == len(f.chunks) {
		return true
	}
	f.uploadedBytes += f.chunks[index].Span(f.file.Size)
	return false
}

func (f *fileState) fail(index int) int {
	f.states[index] = ChunkFailed
	f.retries[index]++
	return f.retries[index]
}

func (f *fileState) requeue(index int) {
	if f.states[index] == ChunkFailed {
		f.states[index] = ChunkPending
	}
}

func (f *fileState) complete(body []byte, fileNameField string) {
	f.status = StatusCompleted
	f.uploadedBytes = f.file.Size
	f.serverFileName = serverFileName(body, fileNameField)
	f.cancel()
}

func (f *fileState) abort(status Status, err error) {
	f.status = status
	f.err = err
	f.pausedBySession = false
	f.cancel()
	if status == StatusCancelled {
		f.states = nil
		f.retries = nil
		f.uploaded = 0
		f.uploadedBytes = 0
	}
}

func (f *fileState) progress() float64 {
	switch {
	case f.status == StatusCompleted:
		return 1
	case f.file.Size == 0 || f.status == StatusCancelled:
		return 0
	}
	p := float64(f.uploadedBytes) / float64(f.file.Size)
	if p > 1 {
		p = 1
	}
	return p
}

func (f *fileState) snapshot() FileSnapshot {
	return FileSnapshot{
		ID:             f.file.ID,
		Name:           f.file.Name,
		RelativePath:   f.file.RelativePath,
		Type:           f.file.Type,
		Size:           f.file.Size,
		Status:         f.status,
		Progress:       f.progress(),
		UploadedChunks: f.uploaded,
		TotalChunks:    len(f.chunks),
		ServerFileName: f.serverFileName,
		Err:            f.err,
	}
}

// serverFileName reads field of a JSON response. Without a field the whole
// response text is the name.
func serverFileName(body []byte, field string) string {
	if field == "" {
		if !utf8.Valid(body) {
			return ""
		}
		return strings.TrimSpace(string(body))
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	name, _ := payload[field].(string)
	return name
}
