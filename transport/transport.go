// Package transport performs the network exchange for single chunks: an
// optional existence probe and the chunk upload itself.
//
// Every call takes a context.Context. Cancelling it makes an in-flight call
// settle promptly with an *Error of kind Cancelled.
package transport

import (
	"context"

	"github.com/bitrise-io/go-resumable/chunk"
)

// Request describes one chunk exchange.
type Request struct {
	Chunk chunk.Descriptor
	// ChunkSize is the configured chunk size of the plan the chunk belongs to.
	ChunkSize    int64
	FileName     string
	RelativePath string
	FileType     string
	FileSize     int64
	// Payload is nil for probes.
	Payload []byte
}

// Response is the application payload returned by the receiving side.
type Response struct {
	StatusCode int
	Body       []byte
}

// FileRef identifies a whole file for transports that track per-file remote state.
type FileRef struct {
	ID          string
	Name        string
	Type        string
	Size        int64
	TotalChunks int
}

// Transport uploads chunks.
type Transport interface {
	// Probe reports whether the chunk is already present on the receiving side.
	Probe(ctx context.Context, req Request) (bool, error)

	// Upload sends the chunk payload.
	Upload(ctx context.Context, req Request) (Response, error)
}

// Finalizer is implemented by transports that need an explicit step once
// every chunk of a file is uploaded.
type Finalizer interface {
	Finalize(ctx context.Context, file FileRef) (Response, error)
}

// Aborter is implemented by transports that keep remote state which should
// be released when a file is cancelled.
type Aborter interface {
	Abort(ctx context.Context, file FileRef) error
}

// Wrapper is implemented by decorating transports.
type Wrapper interface {
	Unwrap() Transport
}

// AsFinalizer returns the first Finalizer in the decorator chain of t.
func AsFinalizer(t Transport) (Finalizer, bool) {
	for t != nil {
		if f, ok := t.(Finalizer); ok {
			return f, true
		}
		w, ok := t.(Wrapper)
		if !ok {
			return nil, false
		}
		t = w.Unwrap()
	}
	return nil, false
}

// AsAborter returns the first Aborter in the decorator chain of t.
func AsAborter(t Transport) (Aborter, bool) {
	for t != nil {
		if a, ok := t.(Aborter); ok {
			return a, true
		}
		w, ok := t.(Wrapper)
		if !ok {
			return nil, false
		}
		t = w.Unwrap()
	}
	return nil, false
}
