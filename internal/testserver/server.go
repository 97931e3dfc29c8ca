// Package testserver provides a resumable.js compatible receiving endpoint for tests.
// It stores chunks in memory and answers probes; it does not assemble files on disk.
package testserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/zstd"
)

// UploadPath is the path of the upload and probe endpoint.
const UploadPath = "/upload"

// Chunk is one received chunk.
type Chunk struct {
	Identifier   string
	Filename     string
	RelativePath string
	Type         string
	Number       int
	TotalChunks  int
	ChunkSize    int64
	CurrentSize  int64
	TotalSize    int64
	Data         []byte
}

type key struct {
	identifier string
	number     int
}

// Server is an in-memory chunk receiver.
type Server struct {
	*httptest.Server

	// Respond decides the outcome of an upload attempt before the chunk is
	// stored. A non-zero status is written as is and the chunk is dropped.
	Respond func(c Chunk, attempt int) int

	// Delay is applied to every upload.
	Delay time.Duration

	// FileParameterName is the multipart field of the payload.
	FileParameterName string

	mu          sync.Mutex
	chunks      map[key]Chunk
	attempts    map[key]int
	gate        chan struct{}
	inFlight    int
	maxInFlight int
	uploads     int
	probes      int
	lastHeader  http.Header
	decoder     *zstd.Decoder
}

// New starts a server. Close it with Close.
func New() *Server {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("create zstd decoder: %s", err))
	}

	s := &Server{
		FileParameterName: "file",
		chunks:            map[key]Chunk{},
		attempts:          map[key]int{},
		decoder:           decoder,
	}

	r := chi.NewRouter()
	r.HandleFunc(UploadPath, s.handle)
	s.Server = httptest.NewServer(r)

	return s
}

// UploadURL returns the absolute URL of the upload endpoint.
func (s *Server) UploadURL() string {
	return s.URL + UploadPath
}

// Close shuts the server down.
func (s *Server) Close() {
	s.Release()
	s.Server.Close()
	s.decoder.Close()
}

// Hold makes uploads block until Release is called.
func (s *Server) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate == nil {
		s.gate = make(chan struct{})
	}
}

// Release unblocks held uploads.
func (s *Server) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

// Store adds a chunk as if it had been uploaded before.
func (s *Server) Store(c Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[key{c.Identifier, c.Number}] = c
}

// Assembled returns the concatenated chunks of a file, false if any is missing.
func (s *Server) Assembled(identifier string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int
	var parts []Chunk
	for k, c := range s.chunks {
		if k.identifier == identifier {
			total = c.TotalChunks
			parts = append(parts, c)
		}
	}
	if total == 0 || len(parts) != total {
		return nil, false
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })
	var data []byte
	for _, c := range parts {
		data = append(data, c.Data...)
	}
	return data, true
}

// Chunks returns the stored chunks of a file ordered by number.
func (s *Server) Chunks(identifier string) []Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parts []Chunk
	for k, c := range s.chunks {
		if k.identifier == identifier {
			parts = append(parts, c)
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })
	return parts
}

// Attempts returns the number of upload requests received for a chunk (1-based number).
func (s *Server) Attempts(identifier string, number int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[key{identifier, number}]
}

// Uploads returns the number of upload requests received.
func (s *Server) Uploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads
}

// Probes returns the number of probe requests received.
func (s *Server) Probes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probes
}

// InFlight returns the number of uploads currently being handled.
func (s *Server) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// MaxInFlight returns the highest number of concurrently handled uploads.
func (s *Server) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

// LastHeader returns the headers of the last request.
func (s *Server) LastHeader() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeader.Clone()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.lastHeader = r.Header.Clone()
	s.mu.Unlock()

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		s.upload(w, r)
		return
	}
	s.probe(w, r)
}

func (s *Server) probe(w http.ResponseWriter, r *http.Request) {
	c, err := chunkFromValues(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.probes++
	_, ok := s.chunks[key{c.Identifier, c.Number}]
	s.mu.Unlock()

	if ok {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.uploads++
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	gate := s.gate
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-r.Context().Done():
			return
		}
	}

	if err := r.ParseMultipartForm(64 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c, err := chunkFromValues(url.Values(r.MultipartForm.Value))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile(s.FileParameterName)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if header.Header.Get("Content-Encoding") == "zstd" {
		data, err = s.decoder.DecodeAll(data, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	c.Data = data

	s.mu.Lock()
	k := key{c.Identifier, c.Number}
	s.attempts[k]++
	attempt := s.attempts[k]
	s.mu.Unlock()

	if s.Respond != nil {
		if status := s.Respond(c, attempt); status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}
	}

	s.mu.Lock()
	s.chunks[k] = c
	received := 0
	for stored := range s.chunks {
		if stored.identifier == c.Identifier {
			received++
		}
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if received == c.TotalChunks {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":   "complete",
			"fileName": "stored-" + c.Filename,
		})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "chunk_received"})
}

func chunkFromValues(values url.Values) (Chunk, error) {
	number, err := strconv.Atoi(values.Get("resumableChunkNumber"))
	if err != nil {
		return Chunk{}, fmt.Errorf("invalid resumableChunkNumber")
	}
	total, err := strconv.Atoi(values.Get("resumableTotalChunks"))
	if err != nil {
		return Chunk{}, fmt.Errorf("invalid resumableTotalChunks")
	}
	identifier := values.Get("resumableIdentifier")
	if identifier == "" {
		return Chunk{}, fmt.Errorf("resumableIdentifier is required")
	}

	chunkSize, _ := strconv.ParseInt(values.Get("resumableChunkSize"), 10, 64)
	currentSize, _ := strconv.ParseInt(values.Get("resumableCurrentChunkSize"), 10, 64)
	totalSize, _ := strconv.ParseInt(values.Get("resumableTotalSize"), 10, 64)

	return Chunk{
		Identifier:   identifier,
		Filename:     values.Get("resumableFilename"),
		RelativePath: values.Get("resumableRelativePath"),
		Type:         values.Get("resumableType"),
		Number:       number,
		TotalChunks:  total,
		ChunkSize:    chunkSize,
		CurrentSize:  currentSize,
		TotalSize:    totalSize,
	}, nil
}
