package chunk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ReadPayload reads the bytes of d from src.
// Reads never go past fileSize: a forced last chunk returns only the bytes the file has.
func ReadPayload(src io.ReaderAt, d Descriptor, fileSize int64) ([]byte, error) {
	size := d.Span(fileSize)
	if size == 0 {
		return []byte{}, nil
	}
	if src == nil {
		return nil, fmt.Errorf("read chunk %d: no source", d.Index+1)
	}

	payload := make([]byte, size)
	n, err := src.ReadAt(payload, d.Offset)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == size) {
		return nil, fmt.Errorf("read chunk %d at offset %d: %w", d.Index+1, d.Offset, err)
	}

	return payload[:n], nil
}

// FileSource reads chunks from a file on disk.
// Safe for parallel chunk reads, ReadAt does not share a file offset.
type FileSource struct {
	file *os.File
	path string
	info os.FileInfo
}

// OpenFile opens a local file as a chunk source.
func OpenFile(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &FileSource{file: file, path: path, info: info}, nil
}

// ReadAt ...
func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

// Path ...
func (s *FileSource) Path() string {
	return s.path
}

// Name returns the base name of the file.
func (s *FileSource) Name() string {
	return filepath.Base(s.path)
}

// Size ...
func (s *FileSource) Size() int64 {
	return s.info.Size()
}

// ModTime ...
func (s *FileSource) ModTime() time.Time {
	return s.info.ModTime()
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
