package upload

import (
	"errors"
	"fmt"
)

var (
	// ErrTypeRejected ...
	ErrTypeRejected = errors.New("file type not accepted")
	// ErrSizeExceeded ...
	ErrSizeExceeded = errors.New("file size exceeds the limit")
	// ErrCountExceeded ...
	ErrCountExceeded = errors.New("too many files")

	// ErrFileNotFound is returned by file commands for unknown identifiers.
	ErrFileNotFound = errors.New("file not found")
	// ErrFileUploading is returned when removing a file that is still uploading.
	ErrFileUploading = errors.New("file is uploading")
	// ErrInvalidState is returned by file commands not allowed in the file's status.
	ErrInvalidState = errors.New("invalid file state")
	// ErrSessionClosed ...
	ErrSessionClosed = errors.New("session closed")
)

// AdmissionError is the reason a file was not admitted. Reason is one of
// ErrTypeRejected, ErrSizeExceeded and ErrCountExceeded, or the error that
// made the file impossible to plan.
type AdmissionError struct {
	FileID string
	Name   string
	Size   int64
	Type   string
	Reason error
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("file %s (%s) rejected: %s", e.Name, e.FileID, e.Reason)
}

func (e *AdmissionError) Unwrap() error {
	return e.Reason
}

// FileError is the terminal failure of an admitted file.
type FileError struct {
	FileID string
	// Chunk is the index of the chunk that failed, -1 if the failure is not chunk specific.
	Chunk    int
	Attempts int
	Err      error
}

func (e *FileError) Error() string {
	if e.Chunk < 0 {
		return fmt.Sprintf("upload of %s failed: %s", e.FileID, e.Err)
	}
	return fmt.Sprintf("upload of %s failed at chunk %d after %d attempt(s): %s", e.FileID, e.Chunk, e.Attempts, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}
