// Package chunk splits files into fixed-size, contiguous byte ranges and reads their payloads.
package chunk

import (
	"errors"
	"fmt"
)

// ErrInvalidInput is returned when a plan is requested for a negative file size or a non-positive chunk size.
var ErrInvalidInput = errors.New("invalid input")

// Descriptor identifies one chunk of a file.
type Descriptor struct {
	FileID string
	// Index is 0-based and contiguous within a file.
	Index  int
	Offset int64
	// Length is the declared chunk length. It only differs from the bytes
	// actually present in the file for the last chunk of a forced plan.
	Length int64
	// Total is the number of chunks of the file.
	Total int
}

// End returns the exclusive end offset of the declared byte range.
func (d Descriptor) End() int64 {
	return d.Offset + d.Length
}

// Span returns how many bytes of d lie inside a file of the given size.
func (d Descriptor) Span(fileSize int64) int64 {
	end := d.End()
	if end > fileSize {
		end = fileSize
	}
	if end <= d.Offset {
		return 0
	}
	return end - d.Offset
}

// IsLast ...
func (d Descriptor) IsLast() bool {
	return d.Index == d.Total-1
}

// Plan returns the ordered chunk descriptors of a file.
//
// Without force the descriptors partition [0, fileSize) exactly: every chunk
// is chunkSize long except the last one, which holds the remainder.
// With force every descriptor declares chunkSize bytes, so the last one may
// reach past the end of the file; ReadPayload clamps such reads at EOF.
//
// A zero-byte file yields exactly one zero-length chunk, so the receiving
// side still gets a request for it.
func Plan(fileID string, fileSize, chunkSize int64, force bool) ([]Descriptor, error) {
	if fileSize < 0 {
		return nil, fmt.Errorf("file size %d: %w", fileSize, ErrInvalidInput)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size %d: %w", chunkSize, ErrInvalidInput)
	}

	if fileSize == 0 {
		return []Descriptor{{FileID: fileID, Index: 0, Offset: 0, Length: 0, Total: 1}}, nil
	}

	count := NumChunks(fileSize, chunkSize)
	descriptors := make([]Descriptor, count)
	for i := 0; i < count; i++ {
		offset := int64(i) * chunkSize
		length := chunkSize
		if !force && i == count-1 {
			length = fileSize - offset
		}
		descriptors[i] = Descriptor{
			FileID: fileID,
			Index:  i,
			Offset: offset,
			Length: length,
			Total:  count,
		}
	}

	return descriptors, nil
}

// NumChunks returns the number of chunks a non-empty file of fileSize bytes is split into.
func NumChunks(fileSize, chunkSize int64) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 1
	}
	n := fileSize / chunkSize
	if fileSize%chunkSize != 0 {
		n++
	}
	return int(n)
}
