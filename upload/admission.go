package upload

import (
	"strings"

	"github.com/bitrise-io/go-resumable/chunk"
	"github.com/bmatcuk/doublestar/v4"
)

// AdmissionResult lists the outcome of an Admit call.
type AdmissionResult struct {
	// Admitted holds the identifiers of the added files.
	Admitted []string
	Rejected []*AdmissionError
	// Duplicates holds the identifiers of files skipped because the session
	// already holds a file with the same identifier that is not cancelled or errored.
	Duplicates []string
}

type candidate struct {
	file     File
	chunks   []chunk.Descriptor
	layout   Layout
	recorded []int
	err      error
}

func (s *Session) admitLocked(candidates []candidate) AdmissionResult {
	var result AdmissionResult

	count := 0
	for _, f := range s.files {
		if f.status != StatusCancelled {
			count++
		}
	}

	for _, c := range candidates {
		id := c.file.ID

		existing, replacing := s.files[id]
		if replacing && existing.status != StatusCancelled && existing.status != StatusErrored {
			s.logger.Debugf("Skipping %s: already added as %s", c.file.Name, id)
			result.Duplicates = append(result.Duplicates, id)
			continue
		}

		held := count
		if replacing && existing.status == StatusErrored {
			held--
		}

		reason := c.err
		if reason == nil {
			reason = s.filter(c.file, held)
		}
		if reason != nil {
			admissionErr := &AdmissionError{
				FileID: id,
				Name:   c.file.Name,
				Size:   c.file.Size,
				Type:   c.file.Type,
				Reason: reason,
			}
			result.Rejected = append(result.Rejected, admissionErr)
			s.config.Metrics.fileFinished("rejected")
			s.logger.Warnf("%s", admissionErr)
			s.emitLocked(Event{
				Type: EventFileError,
				File: FileSnapshot{
					ID:           id,
					Name:         c.file.Name,
					RelativePath: c.file.RelativePath,
					Type:         c.file.Type,
					Size:         c.file.Size,
					Err:          admissionErr,
				},
				Chunk: -1,
				Err:   admissionErr,
			})
			continue
		}

		if replacing {
			s.detachLocked(id)
		}
		f := newFileState(s.ctx, c.file, c.chunks)
		f.layout = c.layout
		f.markRecorded(c.recorded)
		s.files[id] = f
		s.order = append(s.order, id)
		count = held + 1

		s.logger.Debugf("Added %s as %s (%d chunks, %d recorded)", c.file.Name, id, len(c.chunks), f.uploaded)
		s.emitLocked(Event{Type: EventFileAdded, File: f.snapshot(), Chunk: -1})
		result.Admitted = append(result.Admitted, id)
	}

	return result
}

// filter checks the type, the size and the count limit, in this order.
func (s *Session) filter(f File, held int) error {
	if !acceptsType(s.config.FileTypes, f) {
		return ErrTypeRejected
	}
	if s.config.MaxFileSize > 0 && f.Size > s.config.MaxFileSize {
		return ErrSizeExceeded
	}
	if s.config.MaxFiles > 0 && held >= s.config.MaxFiles {
		return ErrCountExceeded
	}
	return nil
}

func acceptsType(types []string, f File) bool {
	if len(types) == 0 {
		return true
	}

	name := strings.ToLower(f.Name)
	mediaType, _, _ := strings.Cut(strings.ToLower(f.Type), ";")
	mediaType = strings.TrimSpace(mediaType)

	for _, t := range types {
		t = strings.ToLower(strings.TrimSpace(t))
		switch {
		case t == "":
			continue
		case strings.Contains(t, "/"):
			if mediaType == "" {
				continue
			}
			if ok, err := doublestar.Match(t, mediaType); err == nil && ok {
				return true
			}
		case strings.ContainsAny(t, "*?[{"):
			if ok, err := doublestar.Match(t, name); err == nil && ok {
				return true
			}
		default:
			if strings.HasSuffix(name, "."+strings.TrimPrefix(t, ".")) {
				return true
			}
		}
	}
	return false
}
