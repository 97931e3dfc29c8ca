package upload

import (
	"io"
	"mime"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-resumable/chunk"
)

// File is a file offered for admission.
type File struct {
	// ID is the file identifier. Left empty it is generated, see Config.GenerateIdentifier.
	ID           string
	Name         string
	RelativePath string
	Type         string
	Size         int64
	ModTime      time.Time
	// Reader is read concurrently, one ReadAt call per chunk.
	Reader io.ReaderAt
}

// LocalFile describes a file opened from disk. The type is guessed from the extension.
func LocalFile(src *chunk.FileSource, relativePath string) File {
	if relativePath == "" {
		relativePath = src.Name()
	}
	return File{
		Name:         src.Name(),
		RelativePath: relativePath,
		Type:         mime.TypeByExtension(filepath.Ext(src.Name())),
		Size:         src.Size(),
		ModTime:      src.ModTime(),
		Reader:       src,
	}
}

func (c Config) identify(f File) string {
	switch {
	case f.ID != "":
		return f.ID
	case c.GenerateIdentifier != nil:
		return c.GenerateIdentifier(f)
	default:
		return chunk.Identifier(f.Name, f.Size, f.ModTime)
	}
}
