package upload

import (
	"fmt"
	"time"
)

const (
	// DefaultChunkSize ...
	DefaultChunkSize = 1024 * 1024
	// DefaultMaxFileSize ...
	DefaultMaxFileSize = 10240000
)

// Config holds configuration for an upload session.
type Config struct {
	// ChunkSize is the size of every chunk but the last one.
	// Default: 1 MiB
	ChunkSize int64

	// ForceChunkSize makes the last chunk declare the full chunk size too.
	// Its payload is still clamped to the end of the file.
	ForceChunkSize bool

	// SimultaneousUploads is the maximum number of chunk exchanges in flight
	// across the whole session.
	// Default: 1
	SimultaneousUploads int

	// MaxFiles limits the number of files held by the session. 0 means no limit.
	MaxFiles int

	// MaxFileSize is the largest accepted file size in bytes. 0 means no limit.
	// Default: 10240000
	MaxFileSize int64

	// FileTypes lists the accepted file types. An entry is a MIME pattern
	// when it contains a slash (image/*), a glob on the file name when it
	// contains glob meta characters (*.tar.*), and an extension otherwise
	// (png, .png). Empty accepts every file.
	FileTypes []string

	// MaxRetries is the number of retries of a chunk after a retryable failure.
	// Default: 3
	MaxRetries int

	// RetryWaitMin and RetryWaitMax bound the exponential backoff between retries.
	// Default: 500ms and 30s
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// ChunkTimeout bounds every probe and upload call. 0 disables it.
	// Default: 2 minutes
	ChunkTimeout time.Duration

	// TestChunks probes every chunk before uploading it and skips the upload
	// if the receiving side already has it.
	TestChunks bool

	// FileNameField names the field of the final JSON response holding the
	// name the receiving side stored the file under.
	FileNameField string

	// AutoStart starts uploading right after admission.
	AutoStart bool

	// GenerateIdentifier overrides the default identifier derived from the
	// file's size, name and modification time. Resuming through probes or
	// the Journal only works if it returns the same identifier for the same
	// file every time; that is up to the caller once it is set.
	GenerateIdentifier func(File) string

	// Journal records uploaded chunks so that a later session can skip them.
	Journal Journal

	// Target names the receiving side in journal records. Chunks recorded
	// against another target are uploaded again.
	Target string

	// Metrics receives chunk and file level measurements.
	Metrics *Metrics
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:           DefaultChunkSize,
		SimultaneousUploads: 1,
		MaxFileSize:         DefaultMaxFileSize,
		MaxRetries:          3,
		RetryWaitMin:        500 * time.Millisecond,
		RetryWaitMax:        30 * time.Second,
		ChunkTimeout:        2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.SimultaneousUploads == 0 {
		c.SimultaneousUploads = 1
	}
	if c.RetryWaitMax < c.RetryWaitMin {
		c.RetryWaitMax = c.RetryWaitMin
	}
	return c
}

func (c Config) validate() error {
	switch {
	case c.ChunkSize < 0:
		return fmt.Errorf("chunk size must be positive, got: %d", c.ChunkSize)
	case c.SimultaneousUploads < 0:
		return fmt.Errorf("simultaneous uploads must be positive, got: %d", c.SimultaneousUploads)
	case c.MaxFiles < 0:
		return fmt.Errorf("max files must not be negative, got: %d", c.MaxFiles)
	case c.MaxFileSize < 0:
		return fmt.Errorf("max file size must not be negative, got: %d", c.MaxFileSize)
	case c.MaxRetries < 0:
		return fmt.Errorf("max retries must not be negative, got: %d", c.MaxRetries)
	case c.RetryWaitMin < 0:
		return fmt.Errorf("retry wait must not be negative, got: %s", c.RetryWaitMin)
	case c.ChunkTimeout < 0:
		return fmt.Errorf("chunk timeout must not be negative, got: %s", c.ChunkTimeout)
	}
	return nil
}
