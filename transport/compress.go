package transport

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// zstdEncoder compresses chunk payloads. EncodeAll is safe for concurrent use.
type zstdEncoder struct {
	encoder *zstd.Encoder
}

func newZstdEncoder() (*zstdEncoder, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &zstdEncoder{encoder: encoder}, nil
}

func (e *zstdEncoder) encode(payload []byte) []byte {
	return e.encoder.EncodeAll(payload, make([]byte, 0, len(payload)))
}

func (e *zstdEncoder) close() error {
	return e.encoder.Close()
}
