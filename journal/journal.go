// Package journal persists acknowledged chunks in a bolt database so that an
// interrupted upload can continue in a later process.
package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-resumable/upload"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/boltdb/bolt"
)

var (
	chunksBucket = []byte("chunks")
	layoutKey    = []byte("layout")
)

var _ upload.Journal = (*Bolt)(nil)

// Bolt is an upload.Journal. Every file has a nested bucket under the chunks
// bucket, keyed by the big-endian chunk index, holding the time the chunk was
// recorded. The layout key of the file bucket holds the JSON encoded upload.Layout.
type Bolt struct {
	db     *bolt.DB
	logger log.Logger
}

// Open opens or creates the journal database at path.
func Open(path string, logger log.Logger) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chunksBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create journal bucket: %w", err)
	}

	logger.Debugf("Opened upload journal at %s", path)

	return &Bolt{db: db, logger: logger}, nil
}

// Uploaded returns the layout of a file and its recorded chunk indexes in ascending order.
func (j *Bolt) Uploaded(fileID string) (upload.Layout, []int, error) {
	var layout upload.Layout
	var indexes []int
	err := j.db.View(func(tx *bolt.Tx) error {
		files := tx.Bucket(chunksBucket)
		if files == nil {
			return nil
		}
		b := files.Bucket([]byte(fileID))
		if b == nil {
			return nil
		}

		var err error
		if layout, err = readLayout(b); err != nil {
			return fmt.Errorf("invalid layout of %s: %w", fileID, err)
		}
		return b.ForEach(func(k, _ []byte) error {
			if bytes.Equal(k, layoutKey) {
				return nil
			}
			if len(k) != 8 {
				return fmt.Errorf("invalid chunk key of %s: %x", fileID, k)
			}
			indexes = append(indexes, int(binary.BigEndian.Uint64(k)))
			return nil
		})
	})
	if err != nil {
		return upload.Layout{}, nil, fmt.Errorf("read journal: %w", err)
	}
	return layout, indexes, nil
}

// MarkUploaded records a chunk. The records of the file are replaced if they
// were made with another layout.
func (j *Bolt) MarkUploaded(fileID string, layout upload.Layout, index int) error {
	if index < 0 {
		return fmt.Errorf("invalid chunk index: %d", index)
	}
	encoded, err := json.Marshal(layout)
	if err != nil {
		return fmt.Errorf("encode layout: %w", err)
	}

	err = j.db.Update(func(tx *bolt.Tx) error {
		files, err := tx.CreateBucketIfNotExists(chunksBucket)
		if err != nil {
			return err
		}

		b := files.Bucket([]byte(fileID))
		if b != nil {
			stored, err := readLayout(b)
			if err != nil || stored != layout {
				j.logger.Debugf("Dropping the records of %s made with another layout", fileID)
				if err := files.DeleteBucket([]byte(fileID)); err != nil {
					return err
				}
				b = nil
			}
		}
		if b == nil {
			if b, err = files.CreateBucket([]byte(fileID)); err != nil {
				return err
			}
			if err := b.Put(layoutKey, encoded); err != nil {
				return err
			}
		}
		return b.Put(chunkKey(index), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
	if err != nil {
		return fmt.Errorf("record chunk %d of %s: %w", index, fileID, err)
	}
	return nil
}

// Forget drops every record of a file.
func (j *Bolt) Forget(fileID string) error {
	err := j.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(chunksBucket)
		if files == nil {
			return nil
		}
		if err := files.DeleteBucket([]byte(fileID)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("forget %s: %w", fileID, err)
	}
	return nil
}

// Files returns the identifiers of the files with recorded chunks.
func (j *Bolt) Files() ([]string, error) {
	var ids []string
	err := j.db.View(func(tx *bolt.Tx) error {
		files := tx.Bucket(chunksBucket)
		if files == nil {
			return nil
		}
		return files.ForEach(func(k, v []byte) error {
			// nested buckets have a nil value
			if v == nil {
				ids = append(ids, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	return ids, nil
}

// Close ...
func (j *Bolt) Close() error {
	return j.db.Close()
}

func readLayout(b *bolt.Bucket) (upload.Layout, error) {
	var layout upload.Layout
	encoded := b.Get(layoutKey)
	if encoded == nil {
		return layout, errors.New("missing layout")
	}
	err := json.Unmarshal(encoded, &layout)
	return layout, err
}

func chunkKey(index int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(index))
	return key
}
