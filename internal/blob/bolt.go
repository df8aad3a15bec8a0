package blob

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	objectBucket      = "objects"
	contentTypeBucket = "content_types"
)

// Bolt stores blobs in a single BoltDB file.
type Bolt struct {
	db      *bbolt.DB
	baseURL string
}

// OpenBolt opens or creates the blob database at path.
func OpenBolt(path, baseURL string) (*Bolt, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("blob db path is required")
	}
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open blob db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{objectBucket, contentTypeBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db, baseURL: baseURL}, nil
}

// Close closes the underlying database.
func (s *Bolt) Close() error {
	return s.db.Close()
}

func (s *Bolt) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(objectBucket)).Put([]byte(cleaned), data); err != nil {
			return err
		}
		return tx.Bucket([]byte(contentTypeBucket)).Put([]byte(cleaned), []byte(contentType))
	})
	if err != nil {
		return "", fmt.Errorf("put blob: %w", err)
	}
	return publicURL(s.baseURL, cleaned), nil
}

func (s *Bolt) Get(ctx context.Context, key string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	cleaned, err := CleanKey(key)
	if err != nil {
		return Object{}, err
	}
	var obj Object
	err = s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(objectBucket)).Get([]byte(cleaned))
		if data == nil {
			return ErrNotFound
		}
		// Values are only valid for the life of the transaction.
		obj.Data = append([]byte(nil), data...)
		obj.ContentType = string(tx.Bucket([]byte(contentTypeBucket)).Get([]byte(cleaned)))
		return nil
	})
	if err != nil {
		return Object{}, err
	}
	return obj, nil
}
