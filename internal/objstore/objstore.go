// Package objstore is the object storage layer for bronze objects, silver
// files and the ingestion checkpoint.
package objstore

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = eris.New("objstore: object not found")
	// ErrExists is returned by a create-only Put when the key is taken.
	ErrExists = eris.New("objstore: object already exists")
)

// PutOptions controls a single write.
type PutOptions struct {
	// Overwrite replaces an existing object. When false the write is
	// create-only and fails with ErrExists instead of clobbering data.
	Overwrite   bool
	ContentType string
}

// Store reads and writes whole objects by slash-separated key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, opts PutOptions) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// validateKey rejects keys that could escape the store root.
func validateKey(key string) error {
	if key == "" {
		return eris.New("objstore: empty key")
	}
	if strings.HasPrefix(key, "/") {
		return eris.Errorf("objstore: key %q must be relative", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." || part == "" {
			return eris.Errorf("objstore: invalid key %q", key)
		}
	}
	return nil
}
