package objstore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// FSStore keeps objects as files under a root directory.
type FSStore struct {
	root string
}

// NewFS creates the root directory if needed and returns a store rooted there.
func NewFS(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrapf(err, "objstore: create root %s", root)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Get reads the object at key.
func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, eris.Wrapf(ErrNotFound, "objstore: get %s", key)
		}
		return nil, eris.Wrapf(err, "objstore: get %s", key)
	}
	return data, nil
}

// Put writes data at key. Create-only writes use O_EXCL so two writers racing
// for the same key cannot both succeed; overwrites go through a temp file and
// rename so readers never see a partial object.
func (s *FSStore) Put(_ context.Context, key string, data []byte, opts PutOptions) error {
	if err := validateKey(key); err != nil {
		return err
	}
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "objstore: create dir for %s", key)
	}

	if !opts.Overwrite {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			if errors.Is(err, fs.ErrExist) {
				return eris.Wrapf(ErrExists, "objstore: put %s", key)
			}
			return eris.Wrapf(err, "objstore: put %s", key)
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return eris.Wrapf(err, "objstore: write %s", key)
		}
		return eris.Wrapf(f.Close(), "objstore: close %s", key)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return eris.Wrapf(err, "objstore: temp file for %s", key)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return eris.Wrapf(err, "objstore: write %s", key)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrapf(err, "objstore: close %s", key)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return eris.Wrapf(err, "objstore: rename into %s", key)
	}
	return nil
}

// List returns every key under prefix in lexical order.
func (s *FSStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Base(path)[0] == '.' {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "objstore: list %s", prefix)
	}
	sort.Strings(keys)
	return keys, nil
}
