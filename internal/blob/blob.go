// Package blob provides durable, addressable storage for uploaded files and
// downloaded images. Keys are slash-separated paths; the backing filesystem
// is abstracted behind afero so tests run against an in-memory fs.
package blob

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
)

type Store struct {
	fs   afero.Fs
	root string
}

func NewStore(fs afero.Fs, root string) *Store {
	return &Store{fs: fs, root: root}
}

func (s *Store) path(key string) string {
	return path.Join(s.root, path.Clean("/"+key))
}

// Put writes the full contents of r under key. The write goes to a temp file
// first and is renamed into place, so readers never observe a partial blob.
func (s *Store) Put(key string, r io.Reader) (int64, error) {
	dst := s.path(key)
	if err := s.fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("blob put %s: mkdir: %w", key, err)
	}

	tmp := dst + ".tmp"
	f, err := s.fs.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("blob put %s: create: %w", key, err)
	}

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = s.fs.Remove(tmp)
		return 0, fmt.Errorf("blob put %s: write: %w", key, err)
	}

	if err := s.fs.Rename(tmp, dst); err != nil {
		_ = s.fs.Remove(tmp)
		return 0, fmt.Errorf("blob put %s: rename: %w", key, err)
	}
	return n, nil
}

// Open returns a reader for the blob at key. The caller closes it.
func (s *Store) Open(key string) (io.ReadCloser, error) {
	f, err := s.fs.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s: %w", key, os.ErrNotExist)
		}
		return nil, fmt.Errorf("blob open %s: %w", key, err)
	}
	return f, nil
}

func (s *Store) Exists(key string) (bool, error) {
	return afero.Exists(s.fs, s.path(key))
}

func (s *Store) Delete(key string) error {
	err := s.fs.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every blob whose key starts with prefix.
func (s *Store) DeletePrefix(prefix string) error {
	dir := s.path(strings.TrimSuffix(prefix, "/"))
	err := s.fs.RemoveAll(dir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob delete prefix %s: %w", prefix, err)
	}
	return nil
}
