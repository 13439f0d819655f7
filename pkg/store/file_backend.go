package store

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// FileBackend stores each document as a YAML file in a directory. Conditional
// writes are only serialized within one process.
type FileBackend struct {
	mu     sync.Mutex
	dir    string
	closed bool
}

var _ Backend = (*FileBackend)(nil)

func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		return nil, errors.New("file backend: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "file backend: could not create %s", dir)
	}
	return &FileBackend{dir: dir}, nil
}

func (f *FileBackend) path(key Key) string {
	return filepath.Join(f.dir, url.PathEscape(string(key))+".yaml")
}

func (f *FileBackend) Get(_ context.Context, key Key) (Document, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return Document{}, false, ErrClosed
	}
	return f.readLocked(key)
}

func (f *FileBackend) readLocked(key Key) (Document, bool, error) {
	b, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return Document{}, false, nil
		}
		return Document{}, false, errors.Wrapf(err, "file backend: could not read %s", key)
	}
	var doc Document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return Document{}, false, errors.Wrapf(err, "file backend: could not decode %s", key)
	}
	doc.Key = key
	return doc, true, nil
}

func (f *FileBackend) Put(_ context.Context, key Key, value string, expectedRevision uint64) (Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return Document{}, ErrClosed
	}

	current, _, err := f.readLocked(key)
	if err != nil {
		return Document{}, err
	}
	doc, err := nextDocument(key, value, current.Revision, expectedRevision, time.Now().UTC())
	if err != nil {
		return Document{}, err
	}

	b, err := yaml.Marshal(&doc)
	if err != nil {
		return Document{}, errors.Wrapf(err, "file backend: could not encode %s", key)
	}
	if err := writeFileAtomic(f.path(key), b, 0o644); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "file backend: could not create dir for %s", path)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return errors.Wrapf(err, "file backend: could not write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "file backend: could not rename %s", tmp)
	}
	return nil
}
