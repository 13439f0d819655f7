package store

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps documents in a map. It is shared by every Store created
// on top of it, which makes it handy for tests and single-process servers.
type MemoryBackend struct {
	mu     sync.RWMutex
	docs   map[Key]Document
	closed bool
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: map[Key]Document{}}
}

func (m *MemoryBackend) Get(_ context.Context, key Key) (Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Document{}, false, ErrClosed
	}
	doc, ok := m.docs[key]
	return doc, ok, nil
}

func (m *MemoryBackend) Put(_ context.Context, key Key, value string, expectedRevision uint64) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Document{}, ErrClosed
	}
	doc, err := nextDocument(key, value, m.docs[key].Revision, expectedRevision, time.Now())
	if err != nil {
		return Document{}, err
	}
	m.docs[key] = doc
	return doc, nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
