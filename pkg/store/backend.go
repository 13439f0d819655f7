package store

import (
	"context"
	"time"
)

// Key names a logical document.
type Key string

const (
	// PrimaryKey holds the transcript text.
	PrimaryKey Key = "multilogue"
	// AuxiliaryKey holds the reasoning notes of the last inference reply.
	AuxiliaryKey Key = "thoughts"
)

// Document is one stored value together with its revision. Revisions start at
// 1 for the first write and grow by one on every write.
type Document struct {
	Key       Key       `json:"key" yaml:"key"`
	Value     string    `json:"value" yaml:"value"`
	Revision  uint64    `json:"revision" yaml:"revision"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updated_at"`
}

// Backend is the persistent capability behind a Store. Put with an expected
// revision of 0 writes unconditionally; any other value fails with a
// *VersionConflictError if the stored revision differs. An absent document has
// revision 0.
type Backend interface {
	Get(ctx context.Context, key Key) (Document, bool, error)
	Put(ctx context.Context, key Key, value string, expectedRevision uint64) (Document, error)
	Close() error
}

func nextDocument(key Key, value string, current uint64, expected uint64, now time.Time) (Document, error) {
	if expected != 0 && expected != current {
		return Document{}, &VersionConflictError{Key: key, Expected: expected, Actual: current}
	}
	return Document{
		Key:       key,
		Value:     value,
		Revision:  current + 1,
		UpdatedAt: now,
	}, nil
}
