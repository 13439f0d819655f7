package store

import (
	"errors"
	"fmt"
)

var (
	ErrVersionConflict = errors.New("version conflict")
	ErrClosed          = errors.New("store is closed")
)

// VersionConflictError reports a conditional write whose expected revision did
// not match the stored one.
type VersionConflictError struct {
	Key      Key
	Expected uint64
	Actual   uint64
}

func (e *VersionConflictError) Error() string {
	if e == nil {
		return ErrVersionConflict.Error()
	}
	return fmt.Sprintf("document %q version conflict: expected=%d actual=%d", e.Key, e.Expected, e.Actual)
}

func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }
