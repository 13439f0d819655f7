package transcript

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned when a codec receives something that is not text.
	ErrInvalidInput = errors.New("invalid input")
	// ErrMalformedBlock matches every *MalformedBlockError.
	ErrMalformedBlock = errors.New("malformed block")
)

// MalformedBlockError describes a block that was skipped while parsing.
type MalformedBlockError struct {
	Index  int
	Block  string
	Reason string
}

func (e *MalformedBlockError) Error() string {
	if e == nil {
		return ErrMalformedBlock.Error()
	}
	return fmt.Sprintf("%s %d: %s", ErrMalformedBlock, e.Index, e.Reason)
}

func (e *MalformedBlockError) Is(target error) bool { return target == ErrMalformedBlock }
