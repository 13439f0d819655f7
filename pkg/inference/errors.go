package inference

import (
	"errors"
	"fmt"
)

var (
	// ErrNothingToSend is returned when the transcript is empty.
	ErrNothingToSend = errors.New("dialogue is empty, nothing to send")
	// ErrCredentialRequired suspends a cycle until a credential is supplied
	// through ResumeWithCredential.
	ErrCredentialRequired = errors.New("credential required")
	// ErrBusy is returned when a cycle is started while another one is in flight.
	ErrBusy         = errors.New("an inference cycle is already running")
	ErrExternal     = errors.New("external failure")
	ErrInvalidReply = errors.New("invalid reply")
)

// ExternalError wraps a failure of a collaborator: the credential endpoint,
// the inference service, or the transport to either.
type ExternalError struct {
	Op  string
	Err error
}

func (e *ExternalError) Error() string {
	if e == nil || e.Err == nil {
		return ErrExternal.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExternalError) Unwrap() error { return e.Err }

func (e *ExternalError) Is(target error) bool { return target == ErrExternal }

// CredentialError reports that no credential could be obtained.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string {
	if e == nil || e.Err == nil {
		return ErrCredentialRequired.Error()
	}
	return fmt.Sprintf("%s: %v", ErrCredentialRequired, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

func (e *CredentialError) Is(target error) bool { return target == ErrCredentialRequired }
