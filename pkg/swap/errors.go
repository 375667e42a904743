package swap

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	SignerUnavailable ErrorKind = "SignerUnavailable"
	Rejected          ErrorKind = "Rejected"
	SubmissionFailed  ErrorKind = "SubmissionFailed"
	Timeout           ErrorKind = "Timeout"
	Reverted          ErrorKind = "Reverted"
)

type ExecutionError struct {
	Kind ErrorKind
	Err  error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("swap %s: %v", e.Kind, e.Err)
	}
	return "swap " + string(e.Kind)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) Is(target error) bool {
	t, ok := target.(*ExecutionError)
	return ok && t.Kind == e.Kind
}

var (
	ErrSignerUnavailable = &ExecutionError{Kind: SignerUnavailable}
	ErrRejected          = &ExecutionError{Kind: Rejected}
	ErrSubmissionFailed  = &ExecutionError{Kind: SubmissionFailed}
	ErrTimeout           = &ExecutionError{Kind: Timeout}
	ErrReverted          = &ExecutionError{Kind: Reverted}

	// ErrTicketUsed: a ticket submits at most one transaction.
	ErrTicketUsed = errors.New("swap ticket already submitted")
)

func execErr(kind ErrorKind, err error) *ExecutionError {
	return &ExecutionError{Kind: kind, Err: err}
}
