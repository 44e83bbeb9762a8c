package eutils

import (
	"errors"
	"fmt"
)

// ErrMissingHistory is returned when esearch succeeds but omits the
// WebEnv or query key needed for paging.
var ErrMissingHistory = errors.New("esearch response has no history state")

// ErrResponseTooLarge is returned when a response body exceeds the
// configured size limit.
var ErrResponseTooLarge = errors.New("eutils response exceeds size limit")

// TransportError reports a network failure, timeout, or non-success status.
type TransportError struct {
	Query  string
	Stage  string
	Offset int
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("eutils %s (query %q, offset %d)", e.Stage, e.Query, e.Offset)
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// MalformedResponseError reports a body that could not be decoded.
type MalformedResponseError struct {
	Query  string
	Stage  string
	Offset int
	Err    error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("eutils %s (query %q, offset %d): malformed response: %v",
		e.Stage, e.Query, e.Offset, e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}
