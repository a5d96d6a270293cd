package store

import (
	"errors"
	"fmt"
)

// InitError is returned by Open when the data directory cannot be safely
// opened: a missing required singleton, an endpoint mismatch without an
// explicit override, or an RNG failure while minting the sketch secret.
// It is always fatal — the caller should refuse to start.
type InitError struct {
	Reason string
}

func (e *InitError) Error() string { return "init: " + e.Reason }

func newInitError(format string, args ...any) error {
	return &InitError{Reason: fmt.Sprintf(format, args...)}
}

// BadStateError means a required singleton (rollup cursor, takeoff time)
// was absent when a query needed it. Fatal for the surfacing call, but
// not for the process.
type BadStateError struct {
	Reason string
}

func (e *BadStateError) Error() string { return "bad state: " + e.Reason }

func newBadStateError(format string, args ...any) error {
	return &BadStateError{Reason: fmt.Sprintf(format, args...)}
}

// IntegrityError signals that a rank row references a missing aggregate
// cell, or that a rank row's sort key disagrees with its cell. This is
// always a sign of corruption or a programming bug in the rollup path,
// never a transient condition.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string { return "integrity: " + e.Reason }

func newIntegrityError(format string, args ...any) error {
	return &IntegrityError{Reason: fmt.Sprintf(format, args...)}
}

// DecodeError means a single row failed to decode under its schema. It is
// scoped to the row that failed — callers should skip that row and
// continue rather than aborting an entire query.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "decode: " + e.Reason }

func newDecodeError(format string, args ...any) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// ErrBackgroundAlreadyStarted is returned by Engine.AcquireBackground when
// a second caller tries to obtain the maintenance handle. It is a caller
// error, not fatal to the process.
var ErrBackgroundAlreadyStarted = errors.New("store: background maintenance handle already acquired")

// ErrInvalidKeyComponent is returned when a DID, NSID, or RKey contains
// an embedded NUL byte, which would corrupt the null-terminated
// composite key encoding.
var ErrInvalidKeyComponent = errors.New("store: key component must not contain a NUL byte")
