package ptex

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfTextureMemory is returned when texture arrays cannot be
	// allocated. The cache stays un-bakeable until a later Rebuild succeeds.
	ErrOutOfTextureMemory = errors.New("ptex: out of texture memory")

	// ErrNotBakeable is returned by ticks on a cache whose last rebuild failed.
	ErrNotBakeable = errors.New("ptex: cache is not bakeable")

	// ErrBusy is returned by Prepare while another tick is in flight.
	ErrBusy = errors.New("ptex: update already in flight")

	// ErrStale marks a tick invalidated by a rebuild or cancel.
	ErrStale = errors.New("ptex: stale tick")
)

// InvariantError is the panic value raised when a cache invariant breaks.
// These are programming errors, never recoverable conditions.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "ptex invariant violated: " + e.Msg
}

func assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(&InvariantError{Msg: fmt.Sprintf(format, args...)})
	}
}
