package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

var (
	// ErrNotFound is returned when an id is absent at read or patch time.
	ErrNotFound = errors.New("session record not found")
	// ErrConflict is returned by CreateRecord when the id already exists.
	ErrConflict = errors.New("session id already exists")
	// ErrIndeterminate is returned when a write may or may not have been applied,
	// e.g. a timeout or a dropped connection mid-write.
	ErrIndeterminate = errors.New("session store write outcome indeterminate")
	// ErrUnavailable is returned for definite store failures.
	ErrUnavailable = errors.New("session store unavailable")
)

// WriteError classifies a failed write. Timeouts, cancellations and connection
// losses become ErrIndeterminate; anything else ErrUnavailable.
func WriteError(err error) error {
	if err == nil {
		return nil
	}
	if isIndeterminate(err) {
		return fmt.Errorf("%w: %v", ErrIndeterminate, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// ReadError classifies a failed read. Reads are always safe to retry, so every
// failure is ErrUnavailable.
func ReadError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func isIndeterminate(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
