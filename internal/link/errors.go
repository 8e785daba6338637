package link

import (
	"errors"
	"fmt"
)

// Sentinel errors for the serial link.
var (
	ErrWriteTimeout = errors.New("link: write timeout")
	ErrNotConnected = errors.New("link: not connected")
	ErrNoDevice     = errors.New("link: no serial device")
)

// IOError is a transport failure.
// One raised by a poll step ends the connection.
type IOError struct {
	Op  string // "read", "write", "flush input" or "flush output"
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("link: %s failed: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// isFatal reports whether err should tear down the connection.
func isFatal(err error) bool {
	return err != nil && !errors.Is(err, ErrWriteTimeout)
}
