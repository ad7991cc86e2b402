package gocal

import (
	"errors"
	"fmt"
)

var (
	// ErrInit indicates that a publisher or subscriber could not be created.
	ErrInit = errors.New("gocal: initialization failed")
	// ErrInvalidState indicates an operation on a closed handle.
	ErrInvalidState = errors.New("gocal: invalid state")
	// ErrNotInitialized indicates that the runtime was finalized or its
	// context canceled.
	ErrNotInitialized = errors.New("gocal: runtime not initialized")
)

// InitError reports a failed publisher or subscriber construction.
type InitError struct {
	// Topic is the requested topic name.
	Topic string
	// Cause is the underlying failure.
	Cause error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("gocal: init %q: %v", e.Topic, e.Cause)
}

func (e *InitError) Unwrap() []error {
	return []error{ErrInit, e.Cause}
}

func newInitError(topic string, cause error) error {
	return &InitError{Topic: topic, Cause: cause}
}

func newInvalidState(op, topic string) error {
	return fmt.Errorf("%w: %s on closed handle for topic %q", ErrInvalidState, op, topic)
}
