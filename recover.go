package gocal

import (
	"fmt"
	"runtime/debug"
)

// RecoveryError wraps a panic value with the stack trace.
// Panics raised by receive callbacks and payload writers are converted to
// RecoveryError and reported instead of crashing the delivery goroutine.
type RecoveryError struct {
	// PanicValue is the original value that was passed to panic().
	PanicValue any
	// StackTrace contains the full stack trace at the point of panic.
	StackTrace string
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.PanicValue)
}

// Unwrap returns the panic value when it is an error.
func (e *RecoveryError) Unwrap() error {
	if err, ok := e.PanicValue.(error); ok {
		return err
	}
	return nil
}

// recoverInto stores a recovered panic in err. Must be deferred directly.
func recoverInto(err *error) {
	if r := recover(); r != nil {
		*err = &RecoveryError{
			PanicValue: r,
			StackTrace: string(debug.Stack()),
		}
	}
}
