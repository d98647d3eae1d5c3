package writer

import (
	"errors"
	"fmt"
)

// ErrFatal matches every error that halted the writer.
var ErrFatal = errors.New("writer halted")

// FatalClass names the kind of fatal failure.
type FatalClass string

const (
	StorageWriteFailure FatalClass = "storage_write_failure"
	RotationFailure     FatalClass = "rotation_failure"
)

// FatalError is the terminating condition reported by Err.
type FatalError struct {
	Class FatalClass
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrFatal) true for any FatalError.
func (e *FatalError) Is(target error) bool {
	return target == ErrFatal
}
