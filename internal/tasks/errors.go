package tasks

import (
	"errors"
	"fmt"
)

// fatalError marks a failure that retrying cannot fix: bad arguments,
// unknown task names, references to rows that do not exist. The runner
// dead-letters these immediately instead of burning the retry budget.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// Fatalf builds a non-retryable error.
func Fatalf(format string, args ...interface{}) error {
	return &fatalError{err: fmt.Errorf(format, args...)}
}

// IsFatal reports whether err (or anything it wraps) is non-retryable.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
