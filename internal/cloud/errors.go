package cloud

import "errors"

// transientError marks an error as retryable: the reconciler should
// skip this iteration and try again from scratch next tick rather
// than aborting (spec.md §4.1, §7).
type transientError struct {
	err error
}

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// Transient wraps err as a retryable error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsRetryable reports whether err (or anything it wraps) was marked
// transient by this package.
func IsRetryable(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}
