package watchlist

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/mschirtzinger/changeguard/internal/event"
)

var (
	// ErrNotFound is returned for operations on a path with no entry.
	ErrNotFound = errors.New("watch entry not found")

	// ErrNativeCall is matched by every *NativeCallError.
	ErrNativeCall = errors.New("native call failed")

	// ErrPersistence is matched by every *PersistenceError.
	ErrPersistence = errors.New("watch list persistence failed")
)

// NativeCallError reports a failed call to the native service.
type NativeCallError struct {
	Op       string
	Family   event.Family
	Identity string
	Err      error
}

func (e *NativeCallError) Error() string {
	if e.Identity == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Family, e.Err)
	}
	return fmt.Sprintf("%s %s %q: %v", e.Op, e.Family, e.Identity, e.Err)
}

// Unwrap matches ErrNativeCall and the port error.
func (e *NativeCallError) Unwrap() []error {
	return []error{ErrNativeCall, e.Err}
}

// PersistenceError reports a failed read or write of the persisted list.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s watch list %s: %v", e.Op, e.Key, e.Err)
}

// Unwrap matches ErrPersistence and the storage error.
func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// combine returns nil, the single error, or a multierror of all of them.
func combine(errs ...error) error {
	var result *multierror.Error
	var only error
	n := 0
	for _, err := range errs {
		if err == nil {
			continue
		}
		n++
		only = err
		result = multierror.Append(result, err)
	}
	if n == 1 {
		return only
	}
	return result.ErrorOrNil()
}
