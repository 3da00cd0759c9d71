package jobgraph

import (
	"errors"
	"fmt"
)

// Sentinel error kinds per the error handling design: IllegalTransition
// and CycleError are reported to the caller and are not fatal;
// UnknownJob is logged and the offending reference dropped; BackendError
// surfaces to the user; StoreError is fatal to the enclosing command.
var (
	ErrUnknownJob   = errors.New("job not found")
	ErrBackendError = errors.New("backend operation failed")
	ErrStoreError   = errors.New("store operation failed")
)

// IllegalTransitionError is returned when an event is rejected because
// the current status does not permit it (spec transition table, §4.2).
type IllegalTransitionError struct {
	Unique  int64
	From    Status
	Event   string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("job %d: illegal transition: event %q from status %q", e.Unique, e.Event, e.From)
}

// CycleError is returned when inserting a dependency edge would close a
// cycle in the dependency DAG.
type CycleError struct {
	Waiter    int64
	WaitedFor int64
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency edge %d -> %d would introduce a cycle", e.Waiter, e.WaitedFor)
}

// IsIllegalTransition reports whether err is an *IllegalTransitionError.
func IsIllegalTransition(err error) bool {
	var e *IllegalTransitionError
	return errors.As(err, &e)
}

// IsCycleError reports whether err is a *CycleError.
func IsCycleError(err error) bool {
	var e *CycleError
	return errors.As(err, &e)
}
