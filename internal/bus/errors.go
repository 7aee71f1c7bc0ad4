package bus

import (
	"errors"
	"fmt"
)

// BlockedError is returned by Publish when the guardians gate rejects an
// event. The decision has already been recorded to the audit log by the
// gate; the bus does not re-log it.
type BlockedError struct {
	Rule   string
	Reason string
}

// Error implements the error interface.
func (e *BlockedError) Error() string {
	return fmt.Sprintf("publish blocked by guardians (%s): %s", e.Rule, e.Reason)
}

// IsBlocked reports whether err is (or wraps) a BlockedError.
func IsBlocked(err error) bool {
	var be *BlockedError
	return errors.As(err, &be)
}

// PersistenceError is returned by Publish when the store could not
// durably record the event. The event was not dispatched; the publisher
// may retry.
type PersistenceError struct {
	Err error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("event persistence failed: %v", e.Err)
}

// Unwrap exposes the underlying storage error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistenceFailure reports whether err is (or wraps) a PersistenceError.
func IsPersistenceFailure(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// HandlerError describes a subscriber failure during dispatch. It is
// logged and dead-lettered, never returned to the publisher: once an
// event is persisted the publish has succeeded.
type HandlerError struct {
	Handler string
	EventID string
	Topic   string
	Err     error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed on %s (event %s): %v", e.Handler, e.Topic, e.EventID, e.Err)
}

// Unwrap exposes the handler's error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}
