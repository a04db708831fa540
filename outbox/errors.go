package outbox

import (
	"errors"
	"fmt"
)

var (
	ErrEventRequired           = errors.New("outbox event is required")
	ErrStoreRequired           = errors.New("outbox store is required")
	ErrDispatcherRequired      = errors.New("outbox dispatcher is required")
	ErrDispatcherRunning       = errors.New("outbox dispatcher is already running")
	ErrDispatcherStopped       = errors.New("outbox dispatcher was shut down")
	ErrSweeperRunning          = errors.New("outbox sweeper is already running")
	ErrTxRequired              = errors.New("outbox append requires a transaction")
	ErrTopicRequired           = errors.New("event topic is required")
	ErrPayloadRequired         = errors.New("event payload is required")
	ErrPayloadTooLarge         = errors.New("event payload exceeds maximum allowed size")
	ErrPayloadNotJSON          = errors.New("event payload must be valid JSON")
	ErrPayloadVersionInvalid   = errors.New("event payload version must be positive")
	ErrHandlerRegistryRequired = errors.New("handler registry is required")
	ErrHandlerRequired         = errors.New("event handler is required")
	ErrRegistrySealed          = errors.New("handler registry is sealed")
	ErrEventNotFound           = errors.New("outbox event not found")
	ErrStatusInvalid           = errors.New("invalid outbox status")
	ErrTransitionInvalid       = errors.New("invalid outbox status transition")
	ErrClaimConflict           = errors.New("outbox claim is held by another owner")
	ErrHandlerTimeout          = errors.New("event handler timed out")
	ErrCircuitOpen             = errors.New("handler circuit is open")
)

// StoreError is returned by Store implementations. Op names the failing operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return "outbox store " + e.Op + " failed"
	}

	return fmt.Sprintf("outbox store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError wraps err for op. A nil err yields nil and an existing
// *StoreError is returned unchanged.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}

	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return err
	}

	return &StoreError{Op: op, Err: err}
}

// HandlerRecoverableError marks a handler failure that should be retried.
type HandlerRecoverableError struct {
	Err error
}

func (e *HandlerRecoverableError) Error() string {
	return "recoverable: " + errorText(e.Err)
}

func (e *HandlerRecoverableError) Unwrap() error {
	return e.Err
}

// HandlerUnrecoverableError marks a handler failure that must not be retried.
type HandlerUnrecoverableError struct {
	Err error
}

func (e *HandlerUnrecoverableError) Error() string {
	return "unrecoverable: " + errorText(e.Err)
}

func (e *HandlerUnrecoverableError) Unwrap() error {
	return e.Err
}

// Recoverable wraps err so the retry policy schedules another attempt.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}

	return &HandlerRecoverableError{Err: err}
}

// Unrecoverable wraps err so the retry policy quarantines the event immediately.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}

	return &HandlerUnrecoverableError{Err: err}
}

func errorText(err error) string {
	if err == nil {
		return "<nil>"
	}

	return err.Error()
}
