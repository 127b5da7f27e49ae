package xrelay

import (
	"errors"
	"fmt"
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

var (
	ErrQueueClosed           = errors.New("xrelay: queue closed")
	ErrWatcherClosed         = errors.New("xrelay: watcher closed")
	ErrRelayClosed           = errors.New("xrelay: relay closed")
	ErrInvalidChannel        = errors.New("xrelay: channel must not be empty")
	ErrNoTransportConfigured = errors.New("xrelay: no transport configured")
	ErrNoChangeSource        = errors.New("xrelay: no change source configured")

	// ErrStreamingUnsupported is returned by a ChangeSource when the store
	// cannot serve change streams (standalone deployment). The watcher treats
	// it as a capability signal, not a failure.
	ErrStreamingUnsupported = errors.New("xrelay: change streams not supported by store")

	// ErrTransportUnavailable marks a pub/sub transport that is down. Publishing
	// through the Broadcaster degrades to a no-op while it is reported.
	ErrTransportUnavailable = errors.New("xrelay: transport unavailable")

	ErrObserverPoolShutdownTimeout = errors.New("xrelay: observer pool shutdown timeout")
)

// TxFailedError is returned by RunTx once a unit of work can no longer be retried.
type TxFailedError struct {
	Attempts int
	Err      error
}

func (e *TxFailedError) Error() string {
	return fmt.Sprintf("xrelay: transaction failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TxFailedError) Unwrap() error { return e.Err }

// CodedError attaches a numeric store error code to an error.
type CodedError struct {
	Code int
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("store error code %d", e.Code)
	}
	return fmt.Sprintf("store error code %d: %v", e.Code, e.Err)
}

func (e *CodedError) Unwrap() error { return e.Err }

// ErrorCode implements the code carrier consulted by IsTransient.
func (e *CodedError) ErrorCode() int { return e.Code }
