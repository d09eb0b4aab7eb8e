// Package errors defines the error taxonomy of the gateway.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind is a stable, user-visible error category.
type Kind string

const (
	// KindExecutorUnavailable means no live connection exists for the executor.
	KindExecutorUnavailable Kind = "executor_unavailable"
	// KindSendFailed means the transport rejected the write.
	KindSendFailed Kind = "send_failed"
	// KindTimeout means the deadline elapsed with no response.
	KindTimeout Kind = "timeout"
	// KindConnectionLost means the connection was evicted while a request was pending.
	KindConnectionLost Kind = "connection_lost"
	// KindDuplicateConnection means a live connection already exists for the executor.
	KindDuplicateConnection Kind = "duplicate_connection"
	// KindHandshakeRejected means the gateway refused the connection at handshake.
	KindHandshakeRejected Kind = "handshake_rejected"
	// KindAuthFailed means the gateway answered the auth frame with success=false.
	KindAuthFailed Kind = "auth_failed"
	// KindMalformed means an inbound frame could not be parsed.
	KindMalformed Kind = "malformed"
	// KindExecutorError means the executor answered with success=false.
	KindExecutorError Kind = "executor_error"
	// KindRetriesExhausted means reconnection gave up after the configured attempts.
	KindRetriesExhausted Kind = "retries_exhausted"
	// KindCancelled means the caller dropped interest before resolution.
	KindCancelled Kind = "cancelled"
)

// Sentinels for errors.Is comparisons.
var (
	ErrExecutorUnavailable = &GatewayError{Kind: KindExecutorUnavailable}
	ErrSendFailed          = &GatewayError{Kind: KindSendFailed}
	ErrTimeout             = &GatewayError{Kind: KindTimeout}
	ErrConnectionLost      = &GatewayError{Kind: KindConnectionLost}
	ErrDuplicateConnection = &GatewayError{Kind: KindDuplicateConnection}
	ErrHandshakeRejected   = &GatewayError{Kind: KindHandshakeRejected}
	ErrAuthFailed          = &GatewayError{Kind: KindAuthFailed}
	ErrMalformed           = &GatewayError{Kind: KindMalformed}
	ErrExecutorError       = &GatewayError{Kind: KindExecutorError}
	ErrRetriesExhausted    = &GatewayError{Kind: KindRetriesExhausted}
	ErrCancelled           = &GatewayError{Kind: KindCancelled}
)

// GatewayError is the error type surfaced by the gateway.
type GatewayError struct {
	Kind       Kind
	ExecutorID string
	RequestID  string
	Message    string
	Cause      error
}

func (e *GatewayError) Error() string {
	msg := string(e.Kind)
	if e.ExecutorID != "" {
		msg += fmt.Sprintf(" [executor=%s]", e.ExecutorID)
	}
	if e.RequestID != "" {
		msg += fmt.Sprintf(" [request=%s]", e.RequestID)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// Is matches any GatewayError of the same kind, so sentinels work with errors.Is.
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a gateway error of the given kind.
func New(kind Kind, executorID, message string, cause error) *GatewayError {
	return &GatewayError{Kind: kind, ExecutorID: executorID, Message: message, Cause: cause}
}

// NewExecutorUnavailableError creates an ExecutorUnavailable error.
func NewExecutorUnavailableError(executorID, message string) *GatewayError {
	return New(KindExecutorUnavailable, executorID, message, nil)
}

// NewSendFailedError creates a SendFailed error.
func NewSendFailedError(executorID, requestID string, cause error) *GatewayError {
	err := New(KindSendFailed, executorID, "transport rejected the write", cause)
	err.RequestID = requestID
	return err
}

// NewTimeoutError creates a Timeout error.
func NewTimeoutError(executorID, requestID string) *GatewayError {
	err := New(KindTimeout, executorID, "no response before deadline", nil)
	err.RequestID = requestID
	return err
}

// NewConnectionLostError creates a ConnectionLost error.
func NewConnectionLostError(executorID, message string) *GatewayError {
	return New(KindConnectionLost, executorID, message, nil)
}

// NewDuplicateConnectionError creates a DuplicateConnection error.
func NewDuplicateConnectionError(executorID string) *GatewayError {
	return New(KindDuplicateConnection, executorID, "executor already has a live connection", nil)
}

// NewHandshakeRejectedError creates a HandshakeRejected error.
func NewHandshakeRejectedError(executorID, message string, cause error) *GatewayError {
	return New(KindHandshakeRejected, executorID, message, cause)
}

// NewAuthFailedError creates an AuthFailed error.
func NewAuthFailedError(executorID, message string) *GatewayError {
	return New(KindAuthFailed, executorID, message, nil)
}

// NewMalformedError creates a Malformed error.
func NewMalformedError(message string, cause error) *GatewayError {
	return New(KindMalformed, "", message, cause)
}

// NewExecutorError creates an ExecutorError from the error text of a failed response.
func NewExecutorError(executorID, requestID, message string) *GatewayError {
	err := New(KindExecutorError, executorID, message, nil)
	err.RequestID = requestID
	return err
}

// NewCancelledError creates a Cancelled error.
func NewCancelledError(executorID, message string, cause error) *GatewayError {
	return New(KindCancelled, executorID, message, cause)
}

// KindOf returns the kind of the first GatewayError in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var ge *GatewayError
	if stderrors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// ConnectionError represents a transport-level connection failure.
type ConnectionError struct {
	Message string
	Cause   error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("connection error: %s", e.Message)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, cause error) *ConnectionError {
	return &ConnectionError{Message: message, Cause: cause}
}

// InvalidMessageError represents an invalid message format.
type InvalidMessageError struct {
	Message string
	Details map[string]interface{}
}

func (e *InvalidMessageError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("invalid message: %s (details: %v)", e.Message, e.Details)
	}
	return fmt.Sprintf("invalid message: %s", e.Message)
}

// NewInvalidMessageError creates a new invalid message error.
func NewInvalidMessageError(message string, details map[string]interface{}) *InvalidMessageError {
	return &InvalidMessageError{Message: message, Details: details}
}
