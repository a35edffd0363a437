// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package driver

import "errors"

// =============================================================================
// ERROR TYPES
// =============================================================================

// Error represents a failure from the model driver.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// ErrorType categorizes driver errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota

	// ErrTypeSpawn: the worker process could not start. Fatal for that
	// initialization attempt.
	ErrTypeSpawn

	// ErrTypeHandshake: no or wrong READY line. Fatal, driver enters Failed.
	ErrTypeHandshake

	// ErrTypeLoad: model loading failed. Fatal, driver enters Failed.
	ErrTypeLoad

	// ErrTypeVerify: the post-load verification probe failed. Fatal.
	ErrTypeVerify

	// ErrTypeNotReady: a call arrived while the driver is not Ready.
	// Recoverable; reported to the caller without touching the worker.
	ErrTypeNotReady

	// ErrTypeProtocol: malformed or incomplete worker response.
	ErrTypeProtocol

	// ErrTypeWorker: the worker reported an error inside a well-formed
	// response. The process is still alive.
	ErrTypeWorker

	// ErrTypeWorkerDeath: the worker process is no longer alive. Triggers
	// the single automatic restart.
	ErrTypeWorkerDeath

	// ErrTypeClosed: the driver has been shut down.
	ErrTypeClosed
)

// ErrClosed is returned for any operation after Shutdown.
var ErrClosed = &Error{Type: ErrTypeClosed, Message: "driver is shut down"}

// IsNotReady checks if an error is a not-ready error.
func IsNotReady(err error) bool {
	var derr *Error
	return errors.As(err, &derr) && derr.Type == ErrTypeNotReady
}

// IsWorkerDeath checks if an error indicates the worker process died.
func IsWorkerDeath(err error) bool {
	var derr *Error
	return errors.As(err, &derr) && derr.Type == ErrTypeWorkerDeath
}

// IsProtocol checks if an error is a protocol violation.
func IsProtocol(err error) bool {
	var derr *Error
	return errors.As(err, &derr) && derr.Type == ErrTypeProtocol
}
