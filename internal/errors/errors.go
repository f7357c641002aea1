// Package errors provides standardized error codes for the relay.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (auth, route, server, input, credentials)
//   - error: The specific error type within that domain
//
// Codes are stable and are sent to sessions inside "error" and "auth_result"
// messages, so device firmware and control clients can branch on them.
// Human-readable messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
const (
	// Auth domain - identity claims on a session
	CodeAuthRequired             = "auth.required"              // Session has not authenticated yet
	CodeAuthInvalid              = "auth.invalid"               // Wrong or unknown device credential
	CodeAuthInvalidRole          = "auth.invalid_role"          // Claim role is neither device nor client
	CodeAuthAlreadyAuthenticated = "auth.already_authenticated" // Session was already classified
	CodeAuthWrongRole            = "auth.wrong_role"            // Event not permitted for the session's role
	CodeAuthSuperseded           = "auth.superseded"            // A newer session took over this device identity

	// Credentials domain - provisioning store
	CodeCredentialsUnavailable = "credentials.unavailable" // Store could not be consulted

	// Server domain - WebSocket and envelope errors
	CodeServerInvalidMessage = "server.invalid_message" // Malformed or invalid message
	CodeServerUnknownType    = "server.unknown_type"    // No handler for message type
	CodeServerShuttingDown   = "server.shutting_down"   // Relay is stopping

	// Input domain - inbound flow control
	CodeInputRateLimited = "input.rate_limited" // Too many messages per second

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal server error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "auth.invalid")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for errors that carry no code.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to session responses.
// The cause of a CodedError is never exposed to the peer.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// AuthFailed creates an "auth.invalid" error.
// The message is the same for unknown devices and wrong secrets so a
// claimant cannot probe which device identities are provisioned.
func AuthFailed(cause error) *CodedError {
	return Wrap(CodeAuthInvalid, "authentication failed", cause)
}

// AuthRequired creates an "auth.required" error for the given event.
func AuthRequired(event string) *CodedError {
	return New(CodeAuthRequired, fmt.Sprintf("%s requires an authenticated session", event))
}

// WrongRole creates an "auth.wrong_role" error.
func WrongRole(event, role string) *CodedError {
	return New(CodeAuthWrongRole, fmt.Sprintf("%s is not permitted for role %s", event, role))
}

// InvalidRole creates an "auth.invalid_role" error.
func InvalidRole(role string) *CodedError {
	return New(CodeAuthInvalidRole, fmt.Sprintf("unknown role %q (must be 'device' or 'client')", role))
}

// AlreadyAuthenticated creates an "auth.already_authenticated" error.
func AlreadyAuthenticated(role string) *CodedError {
	return New(CodeAuthAlreadyAuthenticated, fmt.Sprintf("session is already authenticated as %s", role))
}

// Superseded creates an "auth.superseded" error sent to a device session
// that is being closed because the same identity authenticated elsewhere.
func Superseded(deviceID string) *CodedError {
	return New(CodeAuthSuperseded, fmt.Sprintf("device %s authenticated on another session", deviceID))
}

// InvalidMessage creates a "server.invalid_message" error.
func InvalidMessage(reason string) *CodedError {
	return New(CodeServerInvalidMessage, reason)
}

// UnknownType creates a "server.unknown_type" error.
func UnknownType(msgType string) *CodedError {
	return New(CodeServerUnknownType, fmt.Sprintf("unknown message type %q", msgType))
}

// RateLimited creates an "input.rate_limited" error.
func RateLimited() *CodedError {
	return New(CodeInputRateLimited, "too many messages, slow down")
}

// CredentialsUnavailable creates a "credentials.unavailable" error. The
// store failure is kept as the cause and never shown to the claimant.
func CredentialsUnavailable(cause error) *CodedError {
	return Wrap(CodeCredentialsUnavailable, "credential store unavailable", cause)
}

// ShuttingDown creates a "server.shutting_down" error.
func ShuttingDown() *CodedError {
	return New(CodeServerShuttingDown, "relay is shutting down")
}
