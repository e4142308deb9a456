package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// Error codes used across the managed-mode subsystem.
const (
	CodeConfigInvalid    = "config_invalid"
	CodeAuthentication   = "authentication_error"
	CodeProviderNotFound = "provider_not_found"
	CodeProviderConflict = "provider_conflict"
	CodeProviderActive   = "provider_active"
	CodeAlreadyRunning   = "already_running"
	CodeNotRunning       = "not_running"
	CodePortInUse        = "port_in_use"
	CodeUpstream         = "upstream_error"
	CodeUpstreamTimeout  = "upstream_timeout"
	CodePersistence      = "persistence_error"
)

// AppError represents a structured application error.
type AppError struct {
	// HTTPStatusCode is the HTTP status code to return.
	HTTPStatusCode int `json:"-"`
	// Code is an internal error code string.
	Code string `json:"code"`
	// Message is the user-facing error message.
	Message string `json:"message"`
	// Details provides additional error context (optional).
	Details map[string]interface{} `json:"details,omitempty"`
	// Err is the underlying error (not marshaled to JSON).
	Err error `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// ToJSON returns the JSON byte representation of the error.
func (e *AppError) ToJSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// New creates a new AppError.
func New(statusCode int, code, message string, err error) *AppError {
	return &AppError{
		HTTPStatusCode: statusCode,
		Code:           code,
		Message:        message,
		Err:            err,
	}
}

// HasCode reports whether err is, or wraps, an AppError carrying the given
// code.
func HasCode(err error, code string) bool {
	var ae *AppError
	return stderrors.As(err, &ae) && ae.Code == code
}
