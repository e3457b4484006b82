package common

import (
	"errors"
	"fmt"
)

// MeteorError is a structured application error which is reported back to
// the client with its numeric code and reason intact
type MeteorError struct {
	// Code is the numeric error code, HTTP status code style
	Code int
	// Reason is the human readable reason
	Reason string
}

// NewMeteorError define a new MeteorError
func NewMeteorError(code int, reason string) *MeteorError {
	return &MeteorError{Code: code, Reason: reason}
}

// Error implements error
func (e *MeteorError) Error() string {
	return fmt.Sprintf("%s [%d]", e.Reason, e.Code)
}

// AsMeteorError check whether an error chain contains a MeteorError
func AsMeteorError(err error) (*MeteorError, bool) {
	var target *MeteorError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
