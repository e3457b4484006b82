package ddp

import (
	"errors"

	"github.com/alwitt/ddpserver/common"
)

// ErrorTypeName the errorType reported for structured errors
const ErrorTypeName = "Meteor.Error"

var (
	// ErrSessionClosed the session's connection is gone
	ErrSessionClosed = errors.New("session closed")
	// ErrSubscriptionDegraded the subscription stopped tracking its invalidation key
	ErrSubscriptionDegraded = errors.New("subscription no longer tracking changes")
)

// ErrorPayload error as reported to the client
type ErrorPayload struct {
	Error     int    `json:"error,omitempty"`
	Reason    string `json:"reason"`
	Message   string `json:"message,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
}

// BuildError convert an error into its client facing form. Structured errors
// keep their code and reason, everything else only reports its description.
func BuildError(err error) *ErrorPayload {
	if err == nil {
		return nil
	}
	if merr, ok := common.AsMeteorError(err); ok {
		return &ErrorPayload{
			Error:     merr.Code,
			Reason:    merr.Reason,
			Message:   merr.Error(),
			ErrorType: ErrorTypeName,
		}
	}
	return &ErrorPayload{Reason: err.Error()}
}

// subscriptionNotFound error reported for an unknown publication
func subscriptionNotFound() error {
	return common.NewMeteorError(404, "Subscription not found")
}

// methodNotFound error reported for an unknown method
func methodNotFound() error {
	return common.NewMeteorError(404, "Method not found")
}
