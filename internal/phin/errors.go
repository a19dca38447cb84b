package phin

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned when an email, activation code or URL route
	// fails local validation. The remote service is never contacted.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRemote matches every *RemoteError.
	ErrRemote = errors.New("remote service error")

	// ErrUnauthorized matches a RemoteError whose token was rejected.
	ErrUnauthorized = errors.New("remote service not authorized")

	// ErrInvalidActivationCode matches a RemoteError for a rejected activation code.
	ErrInvalidActivationCode = errors.New("activation code is incorrect")

	// ErrConnection matches a RemoteError raised when the service cannot be reached.
	ErrConnection = errors.New("cannot connect to remote service")
)

// Kind classifies a RemoteError.
type Kind int

const (
	KindRemote Kind = iota
	KindUnauthorized
	KindInvalidActivationCode
	KindConnection
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindInvalidActivationCode:
		return "invalid_activation_code"
	case KindConnection:
		return "connection"
	default:
		return "remote"
	}
}

// RemoteError is a failed call to the pHin service.
type RemoteError struct {
	Kind   Kind
	Op     string // Operation, e.g. "register"
	Status int    // HTTP status, 0 when no response was received
	Body   string // Raw response body
	Err    error  // Underlying transport or decode error
}

// Error implements error.
func (e *RemoteError) Error() string {
	msg := fmt.Sprintf("phin %s: %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the package sentinels against the error kind.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrRemote:
		return true
	case ErrUnauthorized:
		return e.Kind == KindUnauthorized
	case ErrInvalidActivationCode:
		return e.Kind == KindInvalidActivationCode
	case ErrConnection:
		return e.Kind == KindConnection
	}
	return false
}

// KindOf returns the kind of a RemoteError in err's chain.
func KindOf(err error) (Kind, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return KindRemote, false
}
