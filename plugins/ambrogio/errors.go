package ambrogio

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthFailed marks a refresh that failed because credentials were rejected.
	ErrAuthFailed = errors.New("ambrogio authentication failed")

	// ErrUpdateFailed marks a refresh that failed for any other reason.
	ErrUpdateFailed = errors.New("ambrogio update failed")

	ErrUnknownDevice   = errors.New("unknown mower")
	ErrInvalidArgument = errors.New("invalid argument")
)

// AuthError is returned when the cloud rejects the app credentials or session.
type AuthError struct {
	Status   int
	Messages []string
	// Session is set when an existing session was rejected, as opposed to
	// the credentials themselves.
	Session bool
}

func (e *AuthError) Error() string {
	msg := "authentication rejected"
	if e.Session {
		msg = "session rejected"
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (http %d)", msg, e.Status)
	}
	if len(e.Messages) > 0 {
		msg += ": " + strings.Join(e.Messages, "; ")
	}
	return msg
}

// CommunicationError covers transport failures, unexpected statuses, and
// commands the cloud reported as unsuccessful.
type CommunicationError struct {
	Command  string
	Status   int
	Messages []string
	Err      error
}

func (e *CommunicationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Command)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": http %d", e.Status)
	}
	if len(e.Messages) > 0 {
		b.WriteString(": " + strings.Join(e.Messages, "; "))
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *CommunicationError) Unwrap() error {
	return e.Err
}

// ReadinessTimeoutError is returned when a mower never reported connected
// within the attempt budget.
type ReadinessTimeoutError struct {
	IMEI     string
	Attempts int
}

func (e *ReadinessTimeoutError) Error() string {
	return fmt.Sprintf("mower %s did not come online after %d attempts", e.IMEI, e.Attempts)
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
