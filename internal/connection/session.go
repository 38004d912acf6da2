package connection

import "errors"

// Status is the lifecycle state of a socket session.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusDisconnected, StatusConnecting, StatusConnected, StatusReconnecting, StatusError}

// Session is a snapshot of the connection state.
type Session struct {
	Status    Status
	Attempt   int
	LastError error
}

// Fatal reports whether the session stopped on an authentication or
// configuration problem. Fatal sessions are only left through Connect.
func (s Session) Fatal() bool {
	if s.Status != StatusError {
		return false
	}
	return errors.Is(s.LastError, ErrAuthFailed) ||
		errors.Is(s.LastError, ErrMissingCredentials) ||
		errors.Is(s.LastError, ErrInvalidTarget)
}

// Transition is delivered to status observers.
type Transition struct {
	From    Status
	Session Session
}

// Credentials identify the local user to the server.
type Credentials struct {
	Token     string
	UserID    string
	UserName  string
	UserEmail string
}

func (c Credentials) valid() bool {
	return c.Token != "" && c.UserID != ""
}
