package ice

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection is the category of every failure that prevents Connect
	// from producing a usable pair. Match it with errors.Is.
	ErrConnection = errors.New("ice: connection error")

	// ErrImproperlyConfigured is the category of failures caused by missing
	// configuration, such as remote credentials.
	ErrImproperlyConfigured = errors.New("ice: improperly configured")

	// ErrNotConnected is returned by Send and Recv before the connection
	// reached StateConnected.
	ErrNotConnected = errors.New("ice: not connected")

	// ErrNegotiationInProgress is returned when remote credentials or
	// candidates are changed after Connect started.
	ErrNegotiationInProgress = errors.New("ice: negotiation in progress")

	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("ice: connection closed")

	// ErrNoHostAddresses is returned by GatherCandidates when no socket
	// could be bound.
	ErrNoHostAddresses = errors.New("ice: no usable host address")
)

// ConnectErrorKind enumerates the reasons Connect can fail.
type ConnectErrorKind int

const (
	NoLocalCandidates ConnectErrorKind = iota
	NoRemoteCandidates
	MissingCredentials
	ChecklistExhausted
	RoleConflictUnresolved
)

func (k ConnectErrorKind) String() string {
	switch k {
	case NoLocalCandidates:
		return "no local candidates"
	case NoRemoteCandidates:
		return "no remote candidates"
	case MissingCredentials:
		return "remote username and password not configured"
	case ChecklistExhausted:
		return "all candidate pairs failed"
	case RoleConflictUnresolved:
		return "role conflict unresolved"
	}
	return fmt.Sprintf("ConnectErrorKind(%d)", int(k))
}

// ConnectError is returned by Connect. Its category (ErrConnection or
// ErrImproperlyConfigured) and the underlying cause, if any, are both
// reachable through errors.Is.
type ConnectError struct {
	Kind ConnectErrorKind
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ice: %s: %v", e.Kind, e.Err)
	}
	return "ice: " + e.Kind.String()
}

func (e *ConnectError) Unwrap() []error {
	category := ErrConnection
	if e.Kind == MissingCredentials {
		category = ErrImproperlyConfigured
	}
	if e.Err == nil {
		return []error{category}
	}
	return []error{category, e.Err}
}

// ParseError reports malformed candidate text.
type ParseError struct {
	Text   string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ice: invalid candidate %q: %s: %v", e.Text, e.Reason, e.Err)
	}
	return fmt.Sprintf("ice: invalid candidate %q: %s", e.Text, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }
