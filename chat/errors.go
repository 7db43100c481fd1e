package chat

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures of the chat core.
type ErrorKind int

const (
	// MissingCredential means no credential was available, the user must re-authenticate.
	MissingCredential ErrorKind = iota + 1
	// TransportFailure is a non-2xx history response or connect exhaustion.
	TransportFailure
	// MalformedResponse is an unexpected payload shape from either transport.
	MalformedResponse
	// SendRejected is a send attempted while not connected.
	SendRejected
	// ServerReported is an error event pushed by the server.
	ServerReported
)

func (k ErrorKind) String() string {
	switch k {
	case MissingCredential:
		return "missing credential"
	case TransportFailure:
		return "transport failure"
	case MalformedResponse:
		return "malformed response"
	case SendRejected:
		return "send rejected"
	case ServerReported:
		return "server reported"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the error type returned by the chat core packages.
type Error struct {
	Kind   ErrorKind
	Status int // http status for TransportFailure, 0 if not applicable
	Msg    string
	Err    error
}

var (
	ErrMissingCredential = &Error{Kind: MissingCredential}
	ErrTransport         = &Error{Kind: TransportFailure}
	ErrMalformed         = &Error{Kind: MalformedResponse}
	ErrSendRejected      = &Error{Kind: SendRejected}
	ErrServerReported    = &Error{Kind: ServerReported}
)

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Status != 0 {
		s = fmt.Sprintf("%s: status %d", s, e.Status)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind, and on Status when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Status == 0 || t.Status == e.Status)
}

// KindOf returns the kind of err, 0 if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
