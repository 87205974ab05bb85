// Package errs defines the internal error taxonomy shared by both tiers and
// its collapse onto the wire-visible error codes.
package errs

import (
	"errors"
	"fmt"

	"github.com/maxrios/mcs/internal/protocol"
)

// Kind classifies an internal failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindIO
	KindTLS
	KindDatabase
	KindSerialization
	KindDirectory
	KindInvalidCredentials
	KindChannelClosed
	KindDisconnected
	KindUsernameTaken
	KindUsernameTooShort
)

// String names the kind in the form used for log fields and metric labels.
func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindTLS:
		return "tls"
	case KindDatabase:
		return "database"
	case KindSerialization:
		return "serialization"
	case KindDirectory:
		return "directory"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindChannelClosed:
		return "channel_closed"
	case KindDisconnected:
		return "disconnected"
	case KindUsernameTaken:
		return "username_taken"
	case KindUsernameTooShort:
		return "username_too_short"
	default:
		return "unknown"
	}
}

// Error carries a kind, an operator-facing message, and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error without a cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap attaches kind and context to an underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind of err, unwrapping as needed. Foreign errors
// report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ToWire collapses an internal error onto the client-visible code. Anything
// without an explicit mapping reports as internal.
func ToWire(err error) protocol.ChatError {
	switch KindOf(err) {
	case KindUsernameTaken:
		return protocol.ErrUsernameTaken
	case KindUsernameTooShort:
		return protocol.ErrUsernameTooShort
	case KindIO, KindChannelClosed, KindDisconnected:
		return protocol.ErrNetwork
	default:
		return protocol.ErrInternal
	}
}
