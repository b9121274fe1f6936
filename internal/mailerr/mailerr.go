// Package mailerr defines the error taxonomy shared by the protocol sessions,
// the mail operations and the gateway.
package mailerr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

type Kind int

const (
	KindInternal Kind = iota
	KindConnection
	KindAuth
	KindProtocol
	KindTimeout
	KindNotFound
	KindSubmission
	KindPartial
	KindUnknownOutcome
	KindCanceled
	KindBadInput
)

var kindNames = map[Kind]string{
	KindInternal:       "internal",
	KindConnection:     "connection",
	KindAuth:           "auth",
	KindProtocol:       "protocol",
	KindTimeout:        "timeout",
	KindNotFound:       "not_found",
	KindSubmission:     "submission",
	KindPartial:        "partial_failure",
	KindUnknownOutcome: "unknown_outcome",
	KindCanceled:       "canceled",
	KindBadInput:       "bad_input",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its kind.
var (
	ErrInternal       = errors.New("internal consistency error")
	ErrConnection     = errors.New("connection error")
	ErrAuth           = errors.New("authentication rejected")
	ErrProtocol       = errors.New("protocol error")
	ErrTimeout        = errors.New("timed out")
	ErrNotFound       = errors.New("not found")
	ErrSubmission     = errors.New("submission rejected")
	ErrPartial        = errors.New("partial failure")
	ErrUnknownOutcome = errors.New("outcome unknown")
	ErrCanceled       = errors.New("canceled")
	ErrBadInput       = errors.New("bad input")
)

var sentinels = map[Kind]error{
	KindInternal:       ErrInternal,
	KindConnection:     ErrConnection,
	KindAuth:           ErrAuth,
	KindProtocol:       ErrProtocol,
	KindTimeout:        ErrTimeout,
	KindNotFound:       ErrNotFound,
	KindSubmission:     ErrSubmission,
	KindPartial:        ErrPartial,
	KindUnknownOutcome: ErrUnknownOutcome,
	KindCanceled:       ErrCanceled,
	KindBadInput:       ErrBadInput,
}

// Error is a taxonomy error. Op names the protocol step or gateway
// operation that failed; Err is the underlying cause and may be nil.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := sentinels[e.Kind].Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// New builds a taxonomy error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a taxonomy error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost taxonomy error in err's chain.
// Context errors map to Timeout/Canceled; anything else is Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Classify maps a raw transport or protocol error to the taxonomy. Errors
// that already carry a kind are returned untouched.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}

	var netErr net.Error
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return New(KindTimeout, op, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return New(KindTimeout, op, err)
	case errors.Is(err, context.Canceled):
		return New(KindCanceled, op, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return New(KindConnection, op, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return New(KindConnection, op, err)
	}
	return New(KindProtocol, op, err)
}
