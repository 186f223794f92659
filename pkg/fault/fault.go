// Package fault is the error taxonomy shared by every kv component.
//
// Components return *Error values tagged with a Kind; the HTTP layer maps the
// kind to a status code and a stable error code. Causes stay reachable via
// errors.Is / errors.As.
package fault

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// keep in the order of the HTTP mapping in pkg/httpx
	Internal Kind = iota
	MissingParameter
	InvalidKey
	BadRequest
	NotAuthorized
	NotFound
	Conflict
	SignatureInvalid
	UpstreamUnavailable
	StorageError
	RateLimited
)

var kindNames = map[Kind]string{
	Internal:            "INTERNAL",
	MissingParameter:    "MISSING_PARAMETER",
	InvalidKey:          "INVALID_KEY",
	BadRequest:          "BAD_REQUEST",
	NotAuthorized:       "NOT_AUTHORIZED",
	NotFound:            "NOT_FOUND",
	Conflict:            "CONFLICT",
	SignatureInvalid:    "SIGNATURE_INVALID",
	UpstreamUnavailable: "UPSTREAM_UNAVAILABLE",
	StorageError:        "STORAGE_ERROR",
	RateLimited:         "RATE_LIMITED",
}

// Code is the stable wire code for the kind.
func (k Kind) Code() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return kindNames[Internal]
}

func (k Kind) String() string { return k.Code() }

// Retryable reports whether a caller may retry the same request unchanged.
// Conflict is retryable only by re-proposing, so it is not included.
func (k Kind) Retryable() bool {
	return k == UpstreamUnavailable || k == StorageError || k == RateLimited
}

type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	switch {
	case msg != "" && e.Err != nil:
		msg += ": " + e.Err.Error()
	case e.Err != nil:
		msg = e.Err.Error()
	case msg == "":
		msg = e.Kind.Code()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, fault.ErrConflict)
// works regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// sentinels for errors.Is
var (
	ErrMissingParameter    = &Error{Kind: MissingParameter}
	ErrInvalidKey          = &Error{Kind: InvalidKey}
	ErrBadRequest          = &Error{Kind: BadRequest}
	ErrNotAuthorized       = &Error{Kind: NotAuthorized}
	ErrNotFound            = &Error{Kind: NotFound}
	ErrConflict            = &Error{Kind: Conflict}
	ErrSignatureInvalid    = &Error{Kind: SignatureInvalid}
	ErrUpstreamUnavailable = &Error{Kind: UpstreamUnavailable}
	ErrStorage             = &Error{Kind: StorageError}
	ErrRateLimited         = &Error{Kind: RateLimited}
)

func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind. A nil err returns nil. An err that already carries
// a kind keeps it; only the op is added.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return &Error{Kind: fe.Kind, Op: op, Err: err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost tagged error in err's chain, or
// Internal for untagged errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
