package wopi

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNetwork   = errors.New("storage network failure")
	ErrStorage   = errors.New("storage failure")
	ErrConflict  = errors.New("document changed in storage")
	ErrAuth      = errors.New("storage authorization failure")
	ErrMalformed = errors.New("malformed storage response")

	errNoStoreTimestamp = errors.New("store response carries no LastModifiedTime")
)

// Kind is the failure taxonomy every transport error is normalized into.
type Kind int

const (
	KindNetwork Kind = iota + 1
	KindStorage
	KindConflict
	KindAuth
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindStorage:
		return "storage"
	case KindConflict:
		return "conflict"
	case KindAuth:
		return "auth"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

type Error struct {
	Op         string
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("wopi %s: %s failure", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": http %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
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
	switch target {
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrStorage:
		return e.Kind == KindStorage || e.Kind == KindMalformed
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrMalformed:
		return e.Kind == KindMalformed
	}
	return false
}

// Retryable reports whether re-issuing the same request may succeed.
func (e *Error) Retryable() bool {
	return e.Kind != KindAuth && e.Kind != KindConflict
}

// KindOf returns the failure kind of err, or 0 when err did not come from
// this package.
func KindOf(err error) Kind {
	var wopiErr *Error
	if errors.As(err, &wopiErr) {
		return wopiErr.Kind
	}
	return 0
}

// classifyStatus maps a non-2xx status to a failure kind. 409 only means
// "document changed" for PutFile; elsewhere it is a plain storage failure.
func classifyStatus(op string, status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return KindAuth
	case http.StatusConflict:
		if op == opStore {
			return KindConflict
		}
		return KindStorage
	}
	return KindStorage
}

func statusError(op string, status int, message string) *Error {
	return &Error{
		Op:         op,
		Kind:       classifyStatus(op, status),
		StatusCode: status,
		Message:    message,
	}
}

func networkError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindNetwork, Err: err}
}

func malformedError(op string, status int, err error) *Error {
	return &Error{Op: op, Kind: KindMalformed, StatusCode: status, Err: err}
}
