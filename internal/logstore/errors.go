package logstore

import (
	"errors"
	"fmt"
)

// Kind classifies log store failures.
type Kind int

const (
	KindGeneric Kind = iota
	KindProtocol
	KindTransaction
	KindObjectStore
	KindJSON
	KindInvalidURL
	KindInvalidTableLocation
	KindInvalidJSONLog
	KindVersionNotFound
)

var kindNames = [...]string{
	KindGeneric:              "Generic",
	KindProtocol:             "Protocol",
	KindTransaction:          "Transaction",
	KindObjectStore:          "ObjectStore",
	KindJSON:                 "Json",
	KindInvalidURL:           "InvalidUrl",
	KindInvalidTableLocation: "InvalidTableLocation",
	KindInvalidJSONLog:       "InvalidJsonLog",
	KindVersionNotFound:      "VersionNotFound",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

var (
	// ErrVersionNotFound matches reads of a version that was never committed.
	// Callers must not retry it.
	ErrVersionNotFound = errors.New("log store: version not found")
	// ErrInvalidTableLocation matches a rejected table location.
	ErrInvalidTableLocation = errors.New("log store: invalid table location")
)

// Error is the log-store scoped error. Err keeps the lower-layer cause.
type Error struct {
	Kind    Kind
	Version int64
	Line    string
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindInvalidJSONLog:
		return fmt.Sprintf("log store: invalid JSON in log: %v, line: %s, version: %d", e.Err, e.Line, e.Version)
	case KindVersionNotFound:
		return fmt.Sprintf("log store: version %d not found", e.Version)
	case KindInvalidTableLocation:
		return "log store: invalid table location: " + e.Msg
	case KindInvalidURL:
		return fmt.Sprintf("log store: invalid URL: %v", e.Err)
	case KindObjectStore:
		return fmt.Sprintf("log store: object store error: %v", e.Err)
	case KindTransaction:
		return fmt.Sprintf("log store: transaction error: %v", e.Err)
	case KindProtocol:
		return fmt.Sprintf("log store: protocol error: %v", e.Err)
	case KindJSON:
		return fmt.Sprintf("log store: invalid JSON: %v", e.Err)
	default:
		if e.Err != nil {
			return fmt.Sprintf("log store: %s: %v", e.Msg, e.Err)
		}
		return "log store: " + e.Msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the package sentinels by kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrVersionNotFound:
		return e.Kind == KindVersionNotFound
	case ErrInvalidTableLocation:
		return e.Kind == KindInvalidTableLocation
	}
	return false
}

func generic(format string, args ...any) *Error {
	return &Error{Kind: KindGeneric, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the outermost log store error in err's chain.
func KindOf(err error) (Kind, bool) {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.Kind, true
	}
	return 0, false
}
