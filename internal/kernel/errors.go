package kernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/logstore"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/objectstore"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/protocol"
)

// Kind classifies kernel failures.
type Kind int

const (
	KindGeneric Kind = iota
	KindProtocol
	KindLogStore
	KindObjectStore
	KindFileNotFound
	KindMissingColumn
	KindUnexpectedColumnType
	KindMissingData
	KindMissingVersion
	KindDeletionVector
	KindSchema
	KindInvalidURL
	KindMalformedJSON
	KindMissingMetadata
	KindInvalidInvariantJSON
	KindInvalidGenerationExpressionJSON
	KindMetadata
	KindParse
	KindDecode
)

var kindNames = [...]string{
	KindGeneric:                         "Generic",
	KindProtocol:                        "Protocol",
	KindLogStore:                        "LogStore",
	KindObjectStore:                     "ObjectStore",
	KindFileNotFound:                    "FileNotFound",
	KindMissingColumn:                   "MissingColumn",
	KindUnexpectedColumnType:            "UnexpectedColumnType",
	KindMissingData:                     "MissingData",
	KindMissingVersion:                  "MissingVersion",
	KindDeletionVector:                  "DeletionVector",
	KindSchema:                          "Schema",
	KindInvalidURL:                      "InvalidUrl",
	KindMalformedJSON:                   "MalformedJson",
	KindMissingMetadata:                 "MissingMetadata",
	KindInvalidInvariantJSON:            "InvalidInvariantJson",
	KindInvalidGenerationExpressionJSON: "InvalidGenerationExpressionJson",
	KindMetadata:                        "Metadata",
	KindParse:                           "Parse",
	KindDecode:                          "Decode",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

var (
	// ErrMissingVersion matches a table without any readable version.
	ErrMissingVersion = errors.New("kernel: no table version found")
	// ErrMissingMetadata matches a log without a metaData action.
	ErrMissingMetadata = errors.New("kernel: no table metadata found in delta log")
	// ErrFileNotFound matches lookups of a file that is not active.
	ErrFileNotFound = errors.New("kernel: file not found")
)

// Error is the kernel scoped error. Line keeps the raw text that failed to
// parse; Value and Type describe a failed partition value conversion.
type Error struct {
	Kind   Kind
	Msg    string
	Line   string
	Value  string
	Type   string
	Format string
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindProtocol:
		return fmt.Sprintf("kernel: protocol error: %v", e.Err)
	case KindLogStore:
		return fmt.Sprintf("kernel: %v", e.Err)
	case KindObjectStore:
		return fmt.Sprintf("kernel: object store error: %v", e.Err)
	case KindFileNotFound:
		return "kernel: file not found: " + e.Msg
	case KindMissingColumn:
		return "kernel: " + e.Msg
	case KindUnexpectedColumnType:
		return "kernel: expected column type: " + e.Msg
	case KindMissingData:
		return "kernel: expected data is missing: " + e.Msg
	case KindMissingVersion:
		if e.Msg != "" {
			return "kernel: no table version found: " + e.Msg
		}
		return "kernel: no table version found"
	case KindDeletionVector:
		return "kernel: deletion vector error: " + e.Msg
	case KindSchema:
		return fmt.Sprintf("kernel: schema error: %s: %v", e.Msg, e.Err)
	case KindInvalidURL:
		return fmt.Sprintf("kernel: invalid url: %v", e.Err)
	case KindMalformedJSON:
		return fmt.Sprintf("kernel: invalid JSON: %v", e.Err)
	case KindMissingMetadata:
		return "kernel: no table metadata found in delta log"
	case KindInvalidInvariantJSON:
		return fmt.Sprintf("kernel: invalid JSON in invariant expression, line=`%s`, err=`%v`", e.Line, e.Err)
	case KindInvalidGenerationExpressionJSON:
		return fmt.Sprintf("kernel: invalid JSON in generation expression, line=`%s`, err=`%v`", e.Line, e.Err)
	case KindMetadata:
		return "kernel: table metadata is invalid: " + e.Msg
	case KindParse:
		return fmt.Sprintf("kernel: failed to parse value '%s' as '%s'", e.Value, e.Type)
	case KindDecode:
		return fmt.Sprintf("kernel: decode %s: %s: %v", e.Format, e.Msg, e.Err)
	default:
		if e.Err != nil && e.Msg != "" {
			return fmt.Sprintf("kernel: %s: %v", e.Msg, e.Err)
		}
		if e.Err != nil {
			return fmt.Sprintf("kernel: generic error: %v", e.Err)
		}
		return "kernel: " + e.Msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrMissingVersion:
		return e.Kind == KindMissingVersion
	case ErrMissingMetadata:
		return e.Kind == KindMissingMetadata
	case ErrFileNotFound:
		return e.Kind == KindFileNotFound
	}
	return false
}

// Wrap classifies an error raised below the kernel. Kernel errors and nil
// pass through unchanged; the original cause stays reachable via Unwrap.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	var kerr *Error
	if errors.As(err, &kerr) {
		return err
	}
	var (
		lerr    *logstore.Error
		perr    *protocol.ProtocolError
		oerr    *objectstore.Error
		syntax  *json.SyntaxError
		typeErr *json.UnmarshalTypeError
		uerr    *url.Error
	)
	switch {
	case errors.As(err, &lerr):
		return &Error{Kind: KindLogStore, Err: err}
	case errors.As(err, &perr):
		return &Error{Kind: KindProtocol, Err: err}
	case errors.As(err, &oerr):
		return &Error{Kind: KindObjectStore, Err: err}
	case errors.As(err, &syntax), errors.As(err, &typeErr):
		return &Error{Kind: KindMalformedJSON, Err: err}
	case errors.As(err, &uerr):
		return &Error{Kind: KindInvalidURL, Err: err}
	default:
		return &Error{Kind: KindGeneric, Err: err}
	}
}

// KindOf returns the kind of the first kernel error in err's chain.
func KindOf(err error) (Kind, bool) {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Kind, true
	}
	return 0, false
}
