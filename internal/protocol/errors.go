package protocol

import (
	"errors"
	"fmt"
)

// ProtocolErrorKind classifies malformed protocol data.
type ProtocolErrorKind int

const (
	// KindGeneric covers protocol violations that are not encoding related.
	KindGeneric ProtocolErrorKind = iota
	// KindJSON reports a record that could not be (de)serialized.
	KindJSON
)

// ProtocolError is returned when protocol records are malformed or violate the
// protocol rules. JSON failures keep the offending raw line.
type ProtocolError struct {
	Kind   ProtocolErrorKind
	Msg    string
	Line   string
	LineNo int
	Err    error
}

func (e *ProtocolError) Error() string {
	switch e.Kind {
	case KindJSON:
		if e.Line != "" {
			return fmt.Sprintf("JSON error: %v, line %d: %s", e.Err, e.LineNo, e.Line)
		}
		return fmt.Sprintf("JSON error: %v", e.Err)
	default:
		if e.Err != nil {
			return fmt.Sprintf("protocol error: %s: %v", e.Msg, e.Err)
		}
		return "protocol error: " + e.Msg
	}
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func genericError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Kind: KindGeneric, Msg: fmt.Sprintf(format, args...)}
}

// TxnErrorKind enumerates the ways a commit can fail.
type TxnErrorKind int

const (
	TxnVersionAlreadyExists TxnErrorKind = iota + 1
	TxnSerializeLogJSON
	TxnObjectStore
	TxnCommitConflict
	TxnMaxCommitAttempts
	TxnDeltaTableAppendOnly
	TxnUnsupportedReaderFeatures
	TxnUnsupportedWriterFeatures
	TxnWriterFeaturesRequired
)

var txnKindNames = map[TxnErrorKind]string{
	TxnVersionAlreadyExists:      "VersionAlreadyExists",
	TxnSerializeLogJSON:          "SerializeLogJson",
	TxnObjectStore:               "ObjectStore",
	TxnCommitConflict:            "CommitConflict",
	TxnMaxCommitAttempts:         "MaxCommitAttempts",
	TxnDeltaTableAppendOnly:      "DeltaTableAppendOnly",
	TxnUnsupportedReaderFeatures: "UnsupportedReaderFeatures",
	TxnUnsupportedWriterFeatures: "UnsupportedWriterFeatures",
	TxnWriterFeaturesRequired:    "WriterFeaturesRequired",
}

func (k TxnErrorKind) String() string {
	if name, ok := txnKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("TxnErrorKind(%d)", int(k))
}

var (
	// ErrVersionAlreadyExists matches a commit that lost the race for its version.
	ErrVersionAlreadyExists = errors.New("version already exists")
	// ErrSerializeLogJSON matches a commit that could not be encoded.
	ErrSerializeLogJSON = errors.New("serialize commit log")
	// ErrObjectStore matches storage failures raised while committing.
	ErrObjectStore = errors.New("log storage error")
	// ErrCommitConflict matches a logical conflict with a concurrent winner.
	ErrCommitConflict = errors.New("commit conflict")
	// ErrMaxCommitAttempts matches an exhausted retry budget.
	ErrMaxCommitAttempts = errors.New("max commit attempts exceeded")
	// ErrDeltaTableAppendOnly matches a data-changing remove on an append-only table.
	ErrDeltaTableAppendOnly = errors.New("delta table is append-only")
	// ErrUnsupportedReaderFeatures matches missing reader capabilities.
	ErrUnsupportedReaderFeatures = errors.New("unsupported reader features")
	// ErrUnsupportedWriterFeatures matches missing writer capabilities.
	ErrUnsupportedWriterFeatures = errors.New("unsupported writer features")
	// ErrWriterFeaturesRequired matches an undeclared writer feature at writer version >= 7.
	ErrWriterFeaturesRequired = errors.New("writer features required")
)

var txnSentinels = map[TxnErrorKind]error{
	TxnVersionAlreadyExists:      ErrVersionAlreadyExists,
	TxnSerializeLogJSON:          ErrSerializeLogJSON,
	TxnObjectStore:               ErrObjectStore,
	TxnCommitConflict:            ErrCommitConflict,
	TxnMaxCommitAttempts:         ErrMaxCommitAttempts,
	TxnDeltaTableAppendOnly:      ErrDeltaTableAppendOnly,
	TxnUnsupportedReaderFeatures: ErrUnsupportedReaderFeatures,
	TxnUnsupportedWriterFeatures: ErrUnsupportedWriterFeatures,
	TxnWriterFeaturesRequired:    ErrWriterFeaturesRequired,
}

// TransactionError is raised while committing a transaction. Only the fields
// relevant to Kind are populated.
type TransactionError struct {
	Kind           TxnErrorKind
	Version        int64
	Attempts       int
	ReaderFeatures []ReaderFeature
	WriterFeatures []WriterFeature
	Feature        WriterFeature
	Msg            string
	Err            error
}

func (e *TransactionError) Error() string {
	switch e.Kind {
	case TxnVersionAlreadyExists:
		return fmt.Sprintf("tried committing existing table version: %d", e.Version)
	case TxnSerializeLogJSON:
		return fmt.Sprintf("error serializing commit log to json: %v", e.Err)
	case TxnObjectStore:
		return fmt.Sprintf("log storage error: %v", e.Err)
	case TxnCommitConflict:
		return "failed to commit transaction: " + e.Msg
	case TxnMaxCommitAttempts:
		return fmt.Sprintf("failed to commit transaction: exceeded %d commit attempts", e.Attempts)
	case TxnDeltaTableAppendOnly:
		return "the transaction includes Remove action with data change but Delta table is append-only"
	case TxnUnsupportedReaderFeatures:
		return fmt.Sprintf("unsupported reader features required: %v", e.ReaderFeatures)
	case TxnUnsupportedWriterFeatures:
		return fmt.Sprintf("unsupported writer features required: %v", e.WriterFeatures)
	case TxnWriterFeaturesRequired:
		if e.Feature == "" {
			return "writer features must be specified for writer version >= 7"
		}
		return fmt.Sprintf("writer features must be specified for writer version >= 7, please specify: %s", e.Feature)
	default:
		return "transaction error: " + e.Kind.String()
	}
}

func (e *TransactionError) Unwrap() error { return e.Err }

// Is matches the sentinel of the error kind.
func (e *TransactionError) Is(target error) bool {
	sentinel, ok := txnSentinels[e.Kind]
	return ok && sentinel == target
}

// VersionAlreadyExists builds the conflict error for version.
func VersionAlreadyExists(version int64) *TransactionError {
	return &TransactionError{Kind: TxnVersionAlreadyExists, Version: version}
}

// CommitConflict builds a terminal logical conflict.
func CommitConflict(format string, args ...any) *TransactionError {
	return &TransactionError{Kind: TxnCommitConflict, Msg: fmt.Sprintf(format, args...)}
}

// MaxCommitAttempts reports an exhausted retry budget.
func MaxCommitAttempts(attempts int) *TransactionError {
	return &TransactionError{Kind: TxnMaxCommitAttempts, Attempts: attempts}
}

// AppendOnlyViolation reports a data-changing remove on an append-only table.
func AppendOnlyViolation() *TransactionError {
	return &TransactionError{Kind: TxnDeltaTableAppendOnly}
}

// Retryable reports whether err is a version race the coordinator may retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrVersionAlreadyExists)
}
