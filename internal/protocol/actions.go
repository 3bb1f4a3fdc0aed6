package protocol

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Table configuration keys understood by the writer.
const (
	ConfigAppendOnly            = "delta.appendOnly"
	ConfigEnableChangeDataFeed  = "delta.enableChangeDataFeed"
	ConfigEnableDeletionVectors = "delta.enableDeletionVectors"
	ConfigCheckpointInterval    = "delta.checkpointInterval"
)

// AddFile declares a data file as part of the table.
type AddFile struct {
	Path             string            `json:"path"`
	PartitionValues  map[string]string `json:"partitionValues"`
	Size             int64             `json:"size"`
	ModificationTime int64             `json:"modificationTime"`
	DataChange       bool              `json:"dataChange"`
	Stats            string            `json:"stats,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
}

// RemoveFile tombstones a previously added data file.
type RemoveFile struct {
	Path                 string            `json:"path"`
	DeletionTimestamp    *int64            `json:"deletionTimestamp,omitempty"`
	DataChange           bool              `json:"dataChange"`
	ExtendedFileMetadata bool              `json:"extendedFileMetadata,omitempty"`
	PartitionValues      map[string]string `json:"partitionValues,omitempty"`
	Size                 *int64            `json:"size,omitempty"`
}

// Format names the data file format of the table.
type Format struct {
	Provider string            `json:"provider"`
	Options  map[string]string `json:"options"`
}

// Metadata describes the table: schema, partitioning and configuration.
type Metadata struct {
	ID               string            `json:"id"`
	Name             string            `json:"name,omitempty"`
	Description      string            `json:"description,omitempty"`
	Format           Format            `json:"format"`
	SchemaString     string            `json:"schemaString"`
	PartitionColumns []string          `json:"partitionColumns"`
	Configuration    map[string]string `json:"configuration"`
	CreatedTime      *int64            `json:"createdTime,omitempty"`
}

// AppendOnly reports whether the table forbids data-changing removes.
func (m Metadata) AppendOnly() bool {
	return configEnabled(m.Configuration, ConfigAppendOnly)
}

func configEnabled(conf map[string]string, key string) bool {
	return strings.EqualFold(strings.TrimSpace(conf[key]), "true")
}

// Protocol carries the reader/writer requirements of the table.
type Protocol struct {
	MinReaderVersion int32           `json:"minReaderVersion"`
	MinWriterVersion int32           `json:"minWriterVersion"`
	ReaderFeatures   []ReaderFeature `json:"readerFeatures,omitempty"`
	WriterFeatures   []WriterFeature `json:"writerFeatures,omitempty"`
}

// HasWriterFeature reports whether f is declared by the protocol.
func (p Protocol) HasWriterFeature(f WriterFeature) bool {
	for _, have := range p.WriterFeatures {
		if have == f {
			return true
		}
	}
	return false
}

// CommitInfo is provenance recorded alongside each commit.
type CommitInfo struct {
	Timestamp           int64          `json:"timestamp"`
	Operation           string         `json:"operation,omitempty"`
	OperationParameters map[string]any `json:"operationParameters,omitempty"`
	ReadVersion         *int64         `json:"readVersion,omitempty"`
	IsBlindAppend       *bool          `json:"isBlindAppend,omitempty"`
	TxnID               string         `json:"txnId,omitempty"`
	EngineInfo          string         `json:"engineInfo,omitempty"`
}

// Txn records the last version committed by an idempotent application writer.
type Txn struct {
	AppID       string `json:"appId"`
	Version     int64  `json:"version"`
	LastUpdated *int64 `json:"lastUpdated,omitempty"`
}

// Action is a single line of a commit. Exactly one field is set.
type Action struct {
	Add        *AddFile    `json:"add,omitempty"`
	Remove     *RemoveFile `json:"remove,omitempty"`
	Metadata   *Metadata   `json:"metaData,omitempty"`
	Protocol   *Protocol   `json:"protocol,omitempty"`
	CommitInfo *CommitInfo `json:"commitInfo,omitempty"`
	Txn        *Txn        `json:"txn,omitempty"`
}

// Type returns the JSON key of the populated payload, or "" when none is set.
func (a Action) Type() string {
	switch {
	case a.Add != nil:
		return "add"
	case a.Remove != nil:
		return "remove"
	case a.Metadata != nil:
		return "metaData"
	case a.Protocol != nil:
		return "protocol"
	case a.CommitInfo != nil:
		return "commitInfo"
	case a.Txn != nil:
		return "txn"
	}
	return ""
}

// Validate checks the structural rules of a single action.
func (a Action) Validate() error {
	set := 0
	for _, present := range []bool{a.Add != nil, a.Remove != nil, a.Metadata != nil, a.Protocol != nil, a.CommitInfo != nil, a.Txn != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return genericError("action must carry exactly one payload, got %d", set)
	}
	switch {
	case a.Add != nil && a.Add.Path == "":
		return genericError("add action requires a path")
	case a.Remove != nil && a.Remove.Path == "":
		return genericError("remove action requires a path")
	case a.Metadata != nil && a.Metadata.ID == "":
		return genericError("metaData action requires an id")
	case a.Protocol != nil && (a.Protocol.MinReaderVersion < 1 || a.Protocol.MinWriterVersion < 1):
		return genericError("protocol versions must be positive, got reader=%d writer=%d",
			a.Protocol.MinReaderVersion, a.Protocol.MinWriterVersion)
	case a.Txn != nil && a.Txn.AppID == "":
		return genericError("txn action requires an appId")
	}
	return nil
}

// NewAdd builds an add action stamped with the current time.
func NewAdd(path string, size int64, dataChange bool) Action {
	return Action{Add: &AddFile{
		Path:             path,
		PartitionValues:  map[string]string{},
		Size:             size,
		ModificationTime: time.Now().UnixMilli(),
		DataChange:       dataChange,
	}}
}

// NewRemove builds a remove action stamped with the current time.
func NewRemove(path string, dataChange bool) Action {
	ts := time.Now().UnixMilli()
	return Action{Remove: &RemoveFile{Path: path, DeletionTimestamp: &ts, DataChange: dataChange}}
}

// NewMetadata builds a metaData action with a fresh table id.
func NewMetadata(name, schemaString string, partitionColumns []string, configuration map[string]string) Action {
	created := time.Now().UnixMilli()
	if partitionColumns == nil {
		partitionColumns = []string{}
	}
	if configuration == nil {
		configuration = map[string]string{}
	}
	return Action{Metadata: &Metadata{
		ID:               uuid.NewString(),
		Name:             name,
		Format:           Format{Provider: "parquet", Options: map[string]string{}},
		SchemaString:     schemaString,
		PartitionColumns: partitionColumns,
		Configuration:    configuration,
		CreatedTime:      &created,
	}}
}

// NewProtocol builds a protocol action.
func NewProtocol(p Protocol) Action {
	cp := p
	return Action{Protocol: &cp}
}

// NewTxn builds a set-transaction action.
func NewTxn(appID string, version int64) Action {
	ts := time.Now().UnixMilli()
	return Action{Txn: &Txn{AppID: appID, Version: version, LastUpdated: &ts}}
}

// IsBlindAppend reports whether actions only add files.
func IsBlindAppend(actions []Action) bool {
	for _, a := range actions {
		if a.Remove != nil || a.Metadata != nil || a.Protocol != nil {
			return false
		}
	}
	return true
}
