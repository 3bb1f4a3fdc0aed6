package protocol

import (
	"encoding/json"
	"sort"
)

// ReaderFeature is a capability readers must support to read a table.
type ReaderFeature string

// WriterFeature is a capability writers must support to write a table.
type WriterFeature string

const (
	ReaderColumnMapping       ReaderFeature = "columnMapping"
	ReaderDeletionVectors     ReaderFeature = "deletionVectors"
	ReaderTimestampNtz        ReaderFeature = "timestampNtz"
	ReaderV2Checkpoint        ReaderFeature = "v2Checkpoint"
	ReaderVacuumProtocolCheck ReaderFeature = "vacuumProtocolCheck"
)

const (
	WriterAppendOnly          WriterFeature = "appendOnly"
	WriterInvariants          WriterFeature = "invariants"
	WriterCheckConstraints    WriterFeature = "checkConstraints"
	WriterChangeDataFeed      WriterFeature = "changeDataFeed"
	WriterGeneratedColumns    WriterFeature = "generatedColumns"
	WriterColumnMapping       WriterFeature = "columnMapping"
	WriterIdentityColumns     WriterFeature = "identityColumns"
	WriterDeletionVectors     WriterFeature = "deletionVectors"
	WriterRowTracking         WriterFeature = "rowTracking"
	WriterTimestampNtz        WriterFeature = "timestampNtz"
	WriterDomainMetadata      WriterFeature = "domainMetadata"
	WriterV2Checkpoint        WriterFeature = "v2Checkpoint"
	WriterIcebergCompatV1     WriterFeature = "icebergCompatV1"
	WriterVacuumProtocolCheck WriterFeature = "vacuumProtocolCheck"
)

// Highest protocol versions this implementation understands.
const (
	MaxReaderVersion int32 = 3
	MaxWriterVersion int32 = 7
)

// Legacy writer versions implied the following features before table
// features were introduced at writer version 7.
var legacyWriterFeatures = map[int32][]WriterFeature{
	2: {WriterAppendOnly, WriterInvariants},
	3: {WriterAppendOnly, WriterInvariants, WriterCheckConstraints},
	4: {WriterAppendOnly, WriterInvariants, WriterCheckConstraints, WriterChangeDataFeed, WriterGeneratedColumns},
	5: {WriterAppendOnly, WriterInvariants, WriterCheckConstraints, WriterChangeDataFeed, WriterGeneratedColumns, WriterColumnMapping},
	6: {WriterAppendOnly, WriterInvariants, WriterCheckConstraints, WriterChangeDataFeed, WriterGeneratedColumns, WriterColumnMapping, WriterIdentityColumns},
}

// FeatureChecker decides whether this engine may read, write or commit to a
// table. It holds no mutable state: the same inputs always give the same answer.
type FeatureChecker struct {
	reader map[ReaderFeature]struct{}
	writer map[WriterFeature]struct{}
}

// DefaultReaderFeatures are the reader features this engine implements.
var DefaultReaderFeatures = []ReaderFeature{ReaderTimestampNtz, ReaderV2Checkpoint, ReaderVacuumProtocolCheck}

// DefaultWriterFeatures are the writer features this engine implements.
var DefaultWriterFeatures = []WriterFeature{
	WriterAppendOnly, WriterInvariants, WriterChangeDataFeed, WriterTimestampNtz,
	WriterDomainMetadata, WriterV2Checkpoint, WriterVacuumProtocolCheck,
}

// NewFeatureChecker builds a checker supporting exactly the given features.
func NewFeatureChecker(readers []ReaderFeature, writers []WriterFeature) FeatureChecker {
	fc := FeatureChecker{
		reader: make(map[ReaderFeature]struct{}, len(readers)),
		writer: make(map[WriterFeature]struct{}, len(writers)),
	}
	for _, f := range readers {
		fc.reader[f] = struct{}{}
	}
	for _, f := range writers {
		fc.writer[f] = struct{}{}
	}
	return fc
}

// DefaultFeatureChecker supports DefaultReaderFeatures and DefaultWriterFeatures.
func DefaultFeatureChecker() FeatureChecker {
	return NewFeatureChecker(DefaultReaderFeatures, DefaultWriterFeatures)
}

// CanReadFrom checks the reader side of p.
func (fc FeatureChecker) CanReadFrom(p Protocol) error {
	if p.MinReaderVersion > MaxReaderVersion {
		return genericError("unsupported reader version %d, max supported is %d", p.MinReaderVersion, MaxReaderVersion)
	}
	var missing []ReaderFeature
	for _, f := range p.ReaderFeatures {
		if _, ok := fc.reader[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
		return &TransactionError{Kind: TxnUnsupportedReaderFeatures, ReaderFeatures: missing}
	}
	return nil
}

// CanWriteTo checks that p can be read and written by this engine.
func (fc FeatureChecker) CanWriteTo(p Protocol) error {
	if err := fc.CanReadFrom(p); err != nil {
		return err
	}
	if p.MinWriterVersion > MaxWriterVersion {
		return genericError("unsupported writer version %d, max supported is %d", p.MinWriterVersion, MaxWriterVersion)
	}
	if p.MinWriterVersion >= 7 && len(p.WriterFeatures) == 0 {
		return &TransactionError{Kind: TxnWriterFeaturesRequired}
	}
	var missing []WriterFeature
	for _, f := range p.WriterFeatures {
		if _, ok := fc.writer[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
		return &TransactionError{Kind: TxnUnsupportedWriterFeatures, WriterFeatures: missing}
	}
	return nil
}

// CanCommit validates a pending commit against the table protocol and
// metadata. Protocol and metadata actions inside the commit take effect for
// the check.
func (fc FeatureChecker) CanCommit(p Protocol, m Metadata, actions []Action) error {
	for _, a := range actions {
		if a.Protocol != nil {
			p = *a.Protocol
		}
		if a.Metadata != nil {
			m = *a.Metadata
		}
	}
	if err := fc.CanWriteTo(p); err != nil {
		return err
	}
	for _, f := range RequiredWriterFeatures(m, actions) {
		if p.MinWriterVersion >= 7 {
			if !p.HasWriterFeature(f) {
				return &TransactionError{Kind: TxnWriterFeaturesRequired, Feature: f}
			}
			continue
		}
		if !legacySupports(p.MinWriterVersion, f) {
			return &TransactionError{Kind: TxnUnsupportedWriterFeatures, WriterFeatures: []WriterFeature{f}}
		}
	}
	return nil
}

func legacySupports(version int32, f WriterFeature) bool {
	if version >= 7 {
		return true
	}
	for _, have := range legacyWriterFeatures[version] {
		if have == f {
			return true
		}
	}
	return false
}

// RequiredWriterFeatures lists the writer features implied by the table
// configuration, its schema and the actions of a commit, in a stable order.
func RequiredWriterFeatures(m Metadata, actions []Action) []WriterFeature {
	seen := map[WriterFeature]struct{}{}
	if m.AppendOnly() {
		seen[WriterAppendOnly] = struct{}{}
	}
	if configEnabled(m.Configuration, ConfigEnableChangeDataFeed) {
		seen[WriterChangeDataFeed] = struct{}{}
	}
	if configEnabled(m.Configuration, ConfigEnableDeletionVectors) {
		seen[WriterDeletionVectors] = struct{}{}
	}
	for f := range schemaFeatures(m.SchemaString) {
		seen[f] = struct{}{}
	}
	for _, a := range actions {
		if a.Add != nil && len(a.Add.Tags) > 0 {
			if _, ok := a.Add.Tags["deletionVector"]; ok {
				seen[WriterDeletionVectors] = struct{}{}
			}
		}
	}
	out := make([]WriterFeature, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// schemaFeatures inspects field metadata for invariants and generated columns.
// Schema strings that do not parse imply nothing here; the kernel reports them.
func schemaFeatures(schema string) map[WriterFeature]struct{} {
	out := map[WriterFeature]struct{}{}
	if schema == "" {
		return out
	}
	var st struct {
		Fields []struct {
			Metadata map[string]json.RawMessage `json:"metadata"`
		} `json:"fields"`
	}
	if err := json.Unmarshal([]byte(schema), &st); err != nil {
		return out
	}
	for _, f := range st.Fields {
		if _, ok := f.Metadata["delta.invariants"]; ok {
			out[WriterInvariants] = struct{}{}
		}
		if _, ok := f.Metadata["delta.generationExpression"]; ok {
			out[WriterGeneratedColumns] = struct{}{}
		}
	}
	return out
}
