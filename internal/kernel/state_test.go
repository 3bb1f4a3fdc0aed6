package kernel

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/logstore"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/objectstore"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/protocol"
)

const partitionedSchema = `{"type":"struct","fields":[
 {"name":"id","type":"long","nullable":false,"metadata":{}},
 {"name":"country","type":"string","nullable":true,"metadata":{}},
 {"name":"day","type":"date","nullable":true,"metadata":{}},
 {"name":"bucket","type":"integer","nullable":true,"metadata":{}},
 {"name":"price","type":"decimal(10,2)","nullable":true,"metadata":{}},
 {"name":"tags","type":{"type":"array","elementType":"string","containsNull":true},"nullable":true,"metadata":{}}
]}`

func createActions(schema string, partitions []string, conf map[string]string) []protocol.Action {
	return []protocol.Action{
		protocol.NewProtocol(protocol.Protocol{MinReaderVersion: 1, MinWriterVersion: 2}),
		protocol.NewMetadata("events", schema, partitions, conf),
		{CommitInfo: &protocol.CommitInfo{Timestamp: 1000, Operation: "CREATE TABLE"}},
	}
}

func addWithPartitions(path string, values map[string]string) protocol.Action {
	a := protocol.NewAdd(path, 10, true)
	a.Add.PartitionValues = values
	return a
}

func TestStateApply(t *testing.T) {
	s := NewState()
	assert.EqualValues(t, -1, s.Version())
	assert.False(t, s.HasMetadata())

	require.NoError(t, s.Apply(0, createActions(partitionedSchema, nil, nil)))
	require.NoError(t, s.Apply(1, []protocol.Action{
		protocol.NewAdd("b.parquet", 1, true),
		protocol.NewAdd("a.parquet", 1, true),
		protocol.NewTxn("ingest", 3),
	}))
	require.NoError(t, s.Apply(2, []protocol.Action{protocol.NewRemove("b.parquet", true)}))

	assert.EqualValues(t, 2, s.Version())
	assert.True(t, s.HasMetadata())
	assert.True(t, s.HasProtocol())
	files := s.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "a.parquet", files[0].Path)
	_, ok := s.File("b.parquet")
	assert.False(t, ok)
	require.Len(t, s.Tombstones(), 1)
	assert.Equal(t, "b.parquet", s.Tombstones()[0].Path)

	v, ok := s.AppVersion("ingest")
	require.True(t, ok)
	assert.EqualValues(t, 3, v)
	ts, ok := s.CommitTimestamp(0)
	require.True(t, ok)
	assert.EqualValues(t, 1000, ts)

	require.NoError(t, s.Apply(3, []protocol.Action{protocol.NewAdd("b.parquet", 1, true)}))
	assert.Empty(t, s.Tombstones(), "re-adding a file clears its tombstone")
}

func TestStateApplyRejectsGaps(t *testing.T) {
	s := NewState()
	err := s.Apply(1, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingVersion))
	assert.EqualValues(t, -1, s.Version())
}

func TestStateCloneIsIndependent(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Apply(0, createActions(partitionedSchema, nil, nil)))
	c := s.Clone()
	require.NoError(t, c.Apply(1, []protocol.Action{protocol.NewAdd("x", 1, true)}))
	assert.Equal(t, 0, s.NumFiles())
	assert.Equal(t, 1, c.NumFiles())
	assert.EqualValues(t, 0, s.Version())
}

func TestPartitionValues(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Apply(0, createActions(partitionedSchema, []string{"country", "day", "bucket", "price"}, nil)))
	require.NoError(t, s.Apply(1, []protocol.Action{
		addWithPartitions("ok.parquet", map[string]string{"country": "BR", "day": "2024-03-01", "bucket": "7", "price": "12.50"}),
		addWithPartitions("null.parquet", map[string]string{"country": "", "day": "2024-03-01", "bucket": "1", "price": "1"}),
		addWithPartitions("bad.parquet", map[string]string{"country": "BR", "day": "2024-03-01", "bucket": "x", "price": "1"}),
	}))

	values, err := s.PartitionValues("ok.parquet")
	require.NoError(t, err)
	assert.Equal(t, "BR", values["country"])
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), values["day"])
	assert.Equal(t, int64(7), values["bucket"])
	assert.Equal(t, 0, big.NewRat(25, 2).Cmp(values["price"].(*big.Rat)))

	values, err = s.PartitionValues("null.parquet")
	require.NoError(t, err)
	assert.Nil(t, values["country"])

	_, err = s.PartitionValues("bad.parquet")
	require.Error(t, err)
	var kerr *Error
	require.True(t, errors.As(err, &kerr))
	assert.Equal(t, KindParse, kerr.Kind)
	assert.Equal(t, "kernel: failed to parse value 'x' as 'integer'", err.Error())

	_, err = s.PartitionValues("missing.parquet")
	assert.True(t, errors.Is(err, ErrFileNotFound))
}

func TestPartitionValuesSchemaMismatch(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Apply(0, createActions(partitionedSchema, []string{"region"}, nil)))
	require.NoError(t, s.Apply(1, []protocol.Action{addWithPartitions("a", map[string]string{"region": "eu"})}))
	_, err := s.PartitionValues("a")
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindMissingColumn, kind)

	s = NewState()
	require.NoError(t, s.Apply(0, createActions(partitionedSchema, []string{"tags"}, nil)))
	require.NoError(t, s.Apply(1, []protocol.Action{addWithPartitions("a", map[string]string{"tags": "x"})}))
	_, err = s.PartitionValues("a")
	kind, ok = KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindUnexpectedColumnType, kind)
}

func schemaWithMetadata(key string, value string) string {
	return `{"type":"struct","fields":[{"name":"value","type":"integer","nullable":true,"metadata":{"` +
		key + `":` + value + `}}]}`
}

func TestInvariants(t *testing.T) {
	s := NewState()
	invariant := `"{\"expression\":{\"expression\":\"value < 3\"}}"`
	require.NoError(t, s.Apply(0, createActions(schemaWithMetadata("delta.invariants", invariant), nil, nil)))
	invs, err := s.Invariants()
	require.NoError(t, err)
	assert.Equal(t, []Invariant{{Field: "value", Expression: "value < 3"}}, invs)

	s = NewState()
	require.NoError(t, s.Apply(0, createActions(schemaWithMetadata("delta.invariants", `"{not json"`), nil, nil)))
	_, err = s.Invariants()
	require.Error(t, err)
	var kerr *Error
	require.True(t, errors.As(err, &kerr))
	assert.Equal(t, KindInvalidInvariantJSON, kerr.Kind)
	assert.Equal(t, "{not json", kerr.Line, "the offending text is kept verbatim")
	var syntax *json.SyntaxError
	assert.True(t, errors.As(err, &syntax))
}

func TestNestedInvariantsUseDottedPath(t *testing.T) {
	schema := `{"type":"struct","fields":[{"name":"outer","type":{"type":"struct","fields":[
	 {"name":"inner","type":"long","nullable":true,"metadata":{"delta.invariants":"{\"expression\":{\"expression\":\"inner > 0\"}}"}}
	]},"nullable":true,"metadata":{}}]}`
	st, err := ParseSchema(schema)
	require.NoError(t, err)
	invs, err := st.Invariants()
	require.NoError(t, err)
	assert.Equal(t, []Invariant{{Field: "outer.inner", Expression: "inner > 0"}}, invs)
}

func TestGenerationExpressions(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Apply(0, createActions(schemaWithMetadata("delta.generationExpression", `"id * 2"`), nil, nil)))
	cols, err := s.GenerationExpressions()
	require.NoError(t, err)
	require.Len(t, cols, 1)
	assert.Equal(t, "value", cols[0].Field)
	assert.Equal(t, "id * 2", cols[0].Expression)
	assert.Equal(t, "integer", cols[0].Type.Primitive())

	s = NewState()
	require.NoError(t, s.Apply(0, createActions(schemaWithMetadata("delta.generationExpression", `{"sql":42}`), nil, nil)))
	_, err = s.GenerationExpressions()
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindInvalidGenerationExpressionJSON, kind)
	assert.Contains(t, err.Error(), `{"sql":42}`)
}

func TestSchemaErrors(t *testing.T) {
	_, err := ParseSchema("{")
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindSchema, kind)

	_, err = ParseSchema(`{"type":"array"}`)
	kind, _ = KindOf(err)
	assert.Equal(t, KindSchema, kind)

	_, err = NewState().Schema()
	assert.True(t, errors.Is(err, ErrMissingMetadata))
}

func TestWrapClassifiesCauses(t *testing.T) {
	lerr := &logstore.Error{Kind: logstore.KindVersionNotFound, Version: 4}
	perr := &protocol.ProtocolError{Kind: protocol.KindJSON, Line: "{"}
	oerr := &objectstore.Error{Op: "get", Key: "k", Err: errors.New("boom")}
	var target map[string]any
	jerr := json.Unmarshal([]byte("{"), &target)
	_, uerr := url.Parse("http://[::1")

	cases := []struct {
		err  error
		kind Kind
	}{
		{lerr, KindLogStore},
		{perr, KindProtocol},
		{oerr, KindObjectStore},
		{jerr, KindMalformedJSON},
		{uerr, KindInvalidURL},
		{errors.New("other"), KindGeneric},
	}
	for _, tc := range cases {
		wrapped := Wrap(tc.err)
		kind, ok := KindOf(wrapped)
		require.True(t, ok)
		assert.Equal(t, tc.kind, kind, tc.err.Error())
		assert.True(t, errors.Is(wrapped, tc.err), "cause must stay reachable")
		assert.Contains(t, wrapped.Error(), "kernel")
	}
	assert.Nil(t, Wrap(nil))

	already := &Error{Kind: KindMissingVersion}
	assert.Same(t, already, Wrap(already))
	assert.True(t, errors.Is(Wrap(lerr), logstore.ErrVersionNotFound))
}
