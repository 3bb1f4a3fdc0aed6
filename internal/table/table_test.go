package table

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/commit"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/config"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/kernel"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/logstore"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/metrics"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/objectstore"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/protocol"
)

const testSchema = `{"type":"struct","fields":[{"name":"id","type":"long","nullable":false,"metadata":{}}]}`

var testProtocol = protocol.Protocol{MinReaderVersion: 1, MinWriterVersion: 2}

func memoryLocation(t *testing.T, name string) string {
	t.Helper()
	t.Cleanup(func() { objectstore.DropShared(name) })
	return "memory://" + name
}

func metadata(conf map[string]string) protocol.Metadata {
	return *protocol.NewMetadata("events", testSchema, nil, conf).Metadata
}

func openTable(t *testing.T, location string, opts ...Option) *Table {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	tbl, err := Open(context.Background(), location, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

func createdTable(t *testing.T, name string, conf map[string]string, opts ...Option) (*Table, string) {
	t.Helper()
	loc := memoryLocation(t, name)
	tbl := openTable(t, loc, opts...)
	v, err := tbl.Create(context.Background(), metadata(conf), testProtocol)
	require.NoError(t, err)
	require.EqualValues(t, 0, v)
	return tbl, loc
}

func TestOpenEmptyThenCreate(t *testing.T) {
	ctx := context.Background()
	loc := memoryLocation(t, "table-create")
	tbl := openTable(t, loc)
	assert.EqualValues(t, -1, tbl.Version())

	v, err := tbl.Create(ctx, metadata(nil), testProtocol)
	require.NoError(t, err)
	assert.EqualValues(t, 0, v)
	assert.EqualValues(t, 0, tbl.Version())
	assert.Equal(t, "events", tbl.Snapshot().Metadata().Name)

	_, err = tbl.Create(ctx, metadata(nil), testProtocol)
	assert.ErrorIs(t, err, ErrTableExists)

	other := openTable(t, loc)
	assert.EqualValues(t, 0, other.Version())
	_, err = other.Create(ctx, metadata(nil), testProtocol)
	assert.ErrorIs(t, err, ErrTableExists)
}

func TestCommitOnEmptyLogRequiresProtocolAndMetadata(t *testing.T) {
	ctx := context.Background()
	loc := memoryLocation(t, "table-not-created")
	tbl := openTable(t, loc)

	_, err := tbl.Commit(ctx, -1, []protocol.Action{protocol.NewAdd("a.parquet", 1, true)})
	assert.ErrorIs(t, err, ErrTableNotCreated)
	md := metadata(nil)
	_, err = tbl.Commit(ctx, -1, []protocol.Action{{Metadata: &md}})
	assert.ErrorIs(t, err, ErrTableNotCreated)

	txn := tbl.Begin()
	require.NoError(t, txn.Add(protocol.AddFile{Path: "b.parquet", Size: 1, DataChange: true}))
	_, err = txn.Commit(ctx)
	assert.ErrorIs(t, err, ErrTableNotCreated)

	head, err := tbl.Update(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, -1, head, "nothing may be written")

	v, err := tbl.Create(ctx, metadata(nil), testProtocol)
	require.NoError(t, err)
	assert.EqualValues(t, 0, v)
	openTable(t, loc)

	fresh := openTable(t, memoryLocation(t, "table-created-by-commit"))
	res, err := fresh.Commit(ctx, -1, []protocol.Action{
		protocol.NewProtocol(testProtocol), {Metadata: &md}, protocol.NewAdd("c.parquet", 1, true),
	})
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.Version)
	assert.Equal(t, 1, fresh.Snapshot().NumFiles())
}

func TestOpenRefusesUnreadableProtocol(t *testing.T) {
	ctx := context.Background()
	loc := memoryLocation(t, "table-column-mapping")
	ls, err := logstore.OpenURL(ctx, loc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ls.Close() })
	md := metadata(nil)
	require.NoError(t, ls.AppendIfAbsent(ctx, 0, []protocol.Action{
		protocol.NewProtocol(protocol.Protocol{
			MinReaderVersion: 3,
			MinWriterVersion: 7,
			ReaderFeatures:   []protocol.ReaderFeature{protocol.ReaderColumnMapping},
			WriterFeatures:   []protocol.WriterFeature{protocol.WriterColumnMapping},
		}),
		{Metadata: &md},
	}))

	_, err = Open(ctx, loc, WithLogger(zaptest.NewLogger(t)))
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrUnsupportedReaderFeatures)

	fc := protocol.NewFeatureChecker(
		append([]protocol.ReaderFeature{protocol.ReaderColumnMapping}, protocol.DefaultReaderFeatures...),
		append([]protocol.WriterFeature{protocol.WriterColumnMapping}, protocol.DefaultWriterFeatures...))
	tbl := openTable(t, loc, WithFeatureChecker(fc))
	assert.EqualValues(t, 0, tbl.Version())
}

func TestOpenRejectsBadLocation(t *testing.T) {
	_, err := Open(context.Background(), "relative/table")
	require.Error(t, err)
	assert.ErrorIs(t, err, logstore.ErrInvalidTableLocation)
}

func TestCommitHistoryAndReadVersion(t *testing.T) {
	ctx := context.Background()
	tbl, _ := createdTable(t, "table-history", nil)

	res, err := tbl.Commit(ctx, 0, []protocol.Action{protocol.NewAdd("a.parquet", 1, true)},
		commit.WithOperation("APPEND", nil))
	require.NoError(t, err)
	assert.Equal(t, commit.Result{Version: 1, Attempts: 1}, res)
	assert.EqualValues(t, 1, tbl.Version())
	assert.Equal(t, 1, tbl.Snapshot().NumFiles())

	actions, err := tbl.ReadVersion(ctx, 1)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.NotNil(t, actions[0].CommitInfo)

	history, err := tbl.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.EqualValues(t, 1, history[0].Version)
	assert.Equal(t, "APPEND", history[0].Info.Operation)
	assert.Equal(t, 1, history[0].NumActions)
	assert.Equal(t, "CREATE TABLE", history[1].Info.Operation)

	_, err = tbl.ReadVersion(ctx, 9)
	assert.ErrorIs(t, err, logstore.ErrVersionNotFound)
}

func TestCommitVersionAhead(t *testing.T) {
	tbl, _ := createdTable(t, "table-ahead", nil)
	_, err := tbl.Commit(context.Background(), 5, []protocol.Action{protocol.NewAdd("a", 1, true)})
	assert.ErrorIs(t, err, ErrVersionAhead)
	assert.EqualValues(t, 0, tbl.Version())
}

func TestHandlesRaceOnSameLocation(t *testing.T) {
	ctx := context.Background()
	a, loc := createdTable(t, "table-race", nil)
	b := openTable(t, loc)
	require.EqualValues(t, 0, b.Version())

	_, err := a.Commit(ctx, 0, []protocol.Action{protocol.NewAdd("from-a", 1, true)})
	require.NoError(t, err)

	res, err := b.Commit(ctx, 0, []protocol.Action{protocol.NewAdd("from-b", 1, true)})
	require.NoError(t, err)
	assert.Equal(t, commit.Result{Version: 2, Attempts: 2}, res)
	assert.EqualValues(t, 2, b.Version())
	assert.Equal(t, 2, b.Snapshot().NumFiles(), "b observes the winner's file too")
}

func TestTxnLifecycle(t *testing.T) {
	ctx := context.Background()
	tbl, _ := createdTable(t, "table-txn", nil)

	txn := tbl.Begin()
	assert.EqualValues(t, 0, txn.ReadVersion())
	require.NoError(t, txn.Add(protocol.AddFile{Path: "a.parquet", Size: 10, DataChange: true}))
	require.NoError(t, txn.Add(protocol.AddFile{Path: "b.parquet", Size: 10, DataChange: true}))
	require.NoError(t, txn.SetAppTransaction("ingest", 1))
	txn.SetOperation("STREAMING UPDATE", map[string]any{"batch": 1})
	res, err := txn.Commit(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Version)

	_, err = txn.Commit(ctx)
	assert.ErrorIs(t, err, ErrTransactionClosed)
	assert.ErrorIs(t, txn.Add(protocol.AddFile{Path: "c"}), ErrTransactionClosed)

	v, ok := tbl.Snapshot().AppVersion("ingest")
	require.True(t, ok)
	assert.EqualValues(t, 1, v)

	empty := tbl.Begin()
	_, err = empty.Commit(ctx)
	assert.ErrorIs(t, err, ErrEmptyTransaction)

	aborted := tbl.Begin()
	require.NoError(t, aborted.Remove("a.parquet", true))
	aborted.Abort()
	assert.ErrorIs(t, aborted.Remove("b.parquet", true), ErrTransactionClosed)
	assert.EqualValues(t, 1, tbl.Version(), "aborted transactions write nothing")

	assert.Error(t, tbl.Begin().Add(protocol.AddFile{}))
}

func TestTxnSameAppConflicts(t *testing.T) {
	ctx := context.Background()
	tbl, _ := createdTable(t, "table-app", nil)

	first, second := tbl.Begin(), tbl.Begin()
	for _, txn := range []*Txn{first, second} {
		require.NoError(t, txn.SetAppTransaction("ingest", 7))
		require.NoError(t, txn.Add(protocol.AddFile{Path: "batch-7.parquet", DataChange: true}))
	}
	_, err := first.Commit(ctx)
	require.NoError(t, err)
	_, err = second.Commit(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrCommitConflict)
	assert.EqualValues(t, 1, tbl.Version())
}

func TestAppendOnlyTableRejectsDeletes(t *testing.T) {
	ctx := context.Background()
	tbl, _ := createdTable(t, "table-append-only", map[string]string{protocol.ConfigAppendOnly: "true"})
	_, err := tbl.Commit(ctx, 0, []protocol.Action{protocol.NewAdd("a", 1, true)})
	require.NoError(t, err)

	txn := tbl.Begin()
	require.NoError(t, txn.Remove("a", true))
	_, err = txn.Commit(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrDeltaTableAppendOnly)
	assert.EqualValues(t, 1, tbl.Version())
}

func TestAutomaticCheckpoints(t *testing.T) {
	ctx := context.Background()
	tbl, loc := createdTable(t, "table-checkpoint", nil, WithCheckpointInterval(2), WithCheckpointCompression(logstore.CompressionZstd))

	_, _, ok, err := tbl.log.LatestCheckpoint(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = tbl.Commit(ctx, 0, []protocol.Action{protocol.NewAdd("a", 1, true)})
	require.NoError(t, err)
	v, _, ok, err := tbl.log.LatestCheckpoint(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1, v)

	reopened := openTable(t, loc, WithCheckpointCompression(logstore.CompressionZstd))
	assert.EqualValues(t, 1, reopened.Version())
	assert.Equal(t, 1, reopened.Snapshot().NumFiles())
}

func TestCheckpointIntervalTableProperty(t *testing.T) {
	ctx := context.Background()
	tbl, _ := createdTable(t, "table-checkpoint-prop", map[string]string{protocol.ConfigCheckpointInterval: "1"})
	v, _, ok, err := tbl.log.LatestCheckpoint(ctx)
	require.NoError(t, err)
	require.True(t, ok, "interval 1 checkpoints every version")
	assert.EqualValues(t, 0, v)

	v, err = tbl.Checkpoint(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, v)
}

func TestManager(t *testing.T) {
	ctx := context.Background()
	loc := memoryLocation(t, "manager-orders")
	m := NewManager(WithLogger(zaptest.NewLogger(t)))

	a, err := m.Ensure(ctx, "orders", loc)
	require.NoError(t, err)
	b, err := m.Ensure(ctx, "orders", loc)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, "orders", a.Name())

	_, err = m.Get("missing")
	assert.ErrorIs(t, err, ErrTableNotFound)
	got, err := m.Get("orders")
	require.NoError(t, err)
	assert.Same(t, a, got)
	assert.Equal(t, []string{"orders"}, m.Names())

	require.NoError(t, m.Close())
	assert.Empty(t, m.Names())
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Commit.MaxAttempts = 3
	m := metrics.NewCommit(prometheus.NewRegistry())
	opts, err := OptionsFromConfig(cfg, zaptest.NewLogger(t), m)
	require.NoError(t, err)

	tbl := openTable(t, memoryLocation(t, "table-config"), append(opts, WithName("cfg"))...)
	assert.Equal(t, 3, tbl.coord.MaxAttempts())
	assert.EqualValues(t, cfg.Checkpoint.Interval, tbl.checkpointInterval)

	cfg.Checkpoint.Compression = "brotli"
	_, err = OptionsFromConfig(cfg, nil, nil)
	assert.Error(t, err)
}

func TestOpenRejectsLogWithoutMetadata(t *testing.T) {
	ctx := context.Background()
	loc := memoryLocation(t, "table-no-metadata")
	ls, err := logstore.OpenURL(ctx, loc)
	require.NoError(t, err)
	require.NoError(t, ls.AppendIfAbsent(ctx, 0, []protocol.Action{protocol.NewAdd("a", 1, true)}))

	_, err = Open(ctx, loc)
	assert.ErrorIs(t, err, kernel.ErrMissingMetadata)
}

func TestManagerRefreshSeesOtherWriters(t *testing.T) {
	ctx := context.Background()
	writer, loc := createdTable(t, "manager-refresh", nil)

	m := NewManager()
	t.Cleanup(func() { _ = m.Close() })
	served, err := m.Ensure(ctx, "events", loc)
	require.NoError(t, err)
	require.EqualValues(t, 0, served.Version())

	m.StartRefresh(5*time.Millisecond, zaptest.NewLogger(t))
	_, err = writer.Commit(ctx, 0, []protocol.Action{protocol.NewAdd("a", 1, true)})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return served.Version() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Close())
}
