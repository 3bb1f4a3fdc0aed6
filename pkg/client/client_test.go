package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/api"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/objectstore"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/protocol"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/table"
)

const testSchema = `{"type":"struct","fields":[{"name":"id","type":"long","nullable":false,"metadata":{}}]}`

func startServer(t *testing.T, location string) *Client {
	t.Helper()
	t.Cleanup(func() { objectstore.DropShared(location) })
	m := table.NewManager()
	t.Cleanup(func() { _ = m.Close() })
	_, err := m.Ensure(context.Background(), "events", "memory://"+location)
	require.NoError(t, err)
	srv := httptest.NewServer(api.NewHTTP(m, api.WithGatherer(prometheus.NewRegistry())).Routes())
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func int64p(v int64) *int64 { return &v }

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := startServer(t, "client-roundtrip")

	head, err := c.Head(ctx, "events")
	require.NoError(t, err)
	assert.EqualValues(t, -1, head)

	v, err := c.Create(ctx, "events", protocol.Metadata{Name: "events", SchemaString: testSchema}, protocol.Protocol{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, v)

	res, err := c.Commit(ctx, "events", CommitRequest{
		ExpectedVersion: int64p(0),
		Operation:       "APPEND",
		Actions:         []protocol.Action{protocol.NewAdd("a.parquet", 5, true)},
	})
	require.NoError(t, err)
	assert.Equal(t, CommitResult{Version: 1, Attempts: 1}, res)

	actions, err := c.ReadVersion(ctx, "events", 1)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "APPEND", actions[0].CommitInfo.Operation)

	state, err := c.State(ctx, "events")
	require.NoError(t, err)
	assert.EqualValues(t, 1, state.Version)
	require.Len(t, state.Files, 1)
	assert.Equal(t, "a.parquet", state.Files[0].Path)

	history, err := c.History(ctx, "events")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.EqualValues(t, 0, history[1].Version)

	cp, err := c.Checkpoint(ctx, "events")
	require.NoError(t, err)
	assert.EqualValues(t, 1, cp)

	names, err := c.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"events"}, names)
}

func TestClientConcurrentCommitsAreGapless(t *testing.T) {
	ctx := context.Background()
	c := startServer(t, "client-concurrent")
	_, err := c.Create(ctx, "events", protocol.Metadata{Name: "events", SchemaString: testSchema}, protocol.Protocol{})
	require.NoError(t, err)

	const writers = 6
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		versions = map[int64]bool{}
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Commit(ctx, "events", CommitRequest{
				ExpectedVersion: int64p(0),
				Actions:         []protocol.Action{protocol.NewAdd("part-"+string(rune('a'+i)), 1, true)},
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			versions[res.Version] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	for v := int64(1); v <= writers; v++ {
		assert.True(t, versions[v], "version %d missing", v)
	}
}

func TestClientStatusErrors(t *testing.T) {
	ctx := context.Background()
	c := startServer(t, "client-errors")

	_, err := c.Head(ctx, "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	se := err.(*StatusError)
	assert.Equal(t, "TableNotFound", se.Kind)

	_, err = c.Create(ctx, "events", protocol.Metadata{Name: "events", SchemaString: testSchema}, protocol.Protocol{})
	require.NoError(t, err)
	_, err = c.Create(ctx, "events", protocol.Metadata{Name: "events", SchemaString: testSchema}, protocol.Protocol{})
	assert.True(t, IsConflict(err))

	_, err = c.ReadVersion(ctx, "events", 42)
	assert.True(t, IsNotFound(err))
}

func TestClientPlainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusTeapot)
	}))
	t.Cleanup(srv.Close)

	_, err := New(srv.URL).Head(context.Background(), "events")
	require.Error(t, err)
	se, ok := err.(*StatusError)
	require.True(t, ok)
	assert.Equal(t, http.StatusTeapot, se.Code)
	assert.Equal(t, "boom", se.Message)
	assert.Empty(t, se.Kind)
}

func TestClientDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	t.Cleanup(srv.Close)

	_, err := New(srv.URL).Head(context.Background(), "events")
	assert.Error(t, err)
}

func TestClientRequestError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(url).Head(context.Background(), "events")
	assert.Error(t, err)
}
