package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/objectstore"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/protocol"
)

const cliSchema = `{"type":"struct","fields":[{"name":"id","type":"long","nullable":false,"metadata":{}}]}`

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DELTA_CONFIG", "")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestTableCommands(t *testing.T) {
	t.Cleanup(func() { objectstore.DropShared("cli-table") })
	loc := "memory://cli-table"

	out, err := runCLI(t, "create", "--location", loc, "--name", "events", "--schema", cliSchema,
		"--property", "delta.appendOnly=false")
	require.NoError(t, err)
	assert.Contains(t, out, "at version 0")

	out, err = runCLI(t, "commit", "--location", loc, "--add", "a.parquet:10", "--add", "b.parquet",
		"--operation", "APPEND", "--app-id", "ingest", "--app-version", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "committed version 1 after 1 attempt(s)")

	out, err = runCLI(t, "commit", "--location", loc, "--expected-version", "0", "--remove", "a.parquet")
	require.NoError(t, err)
	assert.Contains(t, out, "committed version 2 after 2 attempt(s)")

	out, err = runCLI(t, "log", "--location", loc)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "1\tAPPEND\t3 actions"), lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "0\tCREATE TABLE"), lines[2])

	out, err = runCLI(t, "log", "--location", loc, "--version", "1")
	require.NoError(t, err)
	actions, err := protocol.DecodeCommit([]byte(out))
	require.NoError(t, err)
	require.Len(t, actions, 4)
	assert.EqualValues(t, 10, actions[1].Add.Size)

	out, err = runCLI(t, "state", "--location", loc)
	require.NoError(t, err)
	assert.Contains(t, out, `"b.parquet"`)
	assert.NotContains(t, out, `"a.parquet"`)

	out, err = runCLI(t, "checkpoint", "--location", loc)
	require.NoError(t, err)
	assert.Contains(t, out, "checkpoint written at version 2")
}

func TestCommandErrors(t *testing.T) {
	t.Cleanup(func() { objectstore.DropShared("cli-errors") })

	_, err := runCLI(t, "state")
	assert.EqualError(t, err, "--location is required")

	_, err = runCLI(t, "create", "--location", "memory://cli-errors")
	assert.Error(t, err, "schema is required")

	_, err = runCLI(t, "commit", "--location", "memory://cli-errors", "--add", "a:big")
	assert.ErrorContains(t, err, "invalid size")

	_, err = runCLI(t, "state", "--location", "ftp://host/table")
	assert.Error(t, err)

	_, err = runCLI(t, "state", "--location", "memory://cli-errors", "--log-level", "loud")
	assert.Error(t, err)
}

func TestParseAdd(t *testing.T) {
	add, err := parseAdd("dir/part-0.parquet:42", true)
	require.NoError(t, err)
	assert.Equal(t, "dir/part-0.parquet", add.Path)
	assert.EqualValues(t, 42, add.Size)
	assert.True(t, add.DataChange)

	add, err = parseAdd("plain.parquet", false)
	require.NoError(t, err)
	assert.Equal(t, "plain.parquet", add.Path)
	assert.Zero(t, add.Size)
	assert.False(t, add.DataChange)
}

func TestServeOpensConfiguredTables(t *testing.T) {
	t.Cleanup(func() { objectstore.DropShared("cli-serve") })
	dir := t.TempDir()
	path := filepath.Join(dir, "delta.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: error
tables:
  - name: events
    location: memory://cli-serve
`), 0o644))

	var handler http.Handler
	orig := listenAndServe
	listenAndServe = func(srv *http.Server) error {
		assert.Equal(t, ":9191", srv.Addr)
		handler = srv.Handler
		return http.ErrServerClosed
	}
	t.Cleanup(func() { listenAndServe = orig })

	g := &globalFlags{configPath: path}
	require.NoError(t, serve(context.Background(), g, ":9191"))
	require.NotNil(t, handler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServeListenError(t *testing.T) {
	orig := listenAndServe
	listenAndServe = func(*http.Server) error { return errors.New("address in use") }
	t.Cleanup(func() { listenAndServe = orig })
	t.Setenv("DELTA_CONFIG", "")

	err := serve(context.Background(), &globalFlags{logLevel: "error"}, ":0")
	assert.EqualError(t, err, "address in use")
}

func TestServeShutdownOnCancel(t *testing.T) {
	orig := listenAndServe
	block := make(chan struct{})
	listenAndServe = func(*http.Server) error {
		<-block
		return http.ErrServerClosed
	}
	t.Cleanup(func() {
		close(block)
		listenAndServe = orig
	})
	t.Setenv("DELTA_CONFIG", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, serve(ctx, &globalFlags{logLevel: "error"}, ":0"))
}
