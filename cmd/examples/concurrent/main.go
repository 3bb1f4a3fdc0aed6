// Command concurrent starts two API nodes over one local table and lets
// several clients commit through both of them at once. Every commit lands on
// its own version even though the nodes never talk to each other.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/api"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/commit"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/config"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/logging"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/metrics"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/protocol"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/table"
	"github.com/diegomrodrigues2/go-delta-from-scratch/pkg/client"
)

const (
	tableName        = "events"
	writersPerNode   = 4
	commitsPerWriter = 10
	schema           = `{"type":"struct","fields":[{"name":"id","type":"long","nullable":false,"metadata":{}},{"name":"day","type":"date","nullable":true,"metadata":{}}]}`
)

type node struct {
	id      int
	addr    string
	baseURL string
	tables  *table.Manager
	server  *http.Server
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger := logging.Must(config.LogConfig{Level: "info", Format: "console"})
	defer func() { _ = logger.Sync() }()
	if err := run(ctx, logger); err != nil {
		logger.Fatal("concurrent example failed", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	dir, err := os.MkdirTemp("", "delta-concurrent-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	location := "file://" + filepath.ToSlash(filepath.Join(dir, tableName))

	var (
		nodes []*node
		wg    sync.WaitGroup
	)
	for i, addr := range []string{"127.0.0.1:19181", "127.0.0.1:19182"} {
		n, err := startNode(ctx, i+1, addr, location, logger, &wg)
		if err != nil {
			return err
		}
		nodes = append(nodes, n)
	}
	defer shutdownNodes(nodes, &wg, logger)

	time.Sleep(250 * time.Millisecond)

	first := client.New(nodes[0].baseURL)
	md := protocol.Metadata{Name: tableName, SchemaString: schema, PartitionColumns: []string{"day"}}
	if _, err := first.Create(ctx, tableName, md, protocol.Protocol{}); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	start := time.Now()
	var (
		writers sync.WaitGroup
		mu      sync.Mutex
		retried int
		errs    []error
	)
	for _, n := range nodes {
		for w := 0; w < writersPerNode; w++ {
			writers.Add(1)
			go func(n *node, w int) {
				defer writers.Done()
				c := client.New(n.baseURL)
				for i := 0; i < commitsPerWriter; i++ {
					path := fmt.Sprintf("day=2024-01-%02d/part-n%d-w%d-%03d.parquet", i%28+1, n.id, w, i)
					add := protocol.NewAdd(path, 1024, true)
					add.Add.PartitionValues = map[string]string{"day": fmt.Sprintf("2024-01-%02d", i%28+1)}
					res, err := c.Commit(ctx, tableName, client.CommitRequest{
						Operation: "WRITE",
						Actions:   []protocol.Action{add},
					})
					if err != nil {
						mu.Lock()
						errs = append(errs, err)
						mu.Unlock()
						return
					}
					if res.Attempts > 1 {
						mu.Lock()
						retried++
						mu.Unlock()
					}
				}
			}(n, w)
		}
	}
	writers.Wait()
	if len(errs) > 0 {
		return fmt.Errorf("%d writers failed: %w", len(errs), errors.Join(errs...))
	}

	state, err := client.New(nodes[1].baseURL).State(ctx, tableName)
	if err != nil {
		return err
	}
	want := len(nodes) * writersPerNode * commitsPerWriter
	if len(state.Files) != want || state.Version != int64(want) {
		return fmt.Errorf("expected %d files at version %d, got %d files at version %d", want, want, len(state.Files), state.Version)
	}
	logger.Info("all commits landed",
		zap.Int64("version", state.Version),
		zap.Int("files", len(state.Files)),
		zap.Int("retried_commits", retried),
		zap.Duration("took", time.Since(start)))

	cp, err := first.Checkpoint(ctx, tableName)
	if err != nil {
		return err
	}
	logger.Info("checkpoint written", zap.Int64("version", cp))

	for _, n := range nodes {
		logger.Info("node ready", zap.Int("node", n.id), zap.String("state", n.baseURL+"/tables/"+tableName+"/state"))
	}
	logger.Info("press Ctrl+C to shut down")
	<-ctx.Done()
	return nil
}

func startNode(ctx context.Context, id int, addr, location string, logger *zap.Logger, wg *sync.WaitGroup) (*node, error) {
	reg := prometheus.NewRegistry()
	nodeLogger := logger.With(zap.Int("node", id))
	tables := table.NewManager(
		table.WithLogger(nodeLogger),
		table.WithMetrics(metrics.NewCommit(reg)),
		table.WithMaxAttempts(50),
		table.WithBackoff(commit.ExponentialBackoff{Initial: time.Millisecond, Max: 50 * time.Millisecond, Jitter: 0.5}),
		table.WithCheckpointInterval(25),
	)
	if _, err := tables.Ensure(ctx, tableName, location); err != nil {
		return nil, fmt.Errorf("node %d open table: %w", id, err)
	}
	n := &node{
		id:      id,
		addr:    addr,
		baseURL: "http://" + addr,
		tables:  tables,
		server: &http.Server{
			Addr:              addr,
			Handler:           api.NewHTTP(tables, api.WithLogger(nodeLogger), api.WithGatherer(reg)).Routes(),
			ReadHeaderTimeout: time.Second,
		},
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		nodeLogger.Info("starting node", zap.String("addr", addr))
		if err := n.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			nodeLogger.Error("server error", zap.Error(err))
		}
	}()
	return n, nil
}

func shutdownNodes(nodes []*node, wg *sync.WaitGroup, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, n := range nodes {
		if err := n.server.Shutdown(ctx); err != nil {
			logger.Warn("shutdown", zap.Int("node", n.id), zap.Error(err))
		}
		if err := n.tables.Close(); err != nil {
			logger.Warn("close tables", zap.Int("node", n.id), zap.Error(err))
		}
	}
	wg.Wait()
}
