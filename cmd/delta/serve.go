package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/api"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/metrics"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/table"
)

const shutdownTimeout = 5 * time.Second

var listenAndServe = func(srv *http.Server) error { return srv.ListenAndServe() }

func newServeCmd(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured tables over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, g, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}

func serve(ctx context.Context, g *globalFlags, addr string) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if addr != "" {
		cfg.Server.Addr = addr
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts, err := table.OptionsFromConfig(cfg, logger, metrics.NewCommit(reg))
	if err != nil {
		return err
	}
	tables := table.NewManager(opts...)
	defer func() { _ = tables.Close() }()
	tables.StartRefresh(cfg.Server.RefreshInterval.Duration, logger)
	for _, tc := range cfg.Tables {
		t, err := tables.Ensure(ctx, tc.Name, tc.Location)
		if err != nil {
			return err
		}
		logger.Info("serving table", zap.String("table", tc.Name), zap.Int64("version", t.Version()))
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewHTTP(tables, api.WithLogger(logger), api.WithGatherer(reg)).Routes(),
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout.Duration,
		WriteTimeout:      cfg.Server.WriteTimeout.Duration,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- listenAndServe(srv) }()
	logger.Info("delta listening", zap.String("addr", cfg.Server.Addr), zap.Int("tables", len(cfg.Tables)))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
