package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dolphin2410/bukrs/api"
	"github.com/dolphin2410/bukrs/config"
	"github.com/dolphin2410/bukrs/dispatch"
	"github.com/dolphin2410/bukrs/logging"
	"github.com/dolphin2410/bukrs/metrics"
	"github.com/dolphin2410/bukrs/middleware"
	"github.com/dolphin2410/bukrs/packets"
	"github.com/dolphin2410/bukrs/protocol"
	"github.com/dolphin2410/bukrs/registry"
	"github.com/dolphin2410/bukrs/server"
)

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the default packet catalogue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger, nil)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")
	return cmd
}

// run serves until ctx is done, then shuts down within
// cfg.Server.ShutdownTimeout. ready, when non-nil, receives the server once
// it is listening.
func run(ctx context.Context, cfg config.Config, logger *zap.Logger, ready chan<- *server.Server) error {
	schema, err := packets.NewSchema()
	if err != nil {
		return fmt.Errorf("build schema: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	col := metrics.New(metrics.WithRegistry(reg))

	a := api.New(api.WithLogger(logger.Named("api")))
	d, err := newDispatcher(cfg, logger, col, a)
	if err != nil {
		return err
	}

	opts := []server.Option{
		server.WithLogger(logger.Named("server")),
		server.WithMetrics(col),
		server.WithLimits(protocol.Limits{MaxBodyBytes: cfg.Server.MaxFrameBytes}),
		server.WithReadBufferSize(cfg.Server.ReadBufferSize),
		server.WithWriteTimeout(cfg.Server.WriteTimeout),
		server.WithMaxConnections(cfg.Server.MaxConnections),
		server.OnDisconnect(a.Disconnected),
	}
	if len(cfg.Registry.Endpoints) > 0 {
		etcd, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout, logger.Named("etcd"))
		if err != nil {
			return err
		}
		defer etcd.Close()
		ep := registry.Endpoint{Addr: cfg.Registry.AdvertiseAddr, Weight: cfg.Registry.Weight, Version: version}
		opts = append(opts, server.WithRegistry(etcd, cfg.Registry.Service, ep, cfg.Registry.TTL))
	}
	srv := server.NewServer(schema, d, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if ready != nil {
			go notifyReady(gctx, srv, ready)
		}
		err := srv.Serve(cfg.Server.Network, cfg.Server.Addr)
		if errors.Is(err, server.ErrServerClosed) {
			return nil
		}
		return err
	})

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		if metricsSrv != nil {
			err = errors.Join(err, metricsSrv.Shutdown(sctx))
		}
		return err
	})

	return g.Wait()
}

// newDispatcher wires the API handlers behind the configured middleware.
// Recovery sits next to the handlers so the outer middlewares see a panic as
// an ErrPanic error.
func newDispatcher(cfg config.Config, logger *zap.Logger, col *metrics.Collector, a *api.API) (*dispatch.Dispatcher, error) {
	mws := []dispatch.Middleware{
		middleware.Logging(logger.Named("dispatch")),
		middleware.Metrics(col),
	}
	if cfg.RateLimit.Rate > 0 {
		mws = append(mws, middleware.RateLimit(cfg.RateLimit.Rate, cfg.RateLimit.Burst))
	}
	if cfg.Server.HandlerTimeout > 0 {
		mws = append(mws, middleware.Timeout(cfg.Server.HandlerTimeout))
	}
	mws = append(mws, middleware.Recovery())
	d := dispatch.New(mws...)
	if err := d.RegisterListener(a); err != nil {
		return nil, fmt.Errorf("register api: %w", err)
	}
	return d, nil
}

func notifyReady(ctx context.Context, srv *server.Server, ready chan<- *server.Server) {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		if srv.Addr() != nil {
			ready <- srv
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}
