package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"blockledger.dev/internal/config"
	"blockledger.dev/internal/ledger"
	"blockledger.dev/internal/ledger/rollback"
	"blockledger.dev/internal/sim/memworld"
	"blockledger.dev/internal/transport/adminhttp"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "blockledger-server",
		Short:         "Run the block ledger with its admin API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "path to blockledger.yaml (optional)")
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger := cfg.Log.Logger(os.Stderr)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var (
		world   rollback.World
		sandbox *memworld.World
	)
	if cfg.Admin.Sandbox {
		sandbox = memworld.New()
		world = sandbox
		logger.Warn().Msg("sandbox mode: rollback applies to an in-memory world")
	}

	ecfg := cfg.Engine(logger)
	ecfg.Registerer = reg
	eng, err := ledger.Open(ctx, ecfg, world)
	if err != nil {
		return err
	}

	var api adminhttp.Engine = eng
	if sandbox != nil {
		api = &sandboxEngine{Engine: eng, world: sandbox, log: logger}
	}

	arch, err := newArchiver(cfg.Archive, eng, logger)
	if err != nil {
		_ = eng.Close(context.Background())
		return err
	}

	admin, err := adminhttp.New(api, adminhttp.Config{
		AllowRemote:   cfg.Admin.AllowRemote,
		RatePerMinute: cfg.Rollback.RatePerMinute,
		Burst:         cfg.Rollback.Burst,
		Gatherer:      reg,
		Pprof:         cfg.Admin.Pprof,
		Logger:        logger,
	})
	if err != nil {
		_ = eng.Close(context.Background())
		return err
	}
	srv := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           admin.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Admin.Addr).Str("db", cfg.DBPath).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})
	g.Go(func() error {
		if err := eng.WaitReady(gctx); err != nil && gctx.Err() == nil {
			logger.Error().Err(err).Msg("index load failed")
		}
		return nil
	})
	if arch != nil {
		g.Go(func() error { return arch.run(gctx) })
	}
	runErr := g.Wait()

	ctx3, cancel3 := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel3()
	if err := eng.Close(ctx3); err != nil {
		logger.Error().Err(err).Msg("close engine")
	}
	if arch != nil {
		arch.close(ctx3)
	}
	logger.Info().Msg("stopped")
	return runErr
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

// sandboxEngine applies every accepted record to the in-memory world so that
// rollbacks have real state to restore.
type sandboxEngine struct {
	*ledger.Engine
	world *memworld.World
	log   zerolog.Logger
}
