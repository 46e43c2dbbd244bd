package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"philipredstone/liveview/internal/bridge"
	"philipredstone/liveview/internal/config"
	"philipredstone/liveview/internal/dispatch"
	"philipredstone/liveview/internal/logging"
	"philipredstone/liveview/internal/metrics"
	"philipredstone/liveview/internal/reconcile"
)

// panelWriter forwards log lines to the viewer's log panel, dropping them
// when the panel falls behind.
type panelWriter chan<- string

func (p panelWriter) Write(b []byte) (int, error) {
	select {
	case p <- string(b):
	default:
	}
	return len(b), nil
}

func main() {
	configPath := flag.String("config", os.Getenv("LIVEVIEW_CONFIG"), "Path to YAML configuration file (env: LIVEVIEW_CONFIG)")
	envFile := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintln(os.Stderr, "liveview:", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logChan := make(chan string, 50)
	logger, err := logging.New(cfg.LogLevel, panelWriter(logChan))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr, logger.Named("metrics")); err != nil {
				logger.Error("metrics endpoint stopped", zap.Error(err))
			}
		}()
	}

	loop := dispatch.New(dispatch.DefaultQueueSize, logger.Named("dispatch")).Start(ctx)
	defer loop.Close()

	recOpts := []reconcile.Option{
		reconcile.WithCommitTimeout(cfg.CommitTimeout),
		reconcile.WithMetrics(m),
	}
	if cfg.LastResolvedWins {
		recOpts = append(recOpts, reconcile.WithLastResolvedWins())
	}
	rec := reconcile.New(loop, logger.Named("reconcile"), recOpts...)
	b := bridge.New(loop, rec, logger.Named("bridge"), bridge.WithMetrics(m))

	viewer := NewLiveViewApp(ctx, cfg, logger, m, b, logChan)

	if configPath != "" {
		go func() {
			if err := config.Watch(ctx, configPath, logger.Named("config"), viewer.applyConfig); err != nil && ctx.Err() == nil {
				logger.Warn("config watch stopped", zap.Error(err))
			}
		}()
	}

	go func() {
		<-ctx.Done()
		viewer.fyneApp.Quit()
	}()

	logger.Info("viewer started", zap.String("stream", cfg.StreamURL()))
	viewer.run()

	cancel()
	rec.Wait()
	return nil
}
