// mcs-lb is the client-facing load balancer: it terminates TLS, applies
// per-IP quotas, and splices each client to the least-loaded chat server
// found through the cluster directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/maxrios/mcs/internal/config"
	"github.com/maxrios/mcs/internal/directory"
	"github.com/maxrios/mcs/internal/lb"
	"github.com/maxrios/mcs/internal/logging"
	"github.com/maxrios/mcs/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New("mcs-lb", cfg.LogLevel, cfg.LogFormat)
	cfg.Log(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("load balancer exited")
	}
	logger.Info().Msg("load balancer stopped")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return err
	}

	dir, err := directory.New(cfg.RedisURL, logger)
	if err != nil {
		return err
	}
	defer dir.Close()
	// Discovery retries every tick, so a directory outage at boot is not
	// fatal here the way it is for a chat server.
	if err := dir.Ping(ctx); err != nil {
		logger.Warn().Err(err).Msg("directory unreachable at startup, discovery will retry")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := metrics.Serve(ctx, cfg.MetricsAddr(), logger); err != nil {
			logger.Error().Err(err).Msg("metrics listener failed")
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		metrics.NewSystemSampler(logger).Run(ctx)
	}()

	balancer := lb.New(lb.Config{
		ListenAddr: cfg.ListenAddr(),
		TLS:        tlsCfg,
		Directory:  dir,
		Logger:     logger,
	})
	err = balancer.Run(ctx)

	wg.Wait()
	return err
}
