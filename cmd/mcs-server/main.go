// mcs-server is one chat server node: it authenticates users, persists and
// fans out messages, and keeps its registration in the cluster directory
// fresh so load balancers route to it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/maxrios/mcs/internal/auth"
	"github.com/maxrios/mcs/internal/bus"
	"github.com/maxrios/mcs/internal/chat"
	"github.com/maxrios/mcs/internal/config"
	"github.com/maxrios/mcs/internal/directory"
	"github.com/maxrios/mcs/internal/logging"
	"github.com/maxrios/mcs/internal/metrics"
	"github.com/maxrios/mcs/internal/node"
	"github.com/maxrios/mcs/internal/protocol"
	"github.com/maxrios/mcs/internal/session"
	"github.com/maxrios/mcs/internal/store"
	"github.com/maxrios/mcs/internal/transport"
)

const resubscribeDelay = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New("mcs-server", cfg.LogLevel, cfg.LogFormat)
	cfg.Log(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
	logger.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return err
	}

	st, err := store.New(ctx, cfg.PostgresURL, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}

	dir, err := directory.New(cfg.RedisURL, logger)
	if err != nil {
		return err
	}
	defer dir.Close()
	if err := dir.Ping(ctx); err != nil {
		return err
	}

	chatBus := bus.New()
	authSvc := auth.NewService(st, dir, logger)
	chatSvc := chat.NewService(st, dir, logger)
	nodeSvc := node.NewService(dir, cfg.AdvertiseAddr(), logger)

	if err := nodeSvc.Register(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		nodeSvc.Run(ctx)
	}()

	// Cluster fan-in: the directory subscription feeds the local bus. The
	// subscription outlives any one session and is respawned after
	// transient directory failures.
	sink := make(chan protocol.Message, bus.Capacity)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for m := range sink {
			chatBus.Publish(m)
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(sink)
		for {
			err := dir.Subscribe(ctx, sink)
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("chat subscription lost, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(resubscribeDelay):
			}
		}
	}()

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

	handler := session.NewHandler(authSvc, chatSvc, chatBus, logger)
	err = transport.NewServer(cfg.ListenAddr(), tlsCfg, handler, logger).Run(ctx)

	wg.Wait()
	return err
}
