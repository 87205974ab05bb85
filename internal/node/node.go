// Package node keeps this chat server's registration in the cluster
// directory fresh so load balancers keep routing to it.
package node

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// HeartbeatInterval sits well inside the 5 s freshness window load
// balancer discovery applies to the node registry.
const HeartbeatInterval = 3 * time.Second

// Registry is the directory slice the node service needs.
type Registry interface {
	RegisterNode(ctx context.Context, addr string) error
}

type Service struct {
	registry Registry
	addr     string
	interval time.Duration
	logger   zerolog.Logger
}

// NewService advertises addr, which must be the host:port load balancers
// can dial.
func NewService(registry Registry, addr string, logger zerolog.Logger) *Service {
	return &Service{
		registry: registry,
		addr:     addr,
		interval: HeartbeatInterval,
		logger:   logger.With().Str("component", "node").Str("addr", addr).Logger(),
	}
}

// Register announces this node once. Call it before serving traffic so the
// first discovery tick can already route here.
func (s *Service) Register(ctx context.Context) error {
	s.logger.Info().Msg("registering node")
	return s.registry.RegisterNode(ctx, s.addr)
}

// Run re-registers on every heartbeat until ctx ends. Directory hiccups are
// logged and retried next tick; a node that stays unreachable simply ages
// out of discovery.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.registry.RegisterNode(ctx, s.addr); err != nil {
				s.logger.Error().Err(err).Msg("node heartbeat failed")
			}
		}
	}
}
