package lb

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/maxrios/mcs/internal/limits"
	"github.com/maxrios/mcs/internal/metrics"
)

const (
	// discoveryInterval paces node registry polls; nodeFreshness is the
	// matching score window, so a node missing two heartbeats drops out.
	discoveryInterval = 5 * time.Second
	nodeFreshness     = 5 * time.Second

	healthInterval    = 3 * time.Second
	healthDialTimeout = 500 * time.Millisecond
)

// Directory is the slice of the cluster directory the balancer reads.
type Directory interface {
	LiveNodes(ctx context.Context, minScore int64) ([]string, error)
}

type Config struct {
	ListenAddr string
	TLS        *tls.Config
	Directory  Directory
	Logger     zerolog.Logger
}

// Balancer accepts TLS clients and splices them to the least-loaded healthy
// chat server. Backends come and go purely through directory discovery.
type Balancer struct {
	cfg      Config
	backends *Backends
	quotas   *limits.Quotas
	logger   zerolog.Logger
	wg       sync.WaitGroup

	mu sync.Mutex
	ln net.Listener
}

func New(cfg Config) *Balancer {
	logger := cfg.Logger.With().Str("component", "lb").Logger()
	return &Balancer{
		cfg:      cfg,
		backends: NewBackends(),
		quotas:   limits.NewQuotas(cfg.Logger),
		logger:   logger,
	}
}

// Run binds the listener and serves until ctx is canceled. Discovery,
// health checking, and quota sweeping run alongside the accept loop; all
// of them stop with ctx.
func (b *Balancer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.cfg.ListenAddr)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.ln = ln
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	b.wg.Add(3)
	go func() { defer b.wg.Done(); b.discoveryLoop(ctx) }()
	go func() { defer b.wg.Done(); b.healthLoop(ctx) }()
	go func() { defer b.wg.Done(); b.quotas.Run(ctx) }()

	b.logger.Info().Str("addr", ln.Addr().String()).Msg("load balancer listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			b.logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		b.accept(ctx, conn)
	}

	b.wg.Wait()
	return nil
}

// Addr reports the bound address, nil before Run has bound the listener.
func (b *Balancer) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

// accept applies the per-IP connection quota, then hands the socket to a
// goroutine for the TLS handshake. Over-quota connections are dropped
// before the handshake and without a log line.
func (b *Balancer) accept(ctx context.Context, conn net.Conn) {
	quota := b.quotas.Get(clientIP(conn))
	if !quota.Conn.Allow() {
		metrics.LBRateLimitedConnections.Inc()
		_ = conn.Close()
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer conn.Close()

		tlsConn := tls.Server(conn, b.cfg.TLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			metrics.LBTLSHandshakeFailures.Inc()
			b.logger.Warn().Err(err).
				Str("client", conn.RemoteAddr().String()).
				Msg("TLS handshake failed")
			return
		}
		b.handle(ctx, limits.NewRatedConn(tlsConn, quota.Bandwidth))
	}()
}

// handle picks a backend and splices the client to it. Bookkeeping is
// symmetric: every Inc is matched by a deferred Dec, cancellation included.
func (b *Balancer) handle(ctx context.Context, client net.Conn) {
	metrics.LBTotalConnections.Inc()

	addr, ok := b.backends.Pick()
	if !ok {
		b.logger.Warn().Msg("no healthy backend available")
		return
	}

	var d net.Dialer
	backend, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		b.logger.Warn().Err(err).Str("backend", addr).Msg("backend dial failed")
		return
	}
	defer backend.Close()

	b.backends.Inc(addr)
	defer b.backends.Dec(addr)
	metrics.LBActiveConnections.Inc()
	defer metrics.LBActiveConnections.Dec()

	splice(ctx, client, backend)
}

// splice copies bytes both ways until either direction ends. Closing both
// conns unblocks the surviving copy, so the first side to finish tears the
// pair down; ctx cancellation does the same.
func splice(ctx context.Context, client, backend net.Conn) {
	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
		_ = backend.Close()
	})
	defer stop()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(backend, client)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, backend)
		done <- struct{}{}
	}()

	<-done
	_ = client.Close()
	_ = backend.Close()
	<-done
}

func (b *Balancer) discoveryLoop(ctx context.Context) {
	b.discoverOnce(ctx)
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.discoverOnce(ctx)
		}
	}
}

// discoverOnce reconciles the backend set against the node registry. Nodes
// registered within the freshness window are added; everything else is
// evicted. Directory errors leave the current set untouched.
func (b *Balancer) discoverOnce(ctx context.Context) {
	minScore := time.Now().Add(-nodeFreshness).Unix()
	live, err := b.cfg.Directory.LiveNodes(ctx, minScore)
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Warn().Err(err).Msg("node discovery failed")
		}
		return
	}

	known := make(map[string]struct{})
	for _, addr := range b.backends.Addrs() {
		known[addr] = struct{}{}
	}

	liveSet := make(map[string]struct{}, len(live))
	for _, addr := range live {
		liveSet[addr] = struct{}{}
		if _, ok := known[addr]; !ok {
			b.logger.Info().Str("backend", addr).Msg("adding backend")
			b.backends.Add(addr)
		}
	}

	for addr := range known {
		if _, ok := liveSet[addr]; !ok {
			b.logger.Warn().Str("backend", addr).Msg("removing stale backend")
			b.backends.Remove(addr)
		}
	}
}

func (b *Balancer) healthLoop(ctx context.Context) {
	b.probeOnce()
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.probeOnce()
		}
	}
}

// probeOnce dials every known backend with a short timeout and records the
// result. A backend that stops answering keeps its splices but takes no
// new ones until a later probe succeeds.
func (b *Balancer) probeOnce() {
	for _, addr := range b.backends.Addrs() {
		conn, err := net.DialTimeout("tcp", addr, healthDialTimeout)
		healthy := err == nil
		if conn != nil {
			_ = conn.Close()
		}
		b.backends.SetHealth(addr, healthy)
		if !healthy {
			b.logger.Warn().Err(err).Str("backend", addr).Msg("backend failed health check")
			metrics.LBBackendHealthFailures.WithLabelValues(addr).Inc()
		}
	}
}

func clientIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
