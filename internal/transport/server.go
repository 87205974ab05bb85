// Package transport owns the chat server's listener: accept, TLS
// handshake, then hand the connection to the session layer.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/maxrios/mcs/internal/metrics"
)

// Handler consumes one established connection and returns when it is done
// with it.
type Handler interface {
	HandleConn(ctx context.Context, conn net.Conn)
}

type Server struct {
	addr    string
	tls     *tls.Config
	handler Handler
	logger  zerolog.Logger
	wg      sync.WaitGroup

	mu sync.Mutex
	ln net.Listener
}

func NewServer(addr string, tlsCfg *tls.Config, handler Handler, logger zerolog.Logger) *Server {
	return &Server{
		addr:    addr,
		tls:     tlsCfg,
		handler: handler,
		logger:  logger.With().Str("component", "transport").Logger(),
	}
}

// Run serves until ctx is canceled, then waits for in-flight connections.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn().Err(err).Msg("failed to accept new connection")
			continue
		}
		metrics.ConnectionsTotal.Inc()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(ctx, conn)
		}()
	}

	s.wg.Wait()
	return nil
}

// Addr reports the bound address, nil before Run has bound the listener.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	remote := conn.RemoteAddr().String()
	s.logger.Debug().Str("client", remote).Msg("accepting new connection")

	tlsConn := tls.Server(conn, s.tls)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		// Load balancer health probes connect and close without a client
		// hello; that EOF is routine.
		if errors.Is(err, io.EOF) {
			s.logger.Debug().Str("client", remote).Msg("connection closed before handshake")
			return
		}
		s.logger.Warn().Err(err).Str("client", remote).Msg("TLS handshake failed")
		return
	}

	s.handler.HandleConn(ctx, tlsConn)
}
