// Package session drives the per-connection state machine on a chat server:
// join handshake, live frame multiplexing, teardown.
package session

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/maxrios/mcs/internal/bus"
	"github.com/maxrios/mcs/internal/errs"
	"github.com/maxrios/mcs/internal/metrics"
	"github.com/maxrios/mcs/internal/protocol"
)

// RefreshInterval paces the server-side presence refresh. Together with the
// client's own heartbeats it keeps the presence key well inside its TTL.
const RefreshInterval = 10 * time.Second

const (
	greetTimeout    = 30 * time.Second
	teardownTimeout = 5 * time.Second
)

// Auth is the slice of the auth service a session needs.
type Auth interface {
	RegisterAndLogin(ctx context.Context, username, password string) error
	Logout(ctx context.Context, username string) error
	Refresh(ctx context.Context, username string) error
}

// Chat is the slice of the chat service a session needs.
type Chat interface {
	BroadcastUser(ctx context.Context, sender, content string) error
	BroadcastSystem(ctx context.Context, content string) (protocol.ChatPacket, error)
	History(ctx context.Context, beforeTS int64) ([]protocol.ChatPacket, error)
}

// Handler runs one session per connection. Safe for concurrent use; all
// per-connection state lives on the stack of HandleConn.
type Handler struct {
	auth   Auth
	chat   Chat
	bus    *bus.Bus
	logger zerolog.Logger

	refreshEvery time.Duration
}

func NewHandler(auth Auth, chat Chat, b *bus.Bus, logger zerolog.Logger) *Handler {
	return &Handler{
		auth:         auth,
		chat:         chat,
		bus:          b,
		logger:       logger.With().Str("component", "session").Logger(),
		refreshEvery: RefreshInterval,
	}
}

// HandleConn owns conn from the first frame to teardown and closes it on
// every path out.
func (h *Handler) HandleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	r := protocol.NewReader(conn)
	w := protocol.NewWriter(conn)

	user, ok := h.greet(ctx, conn, r, w)
	if !ok {
		return
	}

	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	h.run(ctx, conn, r, w, user, sub)
}

// greet enforces the join-first rule. Load balancer health probes connect
// and close without sending a frame; those EOFs stay out of the logs.
func (h *Handler) greet(ctx context.Context, conn net.Conn, r *protocol.Reader, w *protocol.Writer) (string, bool) {
	remote := conn.RemoteAddr().String()

	_ = conn.SetReadDeadline(time.Now().Add(greetTimeout))
	first, err := r.ReadMessage()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		if !errors.Is(err, io.EOF) {
			h.logger.Warn().Err(err).Str("client", remote).Msg("dropping connection before join")
		}
		return "", false
	}

	join, ok := first.(protocol.Join)
	if !ok {
		h.logger.Warn().Str("client", remote).Type("frame", first).
			Msg("protocol violation: expected join packet")
		return "", false
	}

	if err := h.auth.RegisterAndLogin(ctx, join.Username, join.Password); err != nil {
		h.logger.Warn().Err(err).Str("user", join.Username).Msg("failed to authenticate user")
		metrics.AuthFailures.WithLabelValues(errs.KindOf(err).String()).Inc()
		_ = w.WriteMessage(errs.ToWire(err))
		return "", false
	}
	user := join.Username
	h.logger.Info().Str("user", user).Msg("user authenticated")

	// The join notice doubles as the high-water mark for the initial history
	// page. If the broadcast fails, a synthetic timestamp keeps the page
	// anchored at "now".
	joined, err := h.chat.BroadcastSystem(ctx, user+" joined.\n")
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to broadcast join message")
		joined = protocol.ChatPacket{Sender: protocol.SystemSender, Timestamp: time.Now().Unix()}
	}

	page, err := h.chat.History(ctx, joined.Timestamp+1)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to fetch history during join")
	} else {
		// A failed write surfaces again on the first live-loop write.
		_ = w.WriteMessage(protocol.HistoryResponse(page))
	}

	return user, true
}

// run multiplexes inbound frames, bus deliveries, and the refresh ticker
// until any of them ends the session.
func (h *Handler) run(ctx context.Context, conn net.Conn, r *protocol.Reader, w *protocol.Writer, user string, sub *bus.Subscriber) {
	logger := h.logger.With().Str("user", user).Logger()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Reads run in their own goroutine so a single select can multiplex
	// them with deliveries and timers. Closing the conn unblocks a pending
	// read, so cancellation reaches the pump promptly.
	stop := context.AfterFunc(sessionCtx, func() { _ = conn.Close() })
	defer stop()

	inbound := make(chan protocol.Message)
	go func() {
		defer close(inbound)
		for {
			m, err := r.ReadMessage()
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) &&
					!errors.Is(err, net.ErrClosed) && sessionCtx.Err() == nil {
					logger.Error().Err(err).Msg("failed to decode message")
				}
				return
			}
			select {
			case inbound <- m:
			case <-sessionCtx.Done():
				return
			}
		}
	}()

	defer h.teardown(ctx, logger, user)

	ticker := time.NewTicker(h.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-sessionCtx.Done():
			return
		case m, ok := <-inbound:
			if !ok {
				return
			}
			h.handleFrame(sessionCtx, logger, w, user, m)
		case m, ok := <-sub.C:
			if !ok {
				return
			}
			if err := w.WriteMessage(m); err != nil {
				logger.Error().Err(err).Msg("failed to send broadcast to client")
				return
			}
			metrics.MessagesDelivered.Inc()
		case <-ticker.C:
			if err := h.auth.Refresh(sessionCtx, user); err != nil {
				logger.Error().Err(err).Msg("failed to refresh session")
				return
			}
		}
	}
}

func (h *Handler) handleFrame(ctx context.Context, logger zerolog.Logger, w *protocol.Writer, user string, m protocol.Message) {
	switch v := m.(type) {
	case protocol.Chat:
		// The sender field on inbound packets is ignored; the session's
		// authenticated name is authoritative.
		if err := h.chat.BroadcastUser(ctx, user, v.Content); err != nil {
			logger.Error().Err(err).Msg("failed to broadcast message")
			_ = w.WriteMessage(errs.ToWire(err))
		}
	case protocol.HistoryRequest:
		page, err := h.chat.History(ctx, int64(v))
		if err != nil {
			logger.Warn().Err(err).Int64("timestamp", int64(v)).Msg("failed to provide history")
			_ = w.WriteMessage(errs.ToWire(err))
			return
		}
		_ = w.WriteMessage(protocol.HistoryResponse(page))
	case protocol.Heartbeat:
		_ = h.auth.Refresh(ctx, user)
	default:
	}
}

// teardown releases the user's presence and announces the departure. It
// runs on a context that survives session cancellation but not forever.
func (h *Handler) teardown(parent context.Context, logger zerolog.Logger, user string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), teardownTimeout)
	defer cancel()

	if err := h.auth.Logout(ctx, user); err != nil {
		logger.Error().Err(err).Msg("failed to clear session")
	}
	_, _ = h.chat.BroadcastSystem(ctx, user+" left.\n")
}
