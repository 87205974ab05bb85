// Package metrics registers the prometheus collectors for both tiers and
// serves the scrape endpoint. Whichever binary imports it exposes the full
// set; the other tier's series simply stay at zero.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Load balancer metrics.
var (
	LBTotalConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lb_total_connections",
		Help: "Total client connections accepted by the load balancer",
	})

	LBActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lb_active_connections",
		Help: "Client connections currently being spliced to a backend",
	})

	LBHealthyBackends = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lb_healthy_backends",
		Help: "Backends that passed the most recent health check",
	})

	LBBackendActiveConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lb_backend_active_connections",
		Help: "Active spliced connections per backend",
	}, []string{"backend"})

	LBBackendHealthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lb_backend_health_check_failures",
		Help: "Health check failures per backend",
	}, []string{"backend"})

	LBTLSHandshakeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lb_tls_handshake_failures_total",
		Help: "TLS handshakes that never completed",
	})

	LBRateLimitedConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lb_rate_limited_connections_total",
		Help: "Connections dropped by the per-IP connection limiter",
	})
)

// Chat server metrics.
var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcs_connections_total",
		Help: "Total TLS connections accepted by this node",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcs_connections_active",
		Help: "Open client connections on this node",
	})

	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcs_sessions_active",
		Help: "Sessions past the join handshake",
	})

	MessagesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcs_messages_published_total",
		Help: "Packets persisted and published to the cluster channel",
	})

	MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcs_messages_delivered_total",
		Help: "Bus messages written to local clients",
	})

	MessagesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcs_messages_dropped_total",
		Help: "Bus messages dropped because a session receiver was full",
	})

	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcs_auth_failures_total",
		Help: "Join attempts rejected, by reason",
	}, []string{"reason"})

	HistoryRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcs_history_requests_total",
		Help: "History pages served",
	})
)

// Process metrics, fed by SystemSampler.
var (
	ProcessMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcs_process_memory_bytes",
		Help: "Resident set size of this process",
	})

	ProcessCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcs_process_cpu_percent",
		Help: "CPU usage of this process since the previous sample",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcs_goroutines_active",
		Help: "Current goroutine count",
	})
)

func init() {
	prometheus.MustRegister(LBTotalConnections)
	prometheus.MustRegister(LBActiveConnections)
	prometheus.MustRegister(LBHealthyBackends)
	prometheus.MustRegister(LBBackendActiveConnections)
	prometheus.MustRegister(LBBackendHealthFailures)
	prometheus.MustRegister(LBTLSHandshakeFailures)
	prometheus.MustRegister(LBRateLimitedConnections)

	prometheus.MustRegister(ConnectionsTotal)
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(MessagesPublished)
	prometheus.MustRegister(MessagesDelivered)
	prometheus.MustRegister(MessagesDropped)
	prometheus.MustRegister(AuthFailures)
	prometheus.MustRegister(HistoryRequests)

	prometheus.MustRegister(ProcessMemoryBytes)
	prometheus.MustRegister(ProcessCPUPercent)
	prometheus.MustRegister(GoroutinesActive)
}

// Serve exposes /metrics on addr until ctx is canceled.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info().Str("addr", addr).Msg("metrics listener started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
