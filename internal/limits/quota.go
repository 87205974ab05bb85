// Package limits implements the load balancer's per-client quota table and
// the bandwidth-throttled connection wrapper.
package limits

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Per-IP quotas. Connection attempts above the burst are dropped before the
// TLS handshake; bandwidth is smoothed by RatedConn.
const (
	ConnPerSecond  = 5
	ConnBurst      = 5
	BandwidthRate  = 100 * 1024 // bytes/sec
	BandwidthBurst = 16 * 1024  // bytes

	// QuotaTTL is how long an idle IP keeps its record.
	QuotaTTL = 5 * time.Minute

	sweepInterval = time.Minute
)

// ClientQuota tracks one source IP. The limiters are shared by reference
// with every connection from that IP.
type ClientQuota struct {
	Conn      *rate.Limiter
	Bandwidth *rate.Limiter

	lastSeen atomic.Int64 // unix milliseconds
}

func (q *ClientQuota) touch() {
	q.lastSeen.Store(time.Now().UnixMilli())
}

// Quotas is the per-IP quota table.
type Quotas struct {
	mu      sync.RWMutex
	entries map[string]*ClientQuota
	logger  zerolog.Logger
}

func NewQuotas(logger zerolog.Logger) *Quotas {
	return &Quotas{
		entries: make(map[string]*ClientQuota),
		logger:  logger.With().Str("component", "quotas").Logger(),
	}
}

// Get returns the quota record for ip, creating it on first sight, and
// stamps its last-seen time.
func (qs *Quotas) Get(ip string) *ClientQuota {
	qs.mu.RLock()
	q, ok := qs.entries[ip]
	qs.mu.RUnlock()
	if ok {
		q.touch()
		return q
	}

	qs.mu.Lock()
	defer qs.mu.Unlock()
	if q, ok := qs.entries[ip]; ok {
		q.touch()
		return q
	}
	q = &ClientQuota{
		Conn:      rate.NewLimiter(ConnPerSecond, ConnBurst),
		Bandwidth: rate.NewLimiter(BandwidthRate, BandwidthBurst),
	}
	q.touch()
	qs.entries[ip] = q
	return q
}

// Sweep drops records idle for at least maxIdle and reports how many went.
func (qs *Quotas) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle).UnixMilli()

	qs.mu.Lock()
	defer qs.mu.Unlock()

	removed := 0
	for ip, q := range qs.entries {
		if q.lastSeen.Load() <= cutoff {
			delete(qs.entries, ip)
			removed++
		}
	}
	return removed
}

// Run sweeps once a minute until ctx ends.
func (qs *Quotas) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := qs.Sweep(QuotaTTL); removed > 0 {
				qs.logger.Debug().Int("removed", removed).Msg("swept idle client quotas")
			}
		}
	}
}

// Len reports how many IPs are currently tracked.
func (qs *Quotas) Len() int {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	return len(qs.entries)
}
