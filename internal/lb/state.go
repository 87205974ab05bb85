// Package lb implements the TLS-terminating load balancer: per-IP quotas,
// directory-driven backend discovery, active health checks, and
// least-connections splicing to chat servers.
package lb

import (
	"sync"
	"sync/atomic"

	"github.com/maxrios/mcs/internal/metrics"
)

// Backend is one chat server the balancer can splice to. Counters are
// atomic so the accept path never takes the registry lock for longer than
// the map lookup.
type Backend struct {
	Addr string

	active  atomic.Int64
	healthy atomic.Bool
}

func (b *Backend) Active() int64 { return b.active.Load() }
func (b *Backend) Healthy() bool { return b.healthy.Load() }

// Backends is the live backend set, mutated by discovery and health checks
// and read on every accept.
type Backends struct {
	mu      sync.RWMutex
	entries map[string]*Backend
}

func NewBackends() *Backends {
	return &Backends{entries: make(map[string]*Backend)}
}

// Add registers addr if it is not already present. New backends start
// healthy so they take traffic before the first probe completes.
func (bs *Backends) Add(addr string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if _, ok := bs.entries[addr]; ok {
		return
	}
	b := &Backend{Addr: addr}
	b.healthy.Store(true)
	bs.entries[addr] = b
	metrics.LBHealthyBackends.Set(float64(bs.healthyLocked()))
}

// Remove evicts addr outright. In-flight splices keep their already-dialed
// connection; only new picks are affected. The health failure counter is
// kept so a flapping backend's history survives re-registration.
func (bs *Backends) Remove(addr string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if _, ok := bs.entries[addr]; !ok {
		return
	}
	delete(bs.entries, addr)
	metrics.LBBackendActiveConnections.DeleteLabelValues(addr)
	metrics.LBHealthyBackends.Set(float64(bs.healthyLocked()))
}

// Addrs snapshots the registered addresses in no particular order.
func (bs *Backends) Addrs() []string {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	addrs := make([]string, 0, len(bs.entries))
	for addr := range bs.entries {
		addrs = append(addrs, addr)
	}
	return addrs
}

// SetHealth records a probe result. Unknown addresses are ignored; the
// backend may have been evicted between probe start and result.
func (bs *Backends) SetHealth(addr string, healthy bool) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.entries[addr]
	if !ok {
		return
	}
	b.healthy.Store(healthy)
	metrics.LBHealthyBackends.Set(float64(bs.healthyLocked()))
}

func (bs *Backends) healthyLocked() int {
	n := 0
	for _, b := range bs.entries {
		if b.Healthy() {
			n++
		}
	}
	return n
}

// Pick returns the healthy backend with the fewest active splices. Ties go
// to the lexicographically smallest address so repeated picks under equal
// load are deterministic. ok is false when no healthy backend exists.
func (bs *Backends) Pick() (string, bool) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	var best *Backend
	for _, b := range bs.entries {
		if !b.Healthy() {
			continue
		}
		if best == nil || b.Active() < best.Active() ||
			(b.Active() == best.Active() && b.Addr < best.Addr) {
			best = b
		}
	}
	if best == nil {
		return "", false
	}
	return best.Addr, true
}

// Inc counts a new splice against addr.
func (bs *Backends) Inc(addr string) {
	bs.mu.RLock()
	b, ok := bs.entries[addr]
	bs.mu.RUnlock()
	if !ok {
		return
	}
	n := b.active.Add(1)
	metrics.LBBackendActiveConnections.WithLabelValues(addr).Set(float64(n))
}

// Dec releases a splice slot. The count saturates at zero: a decrement
// racing a discovery eviction and re-add must not drive it negative.
func (bs *Backends) Dec(addr string) {
	bs.mu.RLock()
	b, ok := bs.entries[addr]
	bs.mu.RUnlock()
	if !ok {
		return
	}
	for {
		cur := b.active.Load()
		if cur == 0 {
			return
		}
		if b.active.CompareAndSwap(cur, cur-1) {
			metrics.LBBackendActiveConnections.WithLabelValues(addr).Set(float64(cur - 1))
			return
		}
	}
}

// Len reports how many backends are registered, healthy or not.
func (bs *Backends) Len() int {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return len(bs.entries)
}
