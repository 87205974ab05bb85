package limits

import (
	"net"
	"time"

	"golang.org/x/time/rate"
)

// RatedConn throttles reads against a shared bandwidth limiter. Writes pass
// through untouched. Bytes are accounted after delivery and paid for before
// the following read, so a single read larger than the refill is never
// clamped below the wire's natural chunk size.
type RatedConn struct {
	net.Conn
	limiter *rate.Limiter
	pending int
}

func NewRatedConn(conn net.Conn, limiter *rate.Limiter) *RatedConn {
	return &RatedConn{Conn: conn, limiter: limiter}
}

func (c *RatedConn) Read(p []byte) (int, error) {
	if c.pending > 0 {
		r := c.limiter.ReserveN(time.Now(), c.pending)
		// A chunk above the bucket's capacity can never be admitted; it
		// passes unthrottled rather than stalling the stream forever.
		if r.OK() {
			if d := r.Delay(); d > 0 {
				time.Sleep(d)
			}
		}
		c.pending = 0
	}

	n, err := c.Conn.Read(p)
	if n > 0 {
		c.pending = n
	}
	return n, err
}
