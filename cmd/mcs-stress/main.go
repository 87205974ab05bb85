// mcs-stress exercises the load balancer's quotas from the outside. Three
// modes: flood it with connections, blast bytes through one connection to
// time the bandwidth throttle, or stand in as a registered backend that
// discards everything it receives.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/maxrios/mcs/internal/directory"
	"github.com/maxrios/mcs/internal/limits"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:64400", "load balancer address")
	redisURL := flag.String("redis", "redis://127.0.0.1:6379", "directory URL for sink mode")
	duration := flag.Duration("duration", 5*time.Second, "how long the connection flood runs")
	workers := flag.Int("workers", 100, "concurrent workers for the connection flood")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch flag.Arg(0) {
	case "conn":
		floodConnections(ctx, *addr, *workers, *duration)
	case "bandwidth":
		blastBandwidth(*addr)
	case "sink":
		runSink(ctx, *redisURL)
	default:
		fmt.Fprintln(os.Stderr, "usage: mcs-stress [flags] conn|bandwidth|sink")
		fmt.Fprintln(os.Stderr, "  conn       flood the balancer until the connection quota rejects")
		fmt.Fprintln(os.Stderr, "  bandwidth  push 2 MiB through one connection and time the throttle")
		fmt.Fprintln(os.Stderr, "  sink       register as a backend that discards all bytes")
		fmt.Fprintln(os.Stderr, "run a sink first so conn and bandwidth have a backend to reach")
		os.Exit(2)
	}
}

// floodConnections opens connections as fast as the workers manage. An
// accepted connection sits in the TLS handshake, so a quick EOF means the
// quota dropped it.
func floodConnections(ctx context.Context, addr string, workers int, duration time.Duration) {
	log.Printf("flooding %s with %d workers for %s", addr, workers, duration)

	var admitted, blocked atomic.Int64
	start := time.Now()
	deadline := start.Add(duration)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 1)
			for time.Now().Before(deadline) && ctx.Err() == nil {
				conn, err := net.Dial("tcp", addr)
				if err != nil {
					blocked.Add(1)
				} else {
					_ = conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
					if _, err := conn.Read(buf); errors.Is(err, os.ErrDeadlineExceeded) {
						admitted.Add(1)
					} else {
						blocked.Add(1)
					}
					_ = conn.Close()
				}
				time.Sleep(10 * time.Millisecond)
			}
		}()
	}
	wg.Wait()

	a, b := admitted.Load(), blocked.Load()
	elapsed := time.Since(start).Seconds()
	log.Printf("admitted %d, blocked %d (%.1f attempts/s)", a, b, float64(a+b)/elapsed)
	if b > 0 {
		log.Printf("PASS: the connection quota rejected part of the flood")
	} else {
		log.Printf("FAIL: nothing was rejected; is the balancer running?")
	}
}

// blastBandwidth times a 2 MiB upload. The balancer reads client bytes
// through its throttle, so the transfer should take roughly
// (payload - burst) / rate seconds.
func blastBandwidth(addr string) {
	const payload = 2 << 20

	// Development deployments run on self-signed certificates.
	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		log.Fatalf("connect to %s: %v", addr, err)
	}
	defer conn.Close()

	log.Printf("connected to %s, sending %d MiB", addr, payload>>20)

	start := time.Now()
	if _, err := conn.Write(make([]byte, payload)); err != nil {
		log.Fatalf("write failed after %s: %v (is a sink backend registered?)",
			time.Since(start).Round(time.Millisecond), err)
	}
	elapsed := time.Since(start)

	log.Printf("sent %d MiB in %.2fs (%.1f KiB/s)",
		payload>>20, elapsed.Seconds(), float64(payload)/1024/elapsed.Seconds())
	log.Printf("configured quota is %d KiB/s with a %d KiB burst",
		limits.BandwidthRate/1024, limits.BandwidthBurst/1024)
}

// runSink serves as a discovery-visible backend whose only job is to accept
// splices and discard their bytes.
func runSink(ctx context.Context, redisURL string) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("bind sink: %v", err)
	}
	defer ln.Close()
	addr := ln.Addr().String()

	dir, err := directory.New(redisURL, zerolog.Nop())
	if err != nil {
		log.Fatalf("directory client: %v", err)
	}
	defer dir.Close()

	if err := dir.RegisterNode(ctx, addr); err != nil {
		log.Fatalf("register sink: %v", err)
	}
	log.Printf("sink registered as %s; the balancer picks it up within one discovery tick", addr)

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := dir.RegisterNode(ctx, addr); err != nil {
					log.Printf("sink heartbeat failed: %v", err)
				}
			}
		}
	}()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				log.Printf("sink stopped")
				return
			}
			log.Fatalf("accept: %v", err)
		}
		go func(c net.Conn) {
			defer c.Close()
			_, _ = io.Copy(io.Discard, c)
		}(conn)
	}
}
