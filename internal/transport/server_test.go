package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoHandler struct {
	mu     sync.Mutex
	served int
}

func (h *echoHandler) HandleConn(_ context.Context, conn net.Conn) {
	h.mu.Lock()
	h.served++
	h.mu.Unlock()
	_, _ = io.Copy(conn, conn)
}

func (h *echoHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.served
}

func testTLSConfig(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "transport-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	server := &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	}
	client := &tls.Config{RootCAs: pool, ServerName: "localhost"}
	return server, client
}

func startServer(t *testing.T, handler Handler) (*Server, *tls.Config, context.CancelFunc, chan struct{}) {
	t.Helper()
	serverCfg, clientCfg := testTLSConfig(t)
	srv := NewServer("127.0.0.1:0", serverCfg, handler, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	var runErr error
	stopped := make(chan struct{})
	go func() {
		runErr = srv.Run(ctx)
		close(stopped)
	}()

	require.Eventually(t, func() bool { return srv.Addr() != nil },
		2*time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
			assert.NoError(t, runErr)
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return srv, clientCfg, cancel, stopped
}

func TestServesTLSClients(t *testing.T) {
	handler := &echoHandler{}
	srv, clientCfg, _, _ := startServer(t, handler)

	conn, err := tls.Dial("tcp", srv.Addr().String(), clientCfg)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
	assert.Equal(t, 1, handler.count())
}

func TestProbeBeforeHandshakeNeverReachesHandler(t *testing.T) {
	handler := &echoHandler{}
	srv, _, _, _ := startServer(t, handler)

	// A health probe: plain TCP connect, immediate close, no client hello.
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, handler.count())
}

func TestCancelStopsAcceptLoop(t *testing.T) {
	handler := &echoHandler{}
	srv, _, cancel, stopped := startServer(t, handler)

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	_, err := net.Dial("tcp", srv.Addr().String())
	assert.Error(t, err)
}
