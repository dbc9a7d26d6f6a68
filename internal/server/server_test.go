package server

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/shackleb0lt/legion/internal/config"
)

// generateSelfSignedCert writes a throwaway cert/key pair under dir and
// returns their paths, for a server that only needs to complete a TLS
// handshake with an InsecureSkipVerify client.
func generateSelfSignedCert(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "legion-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")

	certOut, err := os.Create(certPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyOut, err := os.Create(keyPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
	require.NoError(t, keyOut.Close())

	return certPath, keyPath
}

func startTestServer(t *testing.T) (*Server, net.Addr) {
	t.Helper()
	return startTestServerWithConfig(t, func(cfg *config.Config) {})
}

func startTestServerWithConfig(t *testing.T, tweak func(cfg *config.Config)) (*Server, net.Addr) {
	t.Helper()

	dir := t.TempDir()
	write := func(name string, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	write("index.html", "<h1>hi</h1>\n")
	write("error_404.html", "404\n")
	write("error_500.html", "500\n")

	certPath, keyPath := generateSelfSignedCert(t, dir)

	log := logrus.New()
	log.Out = os.Stderr

	cfg := config.Config{
		IP:        "127.0.0.1",
		Port:      0,
		AssetRoot: dir,
		CertFile:  certPath,
		KeyFile:   keyPath,
		Logger:    log,
	}
	tweak(&cfg)

	srv, err := New(cfg)
	require.NoError(t, err)

	addr, err := srv.Addr()
	require.NoError(t, err)

	go func() { _ = srv.Run() }()
	t.Cleanup(srv.Shutdown)

	return srv, addr
}

func dialTLS(t *testing.T, addr net.Addr) *tls.Conn {
	t.Helper()
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: time.Second}, "tcp", addr.String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	return conn
}

// readResponse reads one HTTP response's status line, headers, and body
// (sized by Content-Length) off r.
func readResponse(t *testing.T, r *bufio.Reader) (status string, headers map[string]string, body string) {
	t.Helper()

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	status = line

	headers = map[string]string{}
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
		var k, v string
		_, err = fmt.Sscanf(line, "%s %s", &k, &v)
		require.NoError(t, err)
		headers[k] = v
	}

	n := 0
	fmt.Sscanf(headers["Content-Length:"], "%d", &n)
	buf := make([]byte, n)
	if n > 0 {
		_, err = io.ReadFull(r, buf)
		require.NoError(t, err)
	}
	return status, headers, string(buf)
}

func TestServeAssetRoundTrip(t *testing.T) {
	_, addr := startTestServer(t)
	conn := dialTLS(t, addr)
	defer conn.Close()

	_, err := conn.Write([]byte("GET /index.html HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	status, _, body := readResponse(t, bufio.NewReader(conn))
	require.Equal(t, "HTTP/1.1 200 OK\r\n", status)
	require.Equal(t, "<h1>hi</h1>\n", body)
}

func TestHeadEquivalentToGetWithoutBody(t *testing.T) {
	_, addr := startTestServer(t)
	conn := dialTLS(t, addr)
	defer conn.Close()

	_, err := conn.Write([]byte("HEAD /index.html HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	status, headers, body := readResponse(t, bufio.NewReader(conn))
	require.Equal(t, "HTTP/1.1 200 OK\r\n", status)
	require.Equal(t, "12", headers["Content-Length:"])
	require.Empty(t, body)
}

func TestUnknownPathReturns404(t *testing.T) {
	_, addr := startTestServer(t)
	conn := dialTLS(t, addr)
	defer conn.Close()

	_, err := conn.Write([]byte("GET /nope.html HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	status, _, body := readResponse(t, bufio.NewReader(conn))
	require.Equal(t, "HTTP/1.1 404 Not Found\r\n", status)
	require.Equal(t, "404\n", body)
}

func TestUnsupportedMethodReturns500(t *testing.T) {
	_, addr := startTestServer(t)
	conn := dialTLS(t, addr)
	defer conn.Close()

	_, err := conn.Write([]byte("POST /index.html HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	status, _, body := readResponse(t, bufio.NewReader(conn))
	require.Equal(t, "HTTP/1.1 500 Internal Server Error\r\n", status)
	require.Equal(t, "500\n", body)
}

func TestKeepAliveServesMultipleRequestsThenClose(t *testing.T) {
	_, addr := startTestServer(t)
	conn := dialTLS(t, addr)
	defer conn.Close()

	reader := bufio.NewReader(conn)

	_, err := conn.Write([]byte("GET /index.html HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)
	status, headers, _ := readResponse(t, reader)
	require.Equal(t, "HTTP/1.1 200 OK\r\n", status)
	require.Equal(t, "keep-alive", headers["Connection:"])

	_, err = conn.Write([]byte("GET /index.html HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)
	status, headers, _ = readResponse(t, reader)
	require.Equal(t, "HTTP/1.1 200 OK\r\n", status)
	require.Equal(t, "keep-alive", headers["Connection:"])

	_, err = conn.Write([]byte("GET /index.html HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)
	status, headers, _ = readResponse(t, reader)
	require.Equal(t, "HTTP/1.1 200 OK\r\n", status)
	require.Equal(t, "close", headers["Connection:"])

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = reader.ReadByte()
	require.ErrorIs(t, err, io.EOF)
}

// TestKeepAliveSurvivesIdleGapPastRTTTimeout exercises the re-arm path
// distinct from back-to-back pipelining: the first request's read loop
// times out past RTTTimeout (EAGAIN -> ErrWouldBlock) before the second
// request arrives, so the connection's *tls.Conn must still be usable after
// the worker re-arms the fd and a new worker invocation picks it back up.
// A non-net.Error ErrWouldBlock would permanently poison the TLS session on
// the first timeout and silently drop this second request.
func TestKeepAliveSurvivesIdleGapPastRTTTimeout(t *testing.T) {
	_, addr := startTestServerWithConfig(t, func(cfg *config.Config) {
		cfg.RTTTimeout = 30 * time.Millisecond
	})
	conn := dialTLS(t, addr)
	defer conn.Close()

	reader := bufio.NewReader(conn)

	_, err := conn.Write([]byte("GET /index.html HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)
	status, _, body := readResponse(t, reader)
	require.Equal(t, "HTTP/1.1 200 OK\r\n", status)
	require.Equal(t, "<h1>hi</h1>\n", body)

	time.Sleep(200 * time.Millisecond)

	_, err = conn.Write([]byte("GET /index.html HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)
	status, headers, body := readResponse(t, reader)
	require.Equal(t, "HTTP/1.1 200 OK\r\n", status)
	require.Equal(t, "close", headers["Connection:"])
	require.Equal(t, "<h1>hi</h1>\n", body)
}

func TestConcurrentClientsAreIsolated(t *testing.T) {
	_, addr := startTestServer(t)

	connA := dialTLS(t, addr)
	defer connA.Close()
	connB := dialTLS(t, addr)
	defer connB.Close()

	_, err := connA.Write([]byte("GET /index.html HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)
	_, err = connB.Write([]byte("GET /nope.html HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	statusA, _, bodyA := readResponse(t, bufio.NewReader(connA))
	statusB, _, bodyB := readResponse(t, bufio.NewReader(connB))

	require.Equal(t, "HTTP/1.1 200 OK\r\n", statusA)
	require.Equal(t, "<h1>hi</h1>\n", bodyA)
	require.Equal(t, "HTTP/1.1 404 Not Found\r\n", statusB)
	require.Equal(t, "404\n", bodyB)
}
