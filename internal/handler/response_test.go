package handler

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/shackleb0lt/legion/internal/assets"
)

// captureSession is a registry.Session that records every byte written and
// never blocks, for asserting exact response bytes.
type captureSession struct {
	out bytes.Buffer
}

func (c *captureSession) Read(b []byte) (int, error)  { return 0, nil }
func (c *captureSession) Write(b []byte) (int, error) { return c.out.Write(b) }
func (c *captureSession) Close() error                { return nil }
func (c *captureSession) LocalAddr() net.Addr         { return nil }
func (c *captureSession) RemoteAddr() net.Addr        { return nil }
func (c *captureSession) SetDeadline(t time.Time) error      { return nil }
func (c *captureSession) SetReadDeadline(t time.Time) error  { return nil }
func (c *captureSession) SetWriteDeadline(t time.Time) error { return nil }

func buildTestCache(t *testing.T) *assets.AssetCache {
	t.Helper()
	dir := t.TempDir()
	write := func(name string, content []byte) {
		full := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, content, 0o644))
	}
	write("index.html", []byte("<h1>hi</h1>\n"))
	write("error_404.html", []byte("404\n"))
	write("error_500.html", []byte("500\n"))

	big := bytes.Repeat([]byte("x"), os.Getpagesize()+256)
	write("big.bin", big)

	log := logrus.New()
	log.Out = os.Stderr
	cache, err := assets.Build(dir, log)
	require.NoError(t, err)
	t.Cleanup(cache.Teardown)
	return cache
}

func TestWriteResponse200Mapped(t *testing.T) {
	cache := buildTestCache(t)
	entry, ok := cache.Lookup("index.html")
	require.True(t, ok)

	sess := &captureSession{}
	err := writeResponse(sess, time.Second, 200, entry, false, "keep-alive")
	require.NoError(t, err)

	want := "HTTP/1.1 200 OK\r\n" +
		"Server: legion\r\n" +
		"Content-Type: text/html; charset=UTF-8\r\n" +
		"Content-Length: 12\r\n" +
		"Connection: keep-alive\r\n\r\n" +
		"<h1>hi</h1>\n"
	require.Equal(t, want, sess.out.String())
}

func TestWriteResponse200HeadOmitsBody(t *testing.T) {
	cache := buildTestCache(t)
	entry, ok := cache.Lookup("index.html")
	require.True(t, ok)

	sess := &captureSession{}
	err := writeResponse(sess, time.Second, 200, entry, true, "keep-alive")
	require.NoError(t, err)

	out := sess.out.String()
	require.Contains(t, out, "Content-Length: 12")
	require.True(t, strings.HasSuffix(out, "\r\n\r\n"), "HEAD response must end at the header terminator with no body")
}

func TestWriteResponse404UsesSpaceNotSemicolon(t *testing.T) {
	cache := buildTestCache(t)
	entry := cache.Error404()

	sess := &captureSession{}
	err := writeResponse(sess, time.Second, 404, entry, false, "close")
	require.NoError(t, err)

	want := "HTTP/1.1 404 Not Found\r\n" +
		"Server: legion\r\n" +
		"Content-Type: text/html charset=UTF-8\r\n" +
		"Content-Length: 4\r\n" +
		"Connection: close\r\n\r\n" +
		"404\n"
	require.Equal(t, want, sess.out.String())
}

func TestWriteResponse500(t *testing.T) {
	cache := buildTestCache(t)
	entry := cache.Error500()

	sess := &captureSession{}
	err := writeResponse(sess, time.Second, 500, entry, false, "close")
	require.NoError(t, err)

	want := "HTTP/1.1 500 Internal Server Error\r\n" +
		"Server: legion\r\n" +
		"Content-Type: text/html; charset=UTF-8\r\n" +
		"Content-Length: 4\r\n" +
		"Connection: close\r\n\r\n" +
		"500\n"
	require.Equal(t, want, sess.out.String())
}

func TestWriteResponseFDBackedBody(t *testing.T) {
	cache := buildTestCache(t)
	entry, ok := cache.Lookup("big.bin")
	require.True(t, ok)
	_, isMapped := entry.Mapped()
	require.False(t, isMapped, "big.bin should be fd-backed, not mapped")

	sess := &captureSession{}
	err := writeResponse(sess, time.Second, 200, entry, false, "keep-alive")
	require.NoError(t, err)

	body := sess.out.String()[bytes.Index(sess.out.Bytes(), []byte("\r\n\r\n"))+4:]
	require.Equal(t, int(entry.Size), len(body))
}
