package handler

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/shackleb0lt/legion/internal/assets"
	"github.com/shackleb0lt/legion/internal/registry"
)

// statusLine returns the literal status line for each response kind legion
// can emit.
func statusLine(status int) string {
	switch status {
	case 200:
		return "HTTP/1.1 200 OK"
	case 404:
		return "HTTP/1.1 404 Not Found"
	default:
		return "HTTP/1.1 500 Internal Server Error"
	}
}

// writeResponse synthesizes the header block into a fixed-size scratch
// buffer and writes it, followed by the body unless omitBody is set (HEAD).
// contentType and contentLength come from the asset; connKind is "close" or
// "keep-alive" per spec §6. The literal 404 Content-Type line omits the
// semicolon before charset — preserved verbatim, see DESIGN.md.
func writeResponse(session registry.Session, writeTimeout time.Duration, status int, entry *assets.AssetEntry, omitBody bool, connKind string) error {
	var header [256]byte

	var ctLine string
	if status == 404 {
		ctLine = fmt.Sprintf("Content-Type: %s charset=UTF-8\r\n", entry.MimeType)
	} else {
		ctLine = fmt.Sprintf("Content-Type: %s; charset=UTF-8\r\n", entry.MimeType)
	}

	head := fmt.Sprintf("%s\r\nServer: legion\r\n%sContent-Length: %d\r\nConnection: %s\r\n\r\n",
		statusLine(status), ctLine, entry.Size, connKind)

	n := copy(header[:], head)
	if n < len(head) {
		return fmt.Errorf("handler: response header exceeds scratch buffer (%d bytes)", len(head))
	}

	if err := session.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("handler: setting write deadline: %w", err)
	}
	if err := writeAll(session, header[:n]); err != nil {
		return fmt.Errorf("handler: writing header: %w", err)
	}

	if omitBody || entry.Size == 0 {
		return nil
	}

	if mapped, ok := entry.Mapped(); ok {
		return writeMappedBody(session, mapped)
	}

	if fd, ok := entry.FD(); ok {
		return writeFDBody(session, fd, entry.Size, writeTimeout)
	}

	return nil
}

// writeAll tolerates short TLS writes by advancing through buf until it is
// fully consumed.
func writeAll(session registry.Session, buf []byte) error {
	for len(buf) > 0 {
		n, err := session.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// writeMappedBody writes a memory-mapped asset body in one loop, tolerating
// short writes by advancing the offset (spec §4.5 "Response writing").
func writeMappedBody(session registry.Session, mapped []byte) error {
	return writeAll(session, mapped)
}

// writeFDBody reads a large, fd-backed asset in fixed 8192-byte chunks (the
// default BUFFER_SIZE, independent of Config.BufferSize) via
// positional (pread) reads and writes each chunk to the TLS session.
func writeFDBody(session registry.Session, fd int, size int64, writeTimeout time.Duration) error {
	const chunkSize = 8192
	var scratch [chunkSize]byte

	var offset int64
	for offset < size {
		want := int64(chunkSize)
		if remain := size - offset; remain < want {
			want = remain
		}

		n, err := unix.Pread(fd, scratch[:want], offset)
		if err != nil {
			return fmt.Errorf("handler: pread asset body: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("handler: pread asset body: unexpected EOF at offset %d", offset)
		}

		if err := session.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return fmt.Errorf("handler: setting write deadline: %w", err)
		}
		if err := writeAll(session, scratch[:n]); err != nil {
			return fmt.Errorf("handler: writing body chunk: %w", err)
		}

		offset += int64(n)
	}
	return nil
}
