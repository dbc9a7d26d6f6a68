package handler

import "bytes"

// terminator is the blank-line sequence that ends an HTTP/1.1 request's
// headers (spec §4.5 "Request state machine").
var terminator = []byte("\r\n\r\n")

// connectionClose is the literal header legion inspects to decide
// keep-alive; the match is case-sensitive per spec §6.
var connectionClose = []byte("Connection: close")

// parsedRequest is the minimal view of a request line legion needs: method
// and request-target. Everything else up to the terminator is discarded.
type parsedRequest struct {
	method        string
	target        string
	keepAlive     bool
	malformedLine bool
}

// parseRequest scans buf[:used] for a complete request (terminated by
// \r\n\r\n). ok is false while more data is needed. consumed is the number
// of bytes the complete request occupied, so the caller can shift any
// pipelined bytes that follow.
func parseRequest(buf []byte) (req parsedRequest, consumed int, ok bool) {
	idx := bytes.Index(buf, terminator)
	if idx < 0 {
		return parsedRequest{}, 0, false
	}
	consumed = idx + len(terminator)

	headBlock := buf[:idx]
	requestLine := headBlock
	if lineEnd := bytes.IndexByte(headBlock, '\r'); lineEnd >= 0 {
		requestLine = headBlock[:lineEnd]
	}

	sp := bytes.IndexByte(requestLine, ' ')
	if sp < 0 {
		return parsedRequest{malformedLine: true}, consumed, true
	}
	method := string(requestLine[:sp])

	rest := requestLine[sp+1:]
	sp2 := bytes.IndexByte(rest, ' ')
	if sp2 < 0 {
		return parsedRequest{malformedLine: true}, consumed, true
	}
	target := string(rest[:sp2])

	req = parsedRequest{
		method:    method,
		target:    target,
		keepAlive: !bytes.Contains(headBlock, connectionClose),
	}
	return req, consumed, true
}
