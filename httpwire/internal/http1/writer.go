package http1

import (
	"bufio"
	"fmt"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// WriteRequest writes a request line and header block. Framing is
// chosen by the caller: contentLength >= 0 emits Content-Length,
// chunked emits Transfer-Encoding. Body bytes are not written here.
func WriteRequest(bw *bufio.Writer, method, target, host string, hdr map[string][]string, contentLength int64, chunked, keepAlive bool) error {
	if target == "" {
		target = "/"
	}
	if _, err := fmt.Fprintf(bw, "%s %s HTTP/1.1\r\n", method, target); err != nil {
		return err
	}
	if h := getHeader(hdr, "Host"); h != "" {
		host = h
	}
	if host != "" {
		if _, err := fmt.Fprintf(bw, "Host: %s\r\n", sanitizeHeaderValue(host)); err != nil {
			return err
		}
	}
	switch {
	case chunked:
		if _, err := fmt.Fprint(bw, "Transfer-Encoding: chunked\r\n"); err != nil {
			return err
		}
	case contentLength >= 0:
		if _, err := fmt.Fprintf(bw, "Content-Length: %d\r\n", contentLength); err != nil {
			return err
		}
	}
	for k, vv := range hdr {
		if skipManagedHeader(k) {
			continue
		}
		if !httpguts.ValidHeaderFieldName(k) {
			continue
		}
		for _, v := range vv {
			if _, err := fmt.Fprintf(bw, "%s: %s\r\n", k, sanitizeHeaderValue(v)); err != nil {
				return err
			}
		}
	}
	conn := "keep-alive"
	if !keepAlive {
		conn = "close"
	}
	if _, err := fmt.Fprintf(bw, "Connection: %s\r\n\r\n", conn); err != nil {
		return err
	}
	return nil
}

// StartResponse writes the status line and headers, including
// Connection and optional Transfer-Encoding: chunked. It does not
// write any body bytes.
func StartResponse(bw *bufio.Writer, status int, reason string, hdr map[string][]string, chunked, keepAlive bool) error {
	if reason == "" {
		reason = defaultReason(status)
	}
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", status, reason); err != nil {
		return err
	}
	// Content-Length is a managed header: the emission loop below skips
	// it, so with chunked framing it simply never hits the wire. The
	// caller's map is left untouched.
	if chunked {
		if _, err := fmt.Fprint(bw, "Transfer-Encoding: chunked\r\n"); err != nil {
			return err
		}
	} else if cl := getHeader(hdr, "Content-Length"); cl != "" {
		if _, err := fmt.Fprintf(bw, "Content-Length: %s\r\n", sanitizeHeaderValue(cl)); err != nil {
			return err
		}
	}
	for k, vv := range hdr {
		if skipManagedHeader(k) {
			continue
		}
		if !httpguts.ValidHeaderFieldName(k) {
			continue
		}
		for _, v := range vv {
			if _, err := fmt.Fprintf(bw, "%s: %s\r\n", k, sanitizeHeaderValue(v)); err != nil {
				return err
			}
		}
	}
	conn := "keep-alive"
	if !keepAlive {
		conn = "close"
	}
	if _, err := fmt.Fprintf(bw, "Connection: %s\r\n\r\n", conn); err != nil {
		return err
	}
	return nil
}

// WriteResponse writes a complete small response in one shot. Used for
// error short-circuits where no handler runs.
func WriteResponse(bw *bufio.Writer, status int, reason string, hdr map[string][]string, body []byte, keepAlive bool) error {
	if hdr == nil {
		hdr = map[string][]string{}
	}
	hdr["Content-Length"] = []string{fmt.Sprintf("%d", len(body))}
	if err := StartResponse(bw, status, reason, hdr, false, keepAlive); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := bw.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// WriteChunked writes one chunk: <hex-size>CRLF<bytes>CRLF.
func WriteChunked(bw *bufio.Writer, p []byte) (int, error) {
	if len(p) == 0 {
		// A zero-length chunk would terminate the body.
		return 0, nil
	}
	if _, err := fmt.Fprintf(bw, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	if _, err := bw.Write(p); err != nil {
		return 0, err
	}
	if _, err := fmt.Fprint(bw, "\r\n"); err != nil {
		return 0, err
	}
	return len(p), nil
}

// EndChunked writes the terminating zero-length chunk, optionally
// followed by trailer headers.
func EndChunked(bw *bufio.Writer, trailer map[string][]string) error {
	if _, err := fmt.Fprint(bw, "0\r\n"); err != nil {
		return err
	}
	for k, vv := range trailer {
		if !httpguts.ValidHeaderFieldName(k) {
			continue
		}
		for _, v := range vv {
			if _, err := fmt.Fprintf(bw, "%s: %s\r\n", k, sanitizeHeaderValue(v)); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprint(bw, "\r\n")
	return err
}

// WriteContinue writes an interim 100 Continue response.
func WriteContinue(bw *bufio.Writer) error {
	_, err := fmt.Fprint(bw, "HTTP/1.1 100 Continue\r\n\r\n")
	return err
}

// skipManagedHeader reports header names the framing layer owns.
func skipManagedHeader(k string) bool {
	switch k {
	case "Connection", "Content-Length", "Transfer-Encoding", "Host":
		return true
	}
	return false
}

func sanitizeHeaderValue(v string) string {
	if httpguts.ValidHeaderFieldValue(v) {
		return v
	}
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\r' || c == '\n' || c == 0x7f {
			continue
		}
		if c < 0x20 && c != '\t' {
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func defaultReason(code int) string {
	switch code {
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 408:
		return "Request Timeout"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 503:
		return "Service Unavailable"
	default:
		return "Status"
	}
}
