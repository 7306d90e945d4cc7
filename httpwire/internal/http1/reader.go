package http1

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

var (
	// ErrMalformed signals an unrecoverable framing violation. The
	// connection carrying the message must be abandoned.
	ErrMalformed = errors.New("http1: malformed message")
	// ErrNotHTTP signals that the stream does not begin with anything
	// resembling an HTTP request line (binary garbage, another
	// protocol). It matches ErrMalformed but warrants no 400: the peer
	// is not speaking HTTP at all.
	ErrNotHTTP = fmt.Errorf("http1: stream does not start with an HTTP request line: %w", ErrMalformed)
	// ErrHeaderTooLarge signals a header block exceeding configured limits.
	ErrHeaderTooLarge = errors.New("http1: header block too large")
	// ErrTLSRecord signals that the peer answered with a TLS record where
	// an HTTP start-line was expected. This usually means a plaintext
	// request was sent to an HTTPS endpoint.
	ErrTLSRecord = errors.New("http1: peer sent a TLS record; target likely expects HTTPS")
)

// ParsedRequest is a request as parsed from the wire. ContentLength is
// -1 for chunked bodies and 0 when the request carries no body.
type ParsedRequest struct {
	Method        string
	RequestURI    string
	Proto         string
	Header        map[string][]string
	ContentLength int64
	Chunked       bool
	Body          io.ReadCloser
}

// ParsedResponse is a response as parsed from the wire. CloseDelimited
// reports that the body runs until the connection closes, which also
// precludes reusing the connection.
type ParsedResponse struct {
	Proto          string
	StatusCode     int
	Reason         string
	Header         map[string][]string
	ContentLength  int64
	Chunked        bool
	CloseDelimited bool
	Body           io.ReadCloser
}

type Reader struct {
	BR                  *bufio.Reader
	MaxHeaderBytes      int // per header line
	MaxTotalHeaderBytes int // whole header block; 0 means 8x line limit
}

// ReadRequest parses one request head plus a lazy body reader.
func (r *Reader) ReadRequest() (*ParsedRequest, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if parts[0] == "" || !httpguts.ValidHeaderFieldName(parts[0]) {
		return nil, ErrNotHTTP
	}
	if len(parts) != 3 {
		return nil, ErrMalformed
	}
	method, uri, proto := parts[0], parts[1], parts[2]
	if uri == "" || !validProto(proto) {
		return nil, ErrMalformed
	}
	hdr, err := r.readHeaders()
	if err != nil {
		return nil, err
	}
	cl, chunked, err := bodyFraming(hdr)
	if err != nil {
		return nil, err
	}
	pr := &ParsedRequest{
		Method:     method,
		RequestURI: uri,
		Proto:      proto,
		Header:     hdr,
		Chunked:    chunked,
	}
	switch {
	case chunked:
		pr.ContentLength = -1
		pr.Body = newChunkedBody(r.BR, r.lineLimit())
	case cl > 0:
		pr.ContentLength = cl
		pr.Body = &limitedBody{lr: &io.LimitedReader{R: r.BR, N: cl}}
	default:
		// Requests without a length indication have an empty body.
		pr.Body = emptyBody{}
	}
	return pr, nil
}

// ReadResponse parses one response head plus a lazy body reader. The
// request method decides bodyless statuses (e.g. any response to HEAD).
func (r *Reader) ReadResponse(method string) (*ParsedResponse, error) {
	// A TLS ClientHello/alert where a status line belongs is the classic
	// plaintext-to-HTTPS misconfiguration; report it distinctly.
	if b, err := r.BR.Peek(2); err == nil && len(b) == 2 {
		if (b[0] == 0x15 || b[0] == 0x16) && b[1] == 0x03 {
			return nil, ErrTLSRecord
		}
	}
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !validProto(parts[0]) {
		return nil, ErrMalformed
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 999 {
		return nil, ErrMalformed
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	hdr, err := r.readHeaders()
	if err != nil {
		return nil, err
	}
	cl, chunked, err := bodyFraming(hdr)
	if err != nil {
		return nil, err
	}
	pr := &ParsedResponse{
		Proto:      parts[0],
		StatusCode: code,
		Reason:     reason,
		Header:     hdr,
		Chunked:    chunked,
	}
	switch {
	case NoResponseBody(code, method):
		pr.ContentLength = 0
		pr.Chunked = false
		pr.Body = emptyBody{}
	case chunked:
		pr.ContentLength = -1
		pr.Body = newChunkedBody(r.BR, r.lineLimit())
	case hasContentLength(hdr):
		pr.ContentLength = cl
		if cl == 0 {
			pr.Body = emptyBody{}
		} else {
			pr.Body = &limitedBody{lr: &io.LimitedReader{R: r.BR, N: cl}}
		}
	default:
		// No length indication on a response: body runs to connection
		// close and the connection cannot be reused afterwards.
		pr.ContentLength = -1
		pr.CloseDelimited = true
		pr.Body = &eofBody{r: r.BR}
	}
	return pr, nil
}

// bodyFraming inspects framing-relevant headers in priority order:
// chunked Transfer-Encoding wins, then Content-Length. A message with
// both, or with conflicting Content-Length values, is malformed
// (request smuggling vector).
func bodyFraming(hdr map[string][]string) (cl int64, chunked bool, err error) {
	chunked = hasChunkedTE(hdr)
	clVals := hdr["Content-Length"]
	if chunked {
		if len(clVals) > 0 {
			return 0, false, ErrMalformed
		}
		return -1, true, nil
	}
	if len(clVals) == 0 {
		return 0, false, nil
	}
	first := strings.TrimSpace(clVals[0])
	for _, v := range clVals[1:] {
		if strings.TrimSpace(v) != first {
			return 0, false, ErrMalformed
		}
	}
	n, perr := strconv.ParseInt(first, 10, 64)
	if perr != nil || n < 0 {
		return 0, false, ErrMalformed
	}
	return n, false, nil
}

func (r *Reader) readHeaders() (map[string][]string, error) {
	h := make(map[string][]string)
	total := 0
	limit := r.totalLimit()
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		total += len(line) + 2
		if limit > 0 && total > limit {
			return nil, ErrHeaderTooLarge
		}
		if line == "" {
			break
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return nil, ErrMalformed
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		if !httpguts.ValidHeaderFieldName(k) || !httpguts.ValidHeaderFieldValue(v) {
			return nil, ErrMalformed
		}
		addHeader(h, k, v)
	}
	return h, nil
}

func (r *Reader) readLine() (string, error) {
	var sb strings.Builder
	limit := r.lineLimit()
	for {
		b, err := r.BR.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			break
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
		if limit > 0 && sb.Len() > limit {
			return "", ErrHeaderTooLarge
		}
	}
	return sb.String(), nil
}

func (r *Reader) lineLimit() int {
	if r.MaxHeaderBytes <= 0 {
		return 8 << 10
	}
	return r.MaxHeaderBytes
}

func (r *Reader) totalLimit() int {
	if r.MaxTotalHeaderBytes > 0 {
		return r.MaxTotalHeaderBytes
	}
	return 8 * r.lineLimit()
}

func validProto(p string) bool {
	return p == "HTTP/1.1" || p == "HTTP/1.0"
}

// NoResponseBody reports whether a response must not carry a body
// regardless of framing headers.
func NoResponseBody(status int, method string) bool {
	if method == "HEAD" {
		return true
	}
	if status >= 100 && status < 200 {
		return true
	}
	return status == 204 || status == 304
}

// emptyBody is an already-complete body.
type emptyBody struct{}

func (emptyBody) Read(p []byte) (int, error) { return 0, io.EOF }
func (emptyBody) Close() error               { return nil }

// limitedBody reads exactly N declared bytes. Close drains the
// remainder so the next message on the connection starts cleanly.
type limitedBody struct {
	lr *io.LimitedReader
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.lr.Read(p)
	if err == io.EOF && b.lr.N > 0 {
		// Peer closed before delivering the declared length.
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}

func (b *limitedBody) Close() error {
	buf := make([]byte, 1024)
	for b.lr.N > 0 {
		n := int64(len(buf))
		if n > b.lr.N {
			n = b.lr.N
		}
		if _, err := io.ReadFull(b.lr, buf[:n]); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				break
			}
			return err
		}
	}
	return nil
}

// eofBody is a close-delimited body: it runs until the transport
// closes. Abrupt truncation (a peer vanishing without a TLS
// close_notify or FIN ordering) is deliberately surfaced as a clean
// end of stream rather than an error.
type eofBody struct {
	r    io.Reader
	done bool
}

func (b *eofBody) Read(p []byte) (int, error) {
	if b.done {
		return 0, io.EOF
	}
	n, err := b.r.Read(p)
	if err != nil {
		b.done = true
		if lenientEOF(err) {
			if n > 0 {
				return n, nil
			}
			return 0, io.EOF
		}
	}
	return n, err
}

func (b *eofBody) Close() error {
	b.done = true
	return nil
}

// lenientEOF reports errors treated as end-of-stream for
// close-delimited bodies.
func lenientEOF(err error) bool {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return true
	}
	// crypto/tls reports missing close_notify this way.
	s := err.Error()
	return strings.Contains(s, "unexpected EOF") || strings.Contains(s, "connection reset")
}

func addHeader(h map[string][]string, k, v string) {
	h[CanonicalHeaderKey(k)] = append(h[CanonicalHeaderKey(k)], v)
}

func getHeader(h map[string][]string, k string) string {
	if vv, ok := h[CanonicalHeaderKey(k)]; ok && len(vv) > 0 {
		return vv[0]
	}
	return ""
}

// CanonicalGet returns the first value for a canonicalized header name.
func CanonicalGet(h map[string][]string, k string) string {
	return getHeader(h, k)
}

func hasContentLength(h map[string][]string) bool {
	return len(h["Content-Length"]) > 0
}

func hasChunkedTE(h map[string][]string) bool {
	for _, v := range h["Transfer-Encoding"] {
		if strings.Contains(strings.ToLower(v), "chunked") {
			return true
		}
	}
	return false
}

// CanonicalHeaderKey canonicalizes a header name without importing
// textproto into this package.
func CanonicalHeaderKey(s string) string {
	b := []byte(strings.ToLower(s))
	upper := true
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			if upper {
				b[i] = byte(c - 'a' + 'A')
			}
			upper = false
			continue
		}
		upper = c == '-'
	}
	return string(b)
}
