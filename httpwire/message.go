package httpwire

import (
	"context"
	"net/url"
)

// Request represents an HTTP/1.1 request.
//
// Body may be nil for bodyless requests. ContentLength is derived from
// the entity when left zero; set it explicitly only to override.
type Request struct {
	Method     string
	URL        *url.URL
	RequestURI string
	Proto      string
	Header     Header
	Body       Entity
	Host       string
	// RemoteAddr is the peer's observed address for server-decoded
	// requests; empty on the client side.
	RemoteAddr string
	ctx        context.Context
}

// Context returns the request's context, Background when unset.
func (r *Request) Context() context.Context {
	if r == nil || r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext returns a shallow copy of r with its context set to ctx.
func (r *Request) WithContext(ctx context.Context) *Request {
	if r == nil {
		return nil
	}
	r2 := *r
	r2.ctx = ctx
	return &r2
}

// NewRequest builds a request for SingleRequest. body may be nil.
func NewRequest(method, rawURL string, body Entity) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, newMalformedError("invalid request URL", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, newMalformedError("unsupported scheme "+u.Scheme, nil)
	}
	return &Request{
		Method: method,
		URL:    u,
		Proto:  "HTTP/1.1",
		Header: Header{},
		Body:   body,
		Host:   u.Host,
	}, nil
}

// Response represents an HTTP/1.1 response. Body is never nil; callers
// must drain or Close it before the carrying connection can be reused.
type Response struct {
	Status        string
	StatusCode    int
	Proto         string
	Header        Header
	Body          Entity
	ContentLength int64
}
