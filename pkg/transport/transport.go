// Package transport defines the wire boundary for the Crate SDK.
//
// A Transport performs exactly one raw HTTP exchange. It knows nothing
// about retries, classification, or redaction; those live in pkg/request.
// The SDK ships an HTTPTransport over net/http and a scripted
// MockTransport for tests, but any implementation of the interface can
// be plugged in.
package transport

import (
	"context"
	"io"
	"net/http"
)

// Transport performs one HTTP exchange. An error and a response are
// mutually exclusive: a non-nil error means no response reached the
// caller (connection failure, timeout, cancelled context).
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// Request is one outgoing wire request.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Clone returns a deep copy of the request. The executor clones before
// echoing a request back to callers so redaction never touches the
// request actually sent on the wire.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := &Request{
		Method: r.Method,
		URL:    r.URL,
		Header: r.Header.Clone(),
	}
	if r.Body != nil {
		c.Body = make([]byte, len(r.Body))
		copy(c.Body, r.Body)
	}
	return c
}

// Response is one wire response. Body is a live stream; callers own
// closing it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
