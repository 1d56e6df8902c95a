// Package request implements the resilient single-request executor the
// rest of the SDK rides on: outcome classification, credential
// redaction, retry scheduling, and buffered or streaming delivery over
// a pluggable transport.
package request

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/cratehq/crate-go/pkg/retry"
	"github.com/cratehq/crate-go/pkg/transport"
)

// Request describes one API call. It is treated as immutable once
// submitted; the executor clones whatever it echoes back to callers.
type Request struct {
	// Method defaults to GET.
	Method string

	// Path is resolved against the executor's base URL unless it is
	// already absolute.
	Path string

	// Query parameters, appended to the resolved URL.
	Query url.Values

	// Header names are case-insensitive per net/http canonical form.
	Header http.Header

	// Body is the raw request body, nil for none.
	Body []byte

	// Retry overrides the executor's retry configuration for this
	// request only. Optional.
	Retry *retry.Config
}

func (r *Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// resolveURL joins the executor base URL, the request path and the
// query string. Absolute paths pass through untouched, which is how
// event sources poll discovered realtime endpoints.
func (r *Request) resolveURL(baseURL string) string {
	u := r.Path
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(r.Path, "/")
	}
	if len(r.Query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + r.Query.Encode()
	}
	return u
}

// wire builds the transport request actually sent. Headers are copied
// so later redaction of echoes never touches the live request.
func (r *Request) wire(baseURL string) *transport.Request {
	header := http.Header{}
	for name, values := range r.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	var body []byte
	if r.Body != nil {
		body = make([]byte, len(r.Body))
		copy(body, r.Body)
	}
	return &transport.Request{
		Method: r.method(),
		URL:    r.resolveURL(baseURL),
		Header: header,
		Body:   body,
	}
}
