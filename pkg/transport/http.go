package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2"
)

const defaultTimeout = 60 * time.Second

// HTTPTransport is the default Transport over net/http.
//
// Authentication is a collaborator, not a concern of this package: when
// a TokenSource is configured, each outgoing request gets a bearer
// Authorization header from it, and token refresh stays inside
// x/oauth2. Without a TokenSource, callers set auth headers themselves.
type HTTPTransport struct {
	httpClient  *http.Client
	tokenSource oauth2.TokenSource
	userAgent   string
	logger      hclog.Logger
}

// HTTPConfig holds configuration for HTTPTransport.
type HTTPConfig struct {
	// Timeout bounds one full exchange. A request that exceeds it is
	// reported as a transport error, which upstream classification
	// treats as retryable. Default: 60s.
	Timeout time.Duration

	// TokenSource supplies bearer tokens for the Authorization header.
	// Optional.
	TokenSource oauth2.TokenSource

	// UserAgent is sent on every request when set.
	UserAgent string

	// Client overrides the underlying *http.Client. Optional; Timeout
	// is ignored when set.
	Client *http.Client

	// Logger (optional).
	Logger hclog.Logger
}

// NewHTTPTransport creates the default net/http-backed Transport.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &HTTPTransport{
		httpClient:  client,
		tokenSource: cfg.TokenSource,
		userAgent:   cfg.UserAgent,
		logger:      cfg.Logger.Named("http-transport"),
	}
}

// Send performs one HTTP exchange.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}

	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	if t.userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}

	if t.tokenSource != nil {
		tok, err := t.tokenSource.Token()
		if err != nil {
			return nil, fmt.Errorf("acquire token failed: %w", err)
		}
		tok.SetAuthHeader(httpReq)
	}

	t.logger.Debug("sending request", "method", req.Method, "url", req.URL)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}
