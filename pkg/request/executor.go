package request

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/cratehq/crate-go/pkg/retry"
	"github.com/cratehq/crate-go/pkg/transport"
)

// Statuses the executor treats as transient. Everything else, 4xx
// included, is delivered to the caller as a response with that status;
// interpreting business-level error bodies is the caller's concern.
var retryableStatuses = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// Observer receives one notification per terminal outcome, success or
// failure, never for intermediate retries. Publishing is fire-and-forget:
// it runs on its own goroutine and a panicking observer is swallowed.
type Observer interface {
	Publish(err error, resp *Response)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(err error, resp *Response)

// Publish calls f.
func (f ObserverFunc) Publish(err error, resp *Response) { f(err, resp) }

// Response is a fully buffered terminal response. Header and Request
// are redacted echoes, safe to log.
type Response struct {
	RequestID  string
	StatusCode int
	Header     http.Header
	Body       []byte
	Request    *transport.Request
	NumRetries int
}

// StreamResponse hands the caller the live body of the first delivered
// response. The caller owns closing Body.
type StreamResponse struct {
	RequestID  string
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Request    *transport.Request
	NumRetries int
}

// Config holds configuration for an Executor.
type Config struct {
	// Transport performs the raw exchanges. Required.
	Transport transport.Transport

	// BaseURL is prepended to relative request paths. Required.
	BaseURL string

	// Retry is the default retry policy; individual requests may
	// override it.
	Retry retry.Config

	// Observer receives terminal outcomes. Optional.
	Observer Observer

	// RedactedHeaders extends the built-in redaction list
	// (Authorization, Crate-Api). Optional.
	RedactedHeaders []string

	// Logger (optional).
	Logger hclog.Logger
}

// Executor wraps a Transport with classification, redaction and retry
// scheduling. Executors are reentrant; one instance serves any number
// of concurrent requests, each with its own retry state.
type Executor struct {
	transport transport.Transport
	baseURL   string
	retry     retry.Config
	observer  Observer
	redacted  []string
	logger    hclog.Logger
}

// New creates an Executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	redacted := []string{"Authorization", "Crate-Api"}
	redacted = append(redacted, cfg.RedactedHeaders...)

	return &Executor{
		transport: cfg.Transport,
		baseURL:   cfg.BaseURL,
		retry:     cfg.Retry,
		observer:  cfg.Observer,
		redacted:  redacted,
		logger:    cfg.Logger.Named("executor"),
	}, nil
}

// Do executes one request in buffered mode. Retries happen internally;
// the caller sees exactly one terminal result: a *Response (any
// non-retryable status, 4xx included) or an error after the retry
// budget is spent.
func (e *Executor) Do(ctx context.Context, req *Request) (*Response, error) {
	resp, err := e.execute(ctx, req)
	e.publish(err, resp)
	return resp, err
}

// DoAsync is the continuation form of Do: same semantics, one callback
// invocation on a separate goroutine.
func (e *Executor) DoAsync(ctx context.Context, req *Request, cb func(*Response, error)) {
	go func() {
		cb(e.Do(ctx, req))
	}()
}

func (e *Executor) execute(ctx context.Context, req *Request) (*Response, error) {
	requestID := uuid.New().String()
	policy := e.policyFor(req)
	wire := req.wire(e.baseURL)
	log := e.logger.With("request_id", requestID, "method", wire.Method, "url", wire.URL)

	numRetries := 0
	for {
		resp, err := e.transport.Send(ctx, wire)

		if err != nil {
			decision := policy.Decide(retry.Attempt{
				Err:        err,
				NumRetries: numRetries,
				MaxRetries: policy.MaxRetries,
				Interval:   policy.Interval,
			})
			terminalErr, wait := e.settle(decision, &TransportError{
				RequestID: requestID,
				Request:   e.redactRequest(wire),
				Err:       err,
			})
			if terminalErr != nil {
				log.Debug("request failed", "error", terminalErr, "num_retries", numRetries)
				return nil, terminalErr
			}
			log.Debug("retrying after transport error", "wait", wait, "num_retries", numRetries)
			if err := sleepContext(ctx, wait); err != nil {
				return nil, &TransportError{RequestID: requestID, Request: e.redactRequest(wire), Err: err}
			}
			numRetries++
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			// A broken body before full delivery is a transport
			// failure, not an HTTP outcome.
			decision := policy.Decide(retry.Attempt{
				Err:        readErr,
				NumRetries: numRetries,
				MaxRetries: policy.MaxRetries,
				Interval:   policy.Interval,
			})
			terminalErr, wait := e.settle(decision, &TransportError{
				RequestID: requestID,
				Request:   e.redactRequest(wire),
				Err:       readErr,
			})
			if terminalErr != nil {
				return nil, terminalErr
			}
			if err := sleepContext(ctx, wait); err != nil {
				return nil, &TransportError{RequestID: requestID, Request: e.redactRequest(wire), Err: err}
			}
			numRetries++
			continue
		}

		if _, transient := retryableStatuses[resp.StatusCode]; transient {
			statusErr := &StatusError{
				RequestID:  requestID,
				StatusCode: resp.StatusCode,
				Header:     e.redactHeader(resp.Header),
				Body:       body,
				Request:    e.redactRequest(wire),
			}
			decision := policy.Decide(retry.Attempt{
				StatusCode: resp.StatusCode,
				Header:     resp.Header,
				Err:        statusErr,
				RetryAfter: retryAfterHint(resp.Header),
				NumRetries: numRetries,
				MaxRetries: policy.MaxRetries,
				Interval:   policy.Interval,
			})
			terminalErr, wait := e.settle(decision, statusErr)
			if terminalErr != nil {
				log.Debug("request failed", "status", resp.StatusCode, "num_retries", numRetries)
				return nil, terminalErr
			}
			log.Debug("retrying after transient status", "status", resp.StatusCode, "wait", wait, "num_retries", numRetries)
			if err := sleepContext(ctx, wait); err != nil {
				return nil, &TransportError{RequestID: requestID, Request: e.redactRequest(wire), Err: err}
			}
			numRetries++
			continue
		}

		return &Response{
			RequestID:  requestID,
			StatusCode: resp.StatusCode,
			Header:     e.redactHeader(resp.Header),
			Body:       body,
			Request:    e.redactRequest(wire),
			NumRetries: numRetries,
		}, nil
	}
}

// Stream executes one request in streaming mode: the first delivered
// response is handed back with its live body as soon as headers are
// available, whatever its status. Only connection-level failures
// before any response are retried; a stream already flowing cannot be
// safely restarted.
func (e *Executor) Stream(ctx context.Context, req *Request) (*StreamResponse, error) {
	requestID := uuid.New().String()
	policy := e.policyFor(req)
	wire := req.wire(e.baseURL)

	numRetries := 0
	for {
		resp, err := e.transport.Send(ctx, wire)
		if err != nil {
			decision := policy.Decide(retry.Attempt{
				Err:        err,
				NumRetries: numRetries,
				MaxRetries: policy.MaxRetries,
				Interval:   policy.Interval,
			})
			terminalErr, wait := e.settle(decision, &TransportError{
				RequestID: requestID,
				Request:   e.redactRequest(wire),
				Err:       err,
			})
			if terminalErr != nil {
				e.publish(terminalErr, nil)
				return nil, terminalErr
			}
			if err := sleepContext(ctx, wait); err != nil {
				terminalErr := &TransportError{RequestID: requestID, Request: e.redactRequest(wire), Err: err}
				e.publish(terminalErr, nil)
				return nil, terminalErr
			}
			numRetries++
			continue
		}

		stream := &StreamResponse{
			RequestID:  requestID,
			StatusCode: resp.StatusCode,
			Header:     e.redactHeader(resp.Header),
			Body:       resp.Body,
			Request:    e.redactRequest(wire),
			NumRetries: numRetries,
		}
		e.publish(nil, &Response{
			RequestID:  requestID,
			StatusCode: resp.StatusCode,
			Header:     stream.Header,
			Request:    stream.Request,
			NumRetries: numRetries,
		})
		return stream, nil
	}
}

// settle maps a policy decision onto (terminal error, wait). Exactly
// one of the two is meaningful: a nil terminal error means retry after
// the returned wait.
func (e *Executor) settle(decision retry.Decision, original error) (error, time.Duration) {
	if wait, ok := decision.IsWait(); ok {
		return nil, wait
	}
	if abortErr, ok := decision.IsAbort(); ok {
		// The strategy's own error surfaces exactly as returned.
		return abortErr, 0
	}
	// Unhandled: the original classified error surfaces unchanged.
	return original, 0
}

func (e *Executor) policyFor(req *Request) retry.Config {
	if req.Retry != nil {
		return *req.Retry
	}
	return e.retry
}

func (e *Executor) publish(err error, resp *Response) {
	if e.observer == nil {
		return
	}
	go func() {
		defer func() {
			_ = recover()
		}()
		e.observer.Publish(err, resp)
	}()
}

func (e *Executor) redactRequest(wire *transport.Request) *transport.Request {
	echo := wire.Clone()
	echo.Header = e.redactHeader(echo.Header)
	return echo
}

func (e *Executor) redactHeader(h http.Header) http.Header {
	redacted := h.Clone()
	if redacted == nil {
		redacted = http.Header{}
	}
	for _, name := range e.redacted {
		if redacted.Get(name) != "" {
			redacted.Set(name, RedactedValue)
		}
	}
	return redacted
}

// retryAfterHint reads an integral Retry-After header as a duration.
func retryAfterHint(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
