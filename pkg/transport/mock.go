package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
)

// MockTransport is a scripted Transport for tests. Exchanges are
// consumed in FIFO order; every request is recorded for later
// inspection. When the script runs out, the last exchange repeats.
type MockTransport struct {
	mu       sync.Mutex
	script   []mockExchange
	requests []*Request
}

type mockExchange struct {
	status int
	header http.Header
	body   []byte
	err    error
}

// NewMockTransport creates an empty mock. Queue exchanges with Respond
// and Fail before use.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// Respond queues a successful exchange with the given status and body.
func (m *MockTransport) Respond(status int, body string) *MockTransport {
	return m.RespondHeader(status, nil, body)
}

// RespondHeader queues a successful exchange with explicit headers.
func (m *MockTransport) RespondHeader(status int, header http.Header, body string) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if header == nil {
		header = http.Header{}
	}
	m.script = append(m.script, mockExchange{status: status, header: header, body: []byte(body)})
	return m
}

// Fail queues a transport-level failure.
func (m *MockTransport) Fail(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockExchange{err: err})
	return m
}

// Send pops the next scripted exchange.
func (m *MockTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.requests = append(m.requests, req.Clone())
	if len(m.script) == 0 {
		m.mu.Unlock()
		return nil, io.ErrUnexpectedEOF
	}
	ex := m.script[0]
	if len(m.script) > 1 {
		m.script = m.script[1:]
	}
	m.mu.Unlock()

	if ex.err != nil {
		return nil, ex.err
	}
	return &Response{
		StatusCode: ex.status,
		Header:     ex.header.Clone(),
		Body:       io.NopCloser(bytes.NewReader(ex.body)),
	}, nil
}

// Requests returns a snapshot of every request seen so far.
func (m *MockTransport) Requests() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Calls returns the number of requests seen so far.
func (m *MockTransport) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
