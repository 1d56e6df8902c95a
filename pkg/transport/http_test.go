package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestHTTPTransport_Send(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"name":"docs"}`, string(body))

		w.Header().Set("X-Request-Id", "abc")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"1"}`))
	}))
	defer server.Close()

	tp := NewHTTPTransport(HTTPConfig{})

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	resp, err := tp.Send(context.Background(), &Request{
		Method: http.MethodPost,
		URL:    server.URL + "/2.0/folders",
		Header: header,
		Body:   []byte(`{"name":"docs"}`),
	})

	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "abc", resp.Header.Get("X-Request-Id"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"1"}`, string(body))
}

func TestHTTPTransport_TokenSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tp := NewHTTPTransport(HTTPConfig{
		TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok-123"}),
	})

	resp, err := tp.Send(context.Background(), &Request{
		Method: http.MethodGet,
		URL:    server.URL,
		Header: http.Header{},
	})

	require.NoError(t, err)
	resp.Body.Close()
}

func TestHTTPTransport_UnresponsiveServerIsTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	tp := NewHTTPTransport(HTTPConfig{Timeout: 20 * time.Millisecond})

	resp, err := tp.Send(context.Background(), &Request{
		Method: http.MethodGet,
		URL:    server.URL,
		Header: http.Header{},
	})

	require.Error(t, err)
	assert.Nil(t, resp, "an error and a response are mutually exclusive")
}

func TestRequest_Clone(t *testing.T) {
	header := http.Header{}
	header.Set("Authorization", "Bearer secret")

	orig := &Request{
		Method: http.MethodGet,
		URL:    "https://api.crate.example.com/2.0/events",
		Header: header,
		Body:   []byte("body"),
	}

	clone := orig.Clone()
	clone.Header.Set("Authorization", "[REDACTED]")
	clone.Body[0] = 'x'

	assert.Equal(t, "Bearer secret", orig.Header.Get("Authorization"))
	assert.Equal(t, byte('b'), orig.Body[0])
}

func TestMockTransport_ScriptOrderAndRecording(t *testing.T) {
	mock := NewMockTransport().
		Respond(500, "first").
		Respond(200, "second")

	resp1, err := mock.Send(context.Background(), &Request{Method: "GET", URL: "u", Header: http.Header{}})
	require.NoError(t, err)
	assert.Equal(t, 500, resp1.StatusCode)

	resp2, err := mock.Send(context.Background(), &Request{Method: "GET", URL: "u", Header: http.Header{}})
	require.NoError(t, err)
	assert.Equal(t, 200, resp2.StatusCode)

	// Last exchange repeats once the script is exhausted.
	resp3, err := mock.Send(context.Background(), &Request{Method: "GET", URL: "u", Header: http.Header{}})
	require.NoError(t, err)
	assert.Equal(t, 200, resp3.StatusCode)

	assert.Equal(t, 3, mock.Calls())
}
