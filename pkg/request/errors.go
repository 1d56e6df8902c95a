package request

import (
	"fmt"
	"net/http"

	"github.com/cratehq/crate-go/pkg/transport"
)

// RedactedValue replaces credential-bearing header values in every
// request or response echo the executor hands back to callers.
const RedactedValue = "[REDACTED]"

// TransportError is a terminal failure where no HTTP response reached
// the caller: connection failures, timeouts, cancelled contexts, all
// after the retry budget was spent.
type TransportError struct {
	RequestID string
	Request   *transport.Request // redacted echo
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a terminal failure where the server kept answering
// with a retryable status until the retry budget ran out. Its message
// is the status line, e.g. "502 - Bad Gateway".
type StatusError struct {
	RequestID  string
	StatusCode int
	Header     http.Header        // redacted
	Body       []byte
	Request    *transport.Request // redacted echo
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d - %s", e.StatusCode, http.StatusText(e.StatusCode))
}
