package events

import (
	"encoding/json"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// PollDescriptor is a transient realtime poll server resolved through
// the discovery call. It points the user stream source at the endpoint
// to long-poll and carries the server's suggested retry timing.
type PollDescriptor struct {
	// URL is the realtime endpoint to long-poll.
	URL string

	// RetryTimeout is the server-suggested wait between polls; the
	// merger uses it as its inter-poll interval when available.
	RetryTimeout time.Duration

	// MaxRetries is how many times the descriptor may be reused before
	// re-discovery.
	MaxRetries int
}

// Validate reports whether the descriptor is usable.
func (d PollDescriptor) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.URL, validation.Required, is.URL),
		validation.Field(&d.RetryTimeout, validation.Min(time.Duration(0))),
	)
}

// descriptorEntry is the wire form of one discovery entry. The server
// encodes numeric fields inconsistently (some quoted, some not), hence
// json.Number.
type descriptorEntry struct {
	Type         string      `json:"type"`
	URL          string      `json:"url"`
	RetryTimeout json.Number `json:"retry_timeout"`
	MaxRetries   json.Number `json:"max_retries"`
}

// parseDescriptor extracts the first usable realtime server entry from
// a discovery response body. A response with no usable entry returns
// (nil, error); the caller maps that to a per-cycle DiscoveryError.
func parseDescriptor(body []byte) (*PollDescriptor, error) {
	var parsed struct {
		Entries []descriptorEntry `json:"entries"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode discovery response: %w", err)
	}

	for _, entry := range parsed.Entries {
		if entry.Type != "realtime_server" || entry.URL == "" {
			continue
		}
		desc := &PollDescriptor{URL: entry.URL}
		if secs, err := entry.RetryTimeout.Int64(); err == nil && secs > 0 {
			desc.RetryTimeout = time.Duration(secs) * time.Second
		}
		if n, err := entry.MaxRetries.Int64(); err == nil && n > 0 {
			desc.MaxRetries = int(n)
		}
		if err := desc.Validate(); err != nil {
			return nil, fmt.Errorf("invalid poll descriptor: %w", err)
		}
		return desc, nil
	}

	return nil, fmt.Errorf("no realtime server entry in discovery response")
}
