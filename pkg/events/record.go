// Package events turns Crate's cursor-based, at-least-once event APIs
// into a single ordered, de-duplicated, resumable stream.
//
// One Source wraps one pollable feed (an admin-log slice or the
// realtime user stream). A Merger pulls batches from every source,
// performs a chronological k-way merge with a bounded recent-id window
// absorbing redelivery, and a Stream is the public facade combining
// the two behind start/pause/stop and subscription channels.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/araddon/dateparse"
	"github.com/hashicorp/go-hclog"
)

// SourceType tags which feed produced a record. Dedup identity is
// (SourceType, ID); IDs are only unique within one feed.
type SourceType string

const (
	SourceAdminLog   SourceType = "admin_log"
	SourceUserStream SourceType = "user_stream"
)

// Record is one event as delivered to subscribers.
type Record struct {
	// ID is the server-assigned event ID, unique within the source.
	ID string

	// Source identifies the feed that produced the record.
	Source SourceType

	// Type is the server-reported event type, e.g. "ITEM_CREATE".
	Type string

	// CreatedAt is the source-provided timestamp. It is the merge key;
	// it is not guaranteed monotonic across sources.
	CreatedAt time.Time

	// Payload is the full raw entry as returned by the server.
	Payload json.RawMessage
}

// Key is a record's dedup identity.
type Key struct {
	Source SourceType
	ID     string
}

// Key returns the record's dedup identity.
func (r *Record) Key() Key {
	return Key{Source: r.Source, ID: r.ID}
}

// eventEnvelope is the subset of an entry the stream machinery needs;
// everything else stays opaque in Payload.
type eventEnvelope struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	CreatedAt string `json:"created_at"`
}

// parseEntries converts raw listing entries into tagged records,
// preserving server order. Entries without an event ID are dropped;
// timestamps go through dateparse because the admin log and the user
// stream do not agree on one format.
func parseEntries(source SourceType, entries []json.RawMessage, log hclog.Logger) []*Record {
	records := make([]*Record, 0, len(entries))
	for _, raw := range entries {
		var env eventEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Warn("skipping undecodable event entry", "source", source, "error", err)
			continue
		}
		if env.EventID == "" {
			log.Warn("skipping event entry without id", "source", source)
			continue
		}

		var createdAt time.Time
		if env.CreatedAt != "" {
			t, err := dateparse.ParseAny(env.CreatedAt)
			if err != nil {
				log.Warn("unparseable event timestamp", "source", source, "event_id", env.EventID, "created_at", env.CreatedAt)
			} else {
				createdAt = t
			}
		}

		records = append(records, &Record{
			ID:        env.EventID,
			Source:    source,
			Type:      env.EventType,
			CreatedAt: createdAt,
			Payload:   append(json.RawMessage(nil), raw...),
		})
	}
	return records
}

// parsePosition normalizes a stream position that the server may
// encode as either a JSON string or a bare number.
func parsePosition(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", fmt.Errorf("decode stream position: %w", err)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return "", fmt.Errorf("decode stream position: %w", err)
	}
	return n.String(), nil
}
