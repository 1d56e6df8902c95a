package events

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cratehq/crate-go/pkg/request"
	"github.com/cratehq/crate-go/pkg/transport"
)

const testBaseURL = "https://api.crate.example.com"

func newEventsExecutor(t *testing.T, mock *transport.MockTransport) *request.Executor {
	t.Helper()
	exec, err := request.New(request.Config{
		Transport: mock,
		BaseURL:   testBaseURL,
	})
	require.NoError(t, err)
	return exec
}

func entryJSON(id, eventType, createdAt string) string {
	return fmt.Sprintf(`{"event_id":%q,"event_type":%q,"created_at":%q}`, id, eventType, createdAt)
}

func listingJSON(next string, entries ...string) string {
	return fmt.Sprintf(`{"entries":[%s],"next_stream_position":%q}`, strings.Join(entries, ","), next)
}

func queryOf(t *testing.T, req *transport.Request) url.Values {
	t.Helper()
	u, err := url.Parse(req.URL)
	require.NoError(t, err)
	return u.Query()
}

func TestAdminLogSource_Poll(t *testing.T) {
	mock := transport.NewMockTransport().Respond(200, listingJSON("124",
		entryJSON("evt-1", "LOGIN", "2026-08-20T10:00:00Z"),
		entryJSON("evt-2", "UPLOAD", "2026-08-20T10:00:05Z"),
	))
	src, err := NewAdminLogSource(AdminLogConfig{
		Executor:      newEventsExecutor(t, mock),
		EventTypes:    []string{"LOGIN", "UPLOAD"},
		StartPosition: "123",
	})
	require.NoError(t, err)

	batch, err := src.Poll(context.Background())

	require.NoError(t, err)
	require.Len(t, batch.Records, 2)
	assert.Equal(t, "evt-1", batch.Records[0].ID)
	assert.Equal(t, SourceAdminLog, batch.Records[0].Source)
	assert.Equal(t, "LOGIN", batch.Records[0].Type)
	assert.Equal(t, time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC), batch.Records[0].CreatedAt.UTC())
	assert.Equal(t, "124", batch.NextPosition)
	assert.Equal(t, "124", src.Position(), "cursor advances on success")

	query := queryOf(t, mock.Requests()[0])
	assert.Equal(t, "admin_logs", query.Get("stream_type"))
	assert.Equal(t, "LOGIN,UPLOAD", query.Get("event_type"))
	assert.Equal(t, "123", query.Get("stream_position"))
}

func TestAdminLogSource_EmptyBatchIsNotAnError(t *testing.T) {
	mock := transport.NewMockTransport().Respond(200, listingJSON("123"))
	src, err := NewAdminLogSource(AdminLogConfig{
		Executor:      newEventsExecutor(t, mock),
		StartPosition: "123",
	})
	require.NoError(t, err)

	batch, err := src.Poll(context.Background())

	require.NoError(t, err)
	assert.Empty(t, batch.Records)
	assert.Equal(t, "123", src.Position(), "no new data leaves the cursor alone")
}

func TestAdminLogSource_FailureKeepsCursor(t *testing.T) {
	mock := transport.NewMockTransport().
		Respond(200, listingJSON("124", entryJSON("evt-1", "LOGIN", "2026-08-20T10:00:00Z"))).
		Respond(404, `{"code":"not_found"}`)
	src, err := NewAdminLogSource(AdminLogConfig{
		Executor:      newEventsExecutor(t, mock),
		StartPosition: "123",
	})
	require.NoError(t, err)

	_, err = src.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, "124", src.Position())

	_, err = src.Poll(context.Background())
	require.Error(t, err)
	assert.Equal(t, "124", src.Position(), "cursor never moves on failure")
}

func TestAdminLogSource_Reset(t *testing.T) {
	src, err := NewAdminLogSource(AdminLogConfig{
		Executor:      newEventsExecutor(t, transport.NewMockTransport()),
		StartPosition: "500",
	})
	require.NoError(t, err)

	src.Reset("100")

	assert.Equal(t, "100", src.Position())
}

func TestUserStreamSource_PlainPolling(t *testing.T) {
	mock := transport.NewMockTransport().Respond(200, listingJSON("201",
		entryJSON("u-1", "ITEM_CREATE", "2026-08-20T11:00:00Z"),
	))
	src, err := NewUserStreamSource(UserStreamConfig{
		Executor:        newEventsExecutor(t, mock),
		StartPosition:   "200",
		DisableLongPoll: true,
	})
	require.NoError(t, err)

	batch, err := src.Poll(context.Background())

	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, SourceUserStream, batch.Records[0].Source)
	assert.Equal(t, "201", src.Position())
	assert.Equal(t, 1, mock.Calls(), "no discovery when long-poll is disabled")
}

func TestUserStreamSource_LongPollFlow(t *testing.T) {
	const realtimeURL = "https://realtime.crate.example.com/channel/1"

	mock := transport.NewMockTransport().
		Respond(200, fmt.Sprintf(
			`{"chunk_size":1,"entries":[{"type":"realtime_server","url":%q,"retry_timeout":610,"max_retries":"10"}]}`,
			realtimeURL)).
		Respond(200, `{"message":"new_change"}`).
		Respond(200, listingJSON("301", entryJSON("u-2", "ITEM_UPLOAD", "2026-08-20T12:00:00Z")))

	src, err := NewUserStreamSource(UserStreamConfig{
		Executor:      newEventsExecutor(t, mock),
		StartPosition: "300",
	})
	require.NoError(t, err)

	batch, err := src.Poll(context.Background())

	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, "301", src.Position())
	assert.Equal(t, 610*time.Second, src.SuggestedInterval())

	reqs := mock.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "OPTIONS", reqs[0].Method)
	assert.True(t, strings.HasPrefix(reqs[1].URL, realtimeURL), "long-poll goes to the discovered server")
	assert.Equal(t, "300", queryOf(t, reqs[1]).Get("stream_position"))
	assert.Equal(t, "300", queryOf(t, reqs[2]).Get("stream_position"))
}

func TestUserStreamSource_LongPollNoChange(t *testing.T) {
	mock := transport.NewMockTransport().
		Respond(200, `{"chunk_size":1,"entries":[{"type":"realtime_server","url":"https://realtime.crate.example.com/channel/1","retry_timeout":610}]}`).
		Respond(200, `{"message":""}`)

	src, err := NewUserStreamSource(UserStreamConfig{
		Executor:      newEventsExecutor(t, mock),
		StartPosition: "300",
	})
	require.NoError(t, err)

	batch, err := src.Poll(context.Background())

	require.NoError(t, err)
	assert.Empty(t, batch.Records)
	assert.Equal(t, "300", batch.NextPosition, "no change reports the unchanged cursor")
	assert.Equal(t, 2, mock.Calls(), "no listing fetch without a change")
}

func TestUserStreamSource_DescriptorReusedAcrossPolls(t *testing.T) {
	mock := transport.NewMockTransport().
		Respond(200, `{"entries":[{"type":"realtime_server","url":"https://realtime.crate.example.com/channel/1","retry_timeout":610,"max_retries":"10"}]}`).
		Respond(200, `{"message":"new_change"}`).
		Respond(200, listingJSON("301", entryJSON("u-2", "ITEM_UPLOAD", "2026-08-20T12:00:00Z"))).
		Respond(200, `{"message":"new_change"}`).
		Respond(200, listingJSON("302", entryJSON("u-3", "ITEM_UPLOAD", "2026-08-20T12:00:10Z")))

	src, err := NewUserStreamSource(UserStreamConfig{
		Executor:      newEventsExecutor(t, mock),
		StartPosition: "300",
	})
	require.NoError(t, err)

	_, err = src.Poll(context.Background())
	require.NoError(t, err)
	_, err = src.Poll(context.Background())
	require.NoError(t, err)

	// One discovery, then long-poll/fetch pairs.
	assert.Equal(t, 5, mock.Calls())
	assert.Equal(t, "302", src.Position())
}

func TestUserStreamSource_ReconnectInvalidatesDescriptor(t *testing.T) {
	mock := transport.NewMockTransport().
		Respond(200, `{"entries":[{"type":"realtime_server","url":"https://realtime.crate.example.com/channel/1"}]}`).
		Respond(200, `{"message":"reconnect"}`).
		Respond(200, `{"entries":[{"type":"realtime_server","url":"https://realtime.crate.example.com/channel/2"}]}`).
		Respond(200, `{"message":""}`)

	src, err := NewUserStreamSource(UserStreamConfig{
		Executor:      newEventsExecutor(t, mock),
		StartPosition: "300",
	})
	require.NoError(t, err)

	batch, err := src.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, batch.Records)

	// The reconnect dropped the cached descriptor: next poll
	// rediscovers before long-polling.
	_, err = src.Poll(context.Background())
	require.NoError(t, err)

	reqs := mock.Requests()
	require.Len(t, reqs, 4)
	assert.Equal(t, "OPTIONS", reqs[2].Method)
	assert.True(t, strings.HasPrefix(reqs[3].URL, "https://realtime.crate.example.com/channel/2"))
}

func TestUserStreamSource_DiscoveryWithoutUsableEntry(t *testing.T) {
	mock := transport.NewMockTransport().Respond(200, `{"chunk_size":0,"entries":[]}`)
	src, err := NewUserStreamSource(UserStreamConfig{
		Executor:      newEventsExecutor(t, mock),
		StartPosition: "300",
	})
	require.NoError(t, err)

	_, err = src.Poll(context.Background())

	var discoveryErr *DiscoveryError
	require.ErrorAs(t, err, &discoveryErr)
	assert.Equal(t, "300", src.Position(), "per-cycle error leaves the cursor alone")
	assert.Equal(t, 1, mock.Calls(), "no fetch after unusable discovery")
}

func TestUserStreamSource_DiscoveryFailureFallsBackToListing(t *testing.T) {
	mock := transport.NewMockTransport().
		Fail(errors.New("connection refused")).
		Respond(200, listingJSON("301", entryJSON("u-2", "ITEM_UPLOAD", "2026-08-20T12:00:00Z")))

	src, err := NewUserStreamSource(UserStreamConfig{
		Executor:      newEventsExecutor(t, mock),
		StartPosition: "300",
	})
	require.NoError(t, err)

	batch, err := src.Poll(context.Background())

	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, "301", src.Position())
}

func TestParsePosition(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"quoted string", `"76592376495823"`, "76592376495823"},
		{"bare number", `76592376495823`, "76592376495823"},
		{"null", `null`, ""},
		{"empty", ``, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePosition([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDescriptor(t *testing.T) {
	desc, err := parseDescriptor([]byte(
		`{"entries":[{"type":"realtime_server","url":"https://realtime.crate.example.com/c/1","retry_timeout":610,"max_retries":"10"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "https://realtime.crate.example.com/c/1", desc.URL)
	assert.Equal(t, 610*time.Second, desc.RetryTimeout)
	assert.Equal(t, 10, desc.MaxRetries)

	_, err = parseDescriptor([]byte(`{"entries":[]}`))
	assert.Error(t, err)

	_, err = parseDescriptor([]byte(`{"entries":[{"type":"something_else","url":"https://x"}]}`))
	assert.Error(t, err)
}
