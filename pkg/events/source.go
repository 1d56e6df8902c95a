package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/cratehq/crate-go/pkg/request"
)

const (
	eventsPath = "/2.0/events"

	defaultFetchLimit = 100

	// Realtime long-poll messages.
	messageNewChange = "new_change"
	messageReconnect = "reconnect"
)

// Batch is the result of one successful poll: records in
// server-reported order plus the position for the next poll. An empty
// batch with an unchanged position means "no new data" and is not an
// error.
type Batch struct {
	Records      []*Record
	NextPosition string
}

// Source is one cursor-based pollable feed. A source owns its cursor:
// the cursor advances only when a poll succeeds, keeps its value on
// failure, and rewinds only through an explicit Reset.
type Source interface {
	// Type tags every record this source produces.
	Type() SourceType

	// Position returns the current cursor.
	Position() string

	// Reset moves the cursor to an explicit position. The only
	// legitimate rewind.
	Reset(position string)

	// Poll fetches the next batch after the current cursor and
	// advances the cursor on success.
	Poll(ctx context.Context) (*Batch, error)

	// SuggestedInterval is the server's preferred inter-poll wait, or
	// zero when the source has no opinion.
	SuggestedInterval() time.Duration
}

// AdminLogSource polls the admin event log, optionally filtered to a
// set of event types. Each filtered slice of the admin log is its own
// differently-cursored feed, so one stream may register several of
// these ahead of the realtime source.
type AdminLogSource struct {
	executor   *request.Executor
	eventTypes []string
	limit      int
	logger     hclog.Logger

	mu       sync.Mutex
	position string
}

// AdminLogConfig holds configuration for an AdminLogSource.
type AdminLogConfig struct {
	// Executor performs the listing requests. Required.
	Executor *request.Executor

	// EventTypes filters the log server-side. Empty means all types.
	EventTypes []string

	// StartPosition is the initial cursor. Empty lets the consumer
	// resolve the server's current position at start.
	StartPosition string

	// Limit caps entries per poll (default 100).
	Limit int

	// Logger (optional).
	Logger hclog.Logger
}

// NewAdminLogSource creates an admin log source.
func NewAdminLogSource(cfg AdminLogConfig) (*AdminLogSource, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Limit == 0 {
		cfg.Limit = defaultFetchLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	return &AdminLogSource{
		executor:   cfg.Executor,
		eventTypes: cfg.EventTypes,
		limit:      cfg.Limit,
		logger:     cfg.Logger.Named("admin-log-source"),
		position:   cfg.StartPosition,
	}, nil
}

// Type implements Source.
func (s *AdminLogSource) Type() SourceType { return SourceAdminLog }

// Position implements Source.
func (s *AdminLogSource) Position() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Reset implements Source.
func (s *AdminLogSource) Reset(position string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = position
}

// SuggestedInterval implements Source. The admin log has no realtime
// channel, so no opinion.
func (s *AdminLogSource) SuggestedInterval() time.Duration { return 0 }

// Poll implements Source.
func (s *AdminLogSource) Poll(ctx context.Context) (*Batch, error) {
	query := url.Values{}
	query.Set("stream_type", "admin_logs")
	query.Set("limit", strconv.Itoa(s.limit))
	if len(s.eventTypes) > 0 {
		query.Set("event_type", strings.Join(s.eventTypes, ","))
	}
	if pos := s.Position(); pos != "" {
		query.Set("stream_position", pos)
	}

	batch, err := fetchListing(ctx, s.executor, eventsPath, query, SourceAdminLog, s.logger)
	if err != nil {
		return nil, err
	}
	s.advance(batch)
	return batch, nil
}

func (s *AdminLogSource) advance(batch *Batch) {
	if batch.NextPosition == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = batch.NextPosition
}

// UserStreamSource polls the realtime user event stream. Before each
// fetch it tries to long-poll a discovered realtime server so new
// events are picked up without tight polling; when discovery or the
// long-poll channel is unavailable it degrades to plain listing.
type UserStreamSource struct {
	executor *request.Executor
	limit    int
	longPoll bool
	logger   hclog.Logger

	mu         sync.Mutex
	position   string
	descriptor *PollDescriptor
	descUses   int
}

// UserStreamConfig holds configuration for a UserStreamSource.
type UserStreamConfig struct {
	// Executor performs all requests. Required.
	Executor *request.Executor

	// StartPosition is the initial cursor. Empty lets the consumer
	// resolve the server's current position at start.
	StartPosition string

	// Limit caps entries per fetch (default 100).
	Limit int

	// DisableLongPoll skips realtime server discovery and falls back
	// to plain interval polling.
	DisableLongPoll bool

	// Logger (optional).
	Logger hclog.Logger
}

// NewUserStreamSource creates a realtime user stream source.
func NewUserStreamSource(cfg UserStreamConfig) (*UserStreamSource, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Limit == 0 {
		cfg.Limit = defaultFetchLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	return &UserStreamSource{
		executor: cfg.Executor,
		limit:    cfg.Limit,
		longPoll: !cfg.DisableLongPoll,
		logger:   cfg.Logger.Named("user-stream-source"),
		position: cfg.StartPosition,
	}, nil
}

// Type implements Source.
func (s *UserStreamSource) Type() SourceType { return SourceUserStream }

// Position implements Source.
func (s *UserStreamSource) Position() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Reset implements Source.
func (s *UserStreamSource) Reset(position string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = position
}

// SuggestedInterval implements Source: the discovered descriptor's
// retry timeout when one is cached.
func (s *UserStreamSource) SuggestedInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.descriptor == nil {
		return 0
	}
	return s.descriptor.RetryTimeout
}

// Poll implements Source.
func (s *UserStreamSource) Poll(ctx context.Context) (*Batch, error) {
	if s.longPoll {
		desc, err := s.currentDescriptor(ctx)
		if err != nil {
			// No usable descriptor this cycle. The stream waits the
			// normal interval and rediscovers next time.
			return nil, err
		}
		if desc != nil {
			changed, err := s.waitForChange(ctx, desc)
			if err != nil {
				s.invalidateDescriptor()
				s.logger.Debug("long-poll failed, falling back to listing", "error", err)
			} else if !changed {
				return &Batch{NextPosition: s.Position()}, nil
			}
		}
	}

	return s.fetch(ctx)
}

func (s *UserStreamSource) fetch(ctx context.Context) (*Batch, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(s.limit))
	if pos := s.Position(); pos != "" {
		query.Set("stream_position", pos)
	}

	batch, err := fetchListing(ctx, s.executor, eventsPath, query, SourceUserStream, s.logger)
	if err != nil {
		return nil, err
	}
	if batch.NextPosition != "" {
		s.mu.Lock()
		s.position = batch.NextPosition
		s.mu.Unlock()
	}
	return batch, nil
}

// currentDescriptor returns the cached realtime descriptor, resolving
// a fresh one when none is cached or the cached one is spent. A failed
// discovery request degrades to plain listing (nil descriptor, nil
// error); a successful discovery with nothing usable in it is a
// per-cycle DiscoveryError.
func (s *UserStreamSource) currentDescriptor(ctx context.Context) (*PollDescriptor, error) {
	s.mu.Lock()
	desc := s.descriptor
	uses := s.descUses
	s.mu.Unlock()

	if desc != nil && (desc.MaxRetries == 0 || uses < desc.MaxRetries) {
		return desc, nil
	}

	resp, err := s.executor.Do(ctx, &request.Request{
		Method: "OPTIONS",
		Path:   eventsPath,
	})
	if err != nil {
		s.logger.Debug("realtime server discovery failed, falling back to listing", "error", err)
		return nil, nil
	}
	if resp.StatusCode >= 400 {
		s.logger.Debug("realtime server discovery rejected, falling back to listing", "status", resp.StatusCode)
		return nil, nil
	}

	parsed, err := parseDescriptor(resp.Body)
	if err != nil {
		return nil, &DiscoveryError{Err: err}
	}

	s.mu.Lock()
	s.descriptor = parsed
	s.descUses = 0
	s.mu.Unlock()

	s.logger.Debug("resolved realtime server", "url", parsed.URL, "retry_timeout", parsed.RetryTimeout)
	return parsed, nil
}

func (s *UserStreamSource) invalidateDescriptor() {
	s.mu.Lock()
	s.descriptor = nil
	s.descUses = 0
	s.mu.Unlock()
}

// waitForChange long-polls the realtime server until it reports a
// change, asks for a reconnect, or the poll comes back empty.
func (s *UserStreamSource) waitForChange(ctx context.Context, desc *PollDescriptor) (bool, error) {
	s.mu.Lock()
	s.descUses++
	s.mu.Unlock()

	query := url.Values{}
	if pos := s.Position(); pos != "" {
		query.Set("stream_position", pos)
	}

	resp, err := s.executor.Do(ctx, &request.Request{
		Path:  desc.URL,
		Query: query,
	})
	if err != nil {
		return false, err
	}
	if resp.StatusCode >= 400 {
		return false, fmt.Errorf("realtime server returned %d", resp.StatusCode)
	}

	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return false, fmt.Errorf("decode long-poll response: %w", err)
	}

	switch parsed.Message {
	case messageNewChange:
		return true, nil
	case messageReconnect:
		s.invalidateDescriptor()
		return false, nil
	default:
		return false, nil
	}
}

// fetchListing performs one buffered listing call and parses the
// standard entries/next_stream_position envelope.
func fetchListing(ctx context.Context, exec *request.Executor, path string, query url.Values, source SourceType, log hclog.Logger) (*Batch, error) {
	resp, err := exec.Do(ctx, &request.Request{
		Path:  path,
		Query: query,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("event listing returned %d", resp.StatusCode)
	}

	var parsed struct {
		Entries      []json.RawMessage `json:"entries"`
		NextPosition json.RawMessage   `json:"next_stream_position"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, fmt.Errorf("decode event listing: %w", err)
	}

	next, err := parsePosition(parsed.NextPosition)
	if err != nil {
		return nil, err
	}

	return &Batch{
		Records:      parseEntries(source, parsed.Entries, log),
		NextPosition: next,
	}, nil
}
