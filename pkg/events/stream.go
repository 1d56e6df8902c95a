package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/cratehq/crate-go/pkg/request"
)

// Stream is the public event stream consumer: one or more sources
// behind a Merger, with start/pause/stop and subscription channels.
type Stream struct {
	executor *request.Executor
	merger   *Merger
	sources  []Source
	logger   hclog.Logger

	mu      sync.Mutex
	started bool
	runErr  error
	runDone chan struct{}
}

// StreamConfig holds configuration for a Stream.
type StreamConfig struct {
	// Executor performs all API calls. Required.
	Executor *request.Executor

	// Sources in priority order. When empty, a single UserStreamSource
	// is created.
	Sources []Source

	// StartPosition is the initial cursor for sources constructed
	// without one. Empty resolves the server's current position at
	// Start.
	StartPosition string

	// PollInterval, WindowSize and EventBuffer are passed through to
	// the merger; zero values use its defaults.
	PollInterval time.Duration
	WindowSize   int
	EventBuffer  int

	// Logger (optional).
	Logger hclog.Logger
}

// NewStream creates an event stream consumer.
func NewStream(cfg StreamConfig) (*Stream, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	sources := cfg.Sources
	if len(sources) == 0 {
		src, err := NewUserStreamSource(UserStreamConfig{
			Executor:      cfg.Executor,
			StartPosition: cfg.StartPosition,
			Logger:        cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		sources = []Source{src}
	} else if cfg.StartPosition != "" {
		for _, src := range sources {
			if src.Position() == "" {
				src.Reset(cfg.StartPosition)
			}
		}
	}

	merger, err := NewMerger(MergerConfig{
		Sources:      sources,
		PollInterval: cfg.PollInterval,
		WindowSize:   cfg.WindowSize,
		EventBuffer:  cfg.EventBuffer,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Stream{
		executor: cfg.Executor,
		merger:   merger,
		sources:  sources,
		logger:   cfg.Logger.Named("event-stream"),
		runDone:  make(chan struct{}),
	}, nil
}

// Start resolves missing cursors and launches the polling loop. When a
// source has no explicit position, the server's current position is
// resolved with exactly one buffered request before the first poll;
// resumability from a past position is cursor-driven and requires the
// caller to supply that position explicitly.
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("stream already started")
	}
	s.started = true
	s.mu.Unlock()

	needsPosition := false
	for _, src := range s.sources {
		if src.Position() == "" {
			needsPosition = true
			break
		}
	}
	if needsPosition {
		position, err := s.CurrentPosition(ctx)
		if err != nil {
			return fmt.Errorf("resolve current stream position: %w", err)
		}
		for _, src := range s.sources {
			if src.Position() == "" {
				src.Reset(position)
			}
		}
		s.logger.Debug("starting from current stream position", "position", position)
	}

	go func() {
		defer close(s.runDone)
		err := s.merger.Run(ctx)
		if err != nil && err != context.Canceled {
			s.mu.Lock()
			s.runErr = err
			s.mu.Unlock()
			s.logger.Error("stream loop exited", "error", err)
		}
	}()

	return nil
}

// Events is the merged, ordered record stream. Closed when the stream
// stops.
func (s *Stream) Events() <-chan *Record { return s.merger.Events() }

// Errors delivers non-fatal stream errors; the stream keeps running
// until Stop.
func (s *Stream) Errors() <-chan error { return s.merger.Errors() }

// State returns the underlying merger state.
func (s *Stream) State() State { return s.merger.State() }

// Pause suspends polling without discarding cursors.
func (s *Stream) Pause() { s.merger.Pause() }

// Resume lifts a pause.
func (s *Stream) Resume() { s.merger.Resume() }

// Stop terminates the stream. Idempotent; after it returns no further
// network calls are made and no further records are emitted.
func (s *Stream) Stop() {
	s.merger.Stop()
}

// Position returns the primary (highest-priority) source's cursor.
// Persist it and pass it back as StartPosition to resume a stream
// without re-emitting already delivered records.
func (s *Stream) Position() string {
	return s.sources[0].Position()
}

// Err reports a fatal loop error after the stream has stopped, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// CurrentPosition asks the server for its latest stream position
// marker: one buffered request, retried like any other.
func (s *Stream) CurrentPosition(ctx context.Context) (string, error) {
	query := url.Values{}
	query.Set("stream_position", "now")

	resp, err := s.executor.Do(ctx, &request.Request{
		Path:  eventsPath,
		Query: query,
	})
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("current position request returned %d", resp.StatusCode)
	}

	var parsed struct {
		NextPosition json.RawMessage `json:"next_stream_position"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return "", fmt.Errorf("decode current position: %w", err)
	}

	position, err := parsePosition(parsed.NextPosition)
	if err != nil {
		return "", err
	}
	if position == "" {
		return "", fmt.Errorf("server returned no stream position")
	}
	return position, nil
}
