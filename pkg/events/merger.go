package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultWindowSize   = 512
	defaultEventBuffer  = 256
	defaultErrorBuffer  = 16
)

// State is the merger's lifecycle state.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateMerging
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateMerging:
		return "merging"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Merger owns the polling loop: each cycle it fans Poll out across all
// registered sources, k-way merges the returned batches by CreatedAt
// (ties broken by registration order, then intra-batch order), drops
// records already in the bounded recent-id window, and emits survivors
// in merged order. All merge state is mutated only on the Run
// goroutine.
type Merger struct {
	sources      []Source
	windows      map[SourceType]*recentWindow
	pollInterval time.Duration
	logger       hclog.Logger

	events chan *Record
	errors chan error

	mu       sync.Mutex
	state    State
	paused   bool
	resumeCh chan struct{}
	started  bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// MergerConfig holds configuration for a Merger.
type MergerConfig struct {
	// Sources in priority order: earlier sources win CreatedAt ties.
	// At least one is required.
	Sources []Source

	// PollInterval overrides the inter-poll sleep. Zero derives it
	// from the sources' suggested intervals, falling back to 2s.
	PollInterval time.Duration

	// WindowSize is the per-source recent-id capacity absorbing
	// at-least-once redelivery at poll boundaries (default 512).
	WindowSize int

	// EventBuffer is the subscription channel capacity (default 256).
	EventBuffer int

	// Logger (optional).
	Logger hclog.Logger
}

// NewMerger creates a merger over the given sources.
func NewMerger(cfg MergerConfig) (*Merger, error) {
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("at least one source is required")
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = defaultWindowSize
	}
	if cfg.EventBuffer == 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	windows := make(map[SourceType]*recentWindow, len(cfg.Sources))
	for _, src := range cfg.Sources {
		if _, dup := windows[src.Type()]; dup {
			return nil, fmt.Errorf("duplicate source type %q", src.Type())
		}
		windows[src.Type()] = newRecentWindow(cfg.WindowSize)
	}

	return &Merger{
		sources:      cfg.Sources,
		windows:      windows,
		pollInterval: cfg.PollInterval,
		logger:       cfg.Logger.Named("stream-merger"),
		events:       make(chan *Record, cfg.EventBuffer),
		errors:       make(chan error, defaultErrorBuffer),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}, nil
}

// Events is the merged, ordered, de-duplicated record stream. Closed
// when the merger stops.
func (m *Merger) Events() <-chan *Record { return m.events }

// Errors delivers non-fatal per-cycle errors (SourceError,
// DiscoveryError). The stream keeps running after every one of them.
func (m *Merger) Errors() <-chan error { return m.errors }

// State returns the current lifecycle state.
func (m *Merger) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Pause suspends the polling loop after the current cycle finishes.
// Cursors and the recent-id window are kept; a paused merger issues no
// network calls.
func (m *Merger) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused || m.state == StateStopped {
		return
	}
	m.paused = true
	m.resumeCh = make(chan struct{})
}

// Resume lifts a pause.
func (m *Merger) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.paused {
		return
	}
	m.paused = false
	close(m.resumeCh)
}

// Stop terminates the loop. Idempotent and safe from any state. After
// Stop returns no further network call is issued and no further record
// is emitted; an in-flight poll is allowed to complete but its result
// is discarded.
func (m *Merger) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})

	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.doneCh
	}

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()
}

// Run drives the IDLE → POLLING → MERGING loop until Stop or context
// cancellation. Call it on its own goroutine; the Stream facade does.
func (m *Merger) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("merger already running")
	}
	m.started = true
	m.mu.Unlock()

	defer close(m.doneCh)
	defer close(m.events)
	defer func() {
		m.mu.Lock()
		m.state = StateStopped
		m.mu.Unlock()
	}()

	m.logger.Debug("stream merger starting", "sources", len(m.sources))

	// Repeated whole-cycle failures back off exponentially instead of
	// hammering a struggling server; one good cycle resets it.
	cycleBackoff := backoff.NewExponentialBackOff()
	cycleBackoff.MaxElapsedTime = 0

	for {
		if m.stopping(ctx) {
			return nil
		}

		if ch := m.pauseGate(); ch != nil {
			m.setState(StatePaused)
			select {
			case <-ch:
			case <-m.stopCh:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		m.setState(StatePolling)
		batches, cycleErr := m.pollAll(ctx)

		if m.stopping(ctx) {
			// Results from in-flight polls are discarded once stopped.
			return nil
		}

		m.setState(StateMerging)
		merged := m.merge(batches)
		for _, rec := range merged {
			select {
			case m.events <- rec:
			case <-m.stopCh:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		m.setState(StateIdle)

		wait := m.interval()
		if cycleErr != nil {
			wait = cycleBackoff.NextBackOff()
			m.logger.Warn("poll cycle failed entirely, backing off", "wait", wait, "error", cycleErr)
		} else {
			cycleBackoff.Reset()
		}

		select {
		case <-time.After(wait):
		case <-m.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Merger) stopping(ctx context.Context) bool {
	select {
	case <-m.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (m *Merger) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Merger) pauseGate() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return m.resumeCh
	}
	return nil
}

// pollAll fans Poll out across every source. Per-source failures are
// reported as non-fatal stream errors and leave that source's cursor
// untouched; the cycle error is non-nil only when every source failed.
func (m *Merger) pollAll(ctx context.Context) ([]*Batch, error) {
	batches := make([]*Batch, len(m.sources))
	errs := make([]error, len(m.sources))

	var wg sync.WaitGroup
	for i, src := range m.sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			batch, err := src.Poll(ctx)
			if err != nil {
				errs[i] = err
				return
			}
			batches[i] = batch
		}(i, src)
	}
	wg.Wait()

	var cycleErr *multierror.Error
	failures := 0
	for i, err := range errs {
		if err == nil {
			continue
		}
		failures++
		srcErr := err
		if _, isDiscovery := err.(*DiscoveryError); !isDiscovery {
			srcErr = &SourceError{Source: m.sources[i].Type(), Err: err}
		}
		cycleErr = multierror.Append(cycleErr, srcErr)
		m.reportError(srcErr)
	}

	if failures == len(m.sources) {
		return batches, cycleErr.ErrorOrNil()
	}
	return batches, nil
}

// merge performs the k-way merge for one cycle. Batches arrive ordered
// per source; a stable sort on (CreatedAt, source priority) therefore
// yields non-decreasing CreatedAt with the configured tie-break and
// preserved intra-batch order. Records already in the recent-id window
// are at-least-once redelivery, dropped silently.
func (m *Merger) merge(batches []*Batch) []*Record {
	type item struct {
		rec      *Record
		priority int
	}

	var items []item
	for priority, batch := range batches {
		if batch == nil {
			continue
		}
		for _, rec := range batch.Records {
			items = append(items, item{rec: rec, priority: priority})
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].rec.CreatedAt.Equal(items[j].rec.CreatedAt) {
			return items[i].rec.CreatedAt.Before(items[j].rec.CreatedAt)
		}
		return items[i].priority < items[j].priority
	})

	merged := make([]*Record, 0, len(items))
	for _, it := range items {
		window := m.windows[it.rec.Source]
		if window.Seen(it.rec.Key()) {
			continue
		}
		window.Add(it.rec.Key())
		merged = append(merged, it.rec)
	}
	return merged
}

func (m *Merger) interval() time.Duration {
	if m.pollInterval > 0 {
		return m.pollInterval
	}
	best := time.Duration(0)
	for _, src := range m.sources {
		if suggested := src.SuggestedInterval(); suggested > 0 && (best == 0 || suggested < best) {
			best = suggested
		}
	}
	if best > 0 {
		return best
	}
	return defaultPollInterval
}

// reportError delivers a non-fatal error to subscribers without ever
// blocking the loop; with no listener the error is logged and dropped.
func (m *Merger) reportError(err error) {
	select {
	case m.errors <- err:
	default:
		m.logger.Warn("dropping stream error, no subscriber draining", "error", err)
	}
}

// recentWindow is a bounded FIFO set of recently emitted record keys.
type recentWindow struct {
	capacity int
	seen     map[Key]struct{}
	order    []Key
}

func newRecentWindow(capacity int) *recentWindow {
	return &recentWindow{
		capacity: capacity,
		seen:     make(map[Key]struct{}, capacity),
	}
}

func (w *recentWindow) Seen(k Key) bool {
	_, ok := w.seen[k]
	return ok
}

func (w *recentWindow) Add(k Key) {
	if w.Seen(k) {
		return
	}
	for len(w.order) >= w.capacity {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, oldest)
	}
	w.seen[k] = struct{}{}
	w.order = append(w.order, k)
}
