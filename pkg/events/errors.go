package events

import "fmt"

// SourceError reports one source's failed poll cycle. It is delivered
// to subscribers as a non-fatal stream error; the merger keeps running
// and the failing source retries from its previous cursor next cycle.
type SourceError struct {
	Source SourceType
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("event source %s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// DiscoveryError reports that the realtime poll descriptor could not
// be resolved to something usable this cycle. The stream survives: the
// source waits out the normal interval and retries discovery.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("realtime server discovery: %v", e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }
