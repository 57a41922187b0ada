package rebuild

import (
	"sync"

	"github.com/nexusrebuild/rebuild/internal/rebuildtypes"
)

// Registry is a process-wide mapping from destination URI to the live Job
// plus a bounded history of terminated jobs for that destination, per
// spec.md section 4.7. Entries are inserted at job construction (so
// AlreadyExists is a synchronous construction-time error, per section 7's
// propagation policy) and the live half is cleared on terminal transition.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	live    *Job
	history *rebuildtypes.History
}

// NewRegistry constructs an empty Registry. Most callers want
// DefaultRegistry; NewRegistry exists for tests that need isolation from the
// process-wide singleton.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

var (
	defaultRegistry   *Registry
	defaultRegistryMu sync.RWMutex
)

// DefaultRegistry returns the process-wide Registry, constructing it lazily
// on first use, matching the teacher's logging.Default() double-checked-lock
// singleton.
func DefaultRegistry() *Registry {
	defaultRegistryMu.RLock()
	if defaultRegistry != nil {
		defer defaultRegistryMu.RUnlock()
		return defaultRegistry
	}
	defaultRegistryMu.RUnlock()

	defaultRegistryMu.Lock()
	defer defaultRegistryMu.Unlock()
	if defaultRegistry == nil {
		defaultRegistry = NewRegistry()
	}
	return defaultRegistry
}

// register inserts j under its destination URI. Returns AlreadyExists if a
// job is already live for that destination. historyDepth sizes the ring the
// first time a destination is seen; later jobs for the same destination
// reuse the existing ring without resizing it.
func (r *Registry) register(j *Job, historyDepth int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[j.dstURI]
	if !ok {
		e = &registryEntry{history: rebuildtypes.NewHistory(historyDepth)}
		r.entries[j.dstURI] = e
	}
	if e.live != nil {
		return &Error{Op: "new", JobID: j.id, DstURI: j.dstURI, Code: CodeAlreadyExists, Msg: "a rebuild is already active for this destination"}
	}
	e.live = j
	return nil
}

// complete clears the live job for dstURI and appends rec to its history.
// A no-op if dstURI was never registered, which should not happen in
// practice since a Job only calls this on itself after a successful New.
func (r *Registry) complete(dstURI string, rec HistoryRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[dstURI]
	if !ok {
		return
	}
	e.live = nil
	e.history.Append(rec)
}

// Lookup returns the live job registered for dstURI, if any.
func (r *Registry) Lookup(dstURI string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[dstURI]
	if !ok || e.live == nil {
		return nil, false
	}
	return e.live, true
}

// History returns the retained HistoryRecords for dstURI, most recent last.
func (r *Registry) History(dstURI string) []HistoryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[dstURI]
	if !ok {
		return nil
	}
	return e.history.Records()
}

// LiveJobs returns a snapshot of every currently-active job across all
// destinations.
func (r *Registry) LiveJobs() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Job, 0, len(r.entries))
	for _, e := range r.entries {
		if e.live != nil {
			out = append(out, e.live)
		}
	}
	return out
}

// AllHistory returns every retained HistoryRecord across all destinations.
// Used by the Prometheus collector to report on jobs that have already
// terminated.
func (r *Registry) AllHistory() []HistoryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []HistoryRecord
	for _, e := range r.entries {
		out = append(out, e.history.Records()...)
	}
	return out
}
