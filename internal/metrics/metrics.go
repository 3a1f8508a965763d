package metrics

import "sync"

// Counter names used across the engine. Names are intentionally simple; a
// follow-up metrics task can standardize and export these via Prometheus/OTel.
const (
	SignalsSent     = "signals_sent"
	SignalsReceived = "signals_received"
	SignalsDropped  = "signals_dropped"

	TransportReconnects = "transport_reconnects"

	CandidatesQueuedLocal   = "candidates_queued_local"
	CandidatesQueuedRemote  = "candidates_queued_remote"
	CandidatesFlushedLocal  = "candidates_flushed_local"
	CandidatesAppliedRemote = "candidates_applied_remote"
	CandidatesDropped       = "candidates_dropped"

	CallsStarted  = "calls_started"
	CallsAnswered = "calls_answered"
	CallsDeclined = "calls_declined"
	CallsEnded    = "calls_ended"
	CallsFailed   = "calls_failed"

	IceRestarts = "ice_restarts"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The engine is expected to plug into whatever metrics backend the host
// application uses; this type exists to keep queue/flush logic testable and
// to provide drop counters for diagnostics.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
