package metrics

import "sync"

// Event names tracked by the signaling relay.
const (
	ClientAdmitted  = "client_admitted"
	InvalidRoomID   = "invalid_room_id"
	OversizedFrame  = "oversized_frame"
	MalformedFrame  = "malformed_frame"
	RateLimited     = "rate_limited"
	RelayError      = "relay_error"
	RoomCreated     = "room_created"
	RoomDeleted     = "room_deleted"
	HostReassigned  = "host_reassigned"
	CallConnected   = "call_connected"
	OfferCached     = "offer_cached"
	CandidateCached = "candidate_cached"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It keeps the relay's enforcement and relay logic testable without a real
// metrics backend; counters are exported via the Prometheus text handler.
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
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
