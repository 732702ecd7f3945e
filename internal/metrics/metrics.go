package metrics

import "sync"

// Event counter names.
const (
	ConnectionsAccepted = "connections_accepted"
	ConnectionsRejected = "connections_rejected"
	AuthFailure         = "auth_failure"
	TokensIssued        = "tokens_issued"

	CallsPlaced   = "calls_placed"
	CallsAnswered = "calls_answered"
	CallsDeclined = "calls_declined"
	CallsExpired  = "calls_expired"
	CallsLeft     = "calls_left"

	CandidatesRelayed = "candidates_relayed"
	MalformedMessages = "malformed_messages"

	// Service error counters are suffixed with the error type, e.g.
	// service_error_RECEIVER_NOT_FOUND.
	ServiceErrorPrefix = "service_error_"

	DropReasonRateLimited  = "rate_limited"
	DropReasonMessageLarge = "message_too_large"
	DropReasonSlowConsumer = "slow_consumer"
)

// Gauge names.
const (
	ConnectedClients = "connected_clients"
	ActiveCalls      = "active_calls"
)

// Metrics is a concurrency-safe registry of monotonically increasing event
// counters and point-in-time gauges.
type Metrics struct {
	mu       sync.Mutex
	counters map[string]uint64
	gauges   map[string]int64
}

func New() *Metrics {
	return &Metrics{
		counters: make(map[string]uint64),
		gauges:   make(map[string]int64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.counters[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Set records the current value of a gauge.
func (m *Metrics) Set(name string, v int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.gauges[name] = v
	m.mu.Unlock()
}

func (m *Metrics) Gauge(name string) int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out
}

// GaugeSnapshot returns a copy of every gauge.
func (m *Metrics) GaugeSnapshot() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.gauges))
	for k, v := range m.gauges {
		out[k] = v
	}
	return out
}
