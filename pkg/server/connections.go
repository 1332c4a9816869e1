package server

import (
	"sync"
	"time"

	"github.com/conduit-rpc/conduit-go/pkg/protocol"
)

// ConnState is the lifecycle state of one tracked connection. A connection
// is pending from transport-level connect until the handshake completes;
// client identity and capabilities exist only in the negotiated state.
type ConnState string

const (
	StatePending    ConnState = "pending"
	StateNegotiated ConnState = "negotiated"
)

// ConnectionInfo is the bookkeeping record for one connection.
type ConnectionInfo struct {
	ID            string
	State         ConnState
	TransportKind string
	ConnectedAt   time.Time

	// Set only once State is StateNegotiated.
	NegotiatedAt       time.Time
	ClientInfo         protocol.Info
	ClientCapabilities protocol.CapabilitySet
	ProtocolVersion    string
}

// ConnectionStats aggregates connection activity since server start.
type ConnectionStats struct {
	Total              int64
	Active             int
	Peak               int
	AvgSessionDuration time.Duration
}

type connectionRegistry struct {
	mu    sync.RWMutex
	conns map[string]*ConnectionInfo

	total    int64
	peak     int
	sessions int64
	totalDur time.Duration
}

func newConnectionRegistry() *connectionRegistry {
	return &connectionRegistry{conns: make(map[string]*ConnectionInfo)}
}

func (r *connectionRegistry) add(id, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[id]; exists {
		return
	}
	r.conns[id] = &ConnectionInfo{
		ID:            id,
		State:         StatePending,
		TransportKind: kind,
		ConnectedAt:   time.Now(),
	}
	r.total++
	if len(r.conns) > r.peak {
		r.peak = len(r.conns)
	}
}

// negotiate promotes a pending connection after a successful handshake.
// Re-negotiation overwrites the previous identity.
func (r *connectionRegistry) negotiate(id string, params *protocol.InitializeParams) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.conns[id]
	if !ok {
		return
	}
	info.State = StateNegotiated
	info.NegotiatedAt = time.Now()
	info.ClientInfo = params.ClientInfo
	info.ClientCapabilities = params.Capabilities
	info.ProtocolVersion = params.ProtocolVersion
}

func (r *connectionRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.conns[id]
	if !ok {
		return
	}
	delete(r.conns, id)
	r.sessions++
	r.totalDur += time.Since(info.ConnectedAt)
}

func (r *connectionRegistry) negotiated(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.conns[id]
	return ok && info.State == StateNegotiated
}

// get returns a copy; callers never see live registry state.
func (r *connectionRegistry) get(id string) (ConnectionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.conns[id]
	if !ok {
		return ConnectionInfo{}, false
	}
	return *info, true
}

func (r *connectionRegistry) list() []ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnectionInfo, 0, len(r.conns))
	for _, info := range r.conns {
		out = append(out, *info)
	}
	return out
}

func (r *connectionRegistry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}

func (r *connectionRegistry) stats() ConnectionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := ConnectionStats{
		Total:  r.total,
		Active: len(r.conns),
		Peak:   r.peak,
	}
	if r.sessions > 0 {
		stats.AvgSessionDuration = r.totalDur / time.Duration(r.sessions)
	}
	return stats
}
