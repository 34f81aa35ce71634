package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seiler-io/jetgate/internal/token"
)

// Info describes one in-progress gateway session. Records are never mutated
// in place; a re-Add with the same ID replaces the whole record.
type Info struct {
	AssociationID       uuid.UUID            `json:"associationId"`
	ApplicationProtocol string               `json:"applicationProtocol"`
	DestinationHost     string               `json:"destinationHost,omitempty"`
	ConnectionMode      token.ConnectionMode `json:"connectionMode"`
	RecordingPolicy     bool                 `json:"recordingPolicy"`
	FilteringPolicy     bool                 `json:"filteringPolicy"`
	StartTimestamp      time.Time            `json:"startTimestamp"`
}

// NewInfo returns a session record with a fresh ID and the unknown protocol.
func NewInfo() Info {
	return Info{
		AssociationID:       uuid.New(),
		ApplicationProtocol: "unknown",
		ConnectionMode:      token.ModeRendezvous,
		StartTimestamp:      time.Now().UTC(),
	}
}

// InfoFromClaims projects validated session claims into a session record.
// The filtering policy is not carried by tokens yet and defaults to false.
func InfoFromClaims(claims *token.SessionClaims) Info {
	return Info{
		AssociationID:       claims.AssociationID,
		ApplicationProtocol: claims.ApplicationProtocol,
		DestinationHost:     claims.DestinationHost,
		ConnectionMode:      claims.ConnectionMode,
		RecordingPolicy:     claims.RecordingPolicy,
		FilteringPolicy:     false,
		StartTimestamp:      time.Now().UTC(),
	}
}

// Registry is the process-wide map of in-progress sessions, keyed by
// association ID. Connection handlers add and remove; the admin API and the
// subscriber poller read snapshots.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]Info
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uuid.UUID]Info)}
}

// Add inserts a session. A second Add with the same ID overwrites; callers
// guarantee uniqueness via fresh UUIDs or token-supplied IDs.
func (r *Registry) Add(info Info) {
	r.mu.Lock()
	r.sessions[info.AssociationID] = info
	r.mu.Unlock()
}

func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Get returns the session record for id, if present.
func (r *Registry) Get(id uuid.UUID) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.sessions[id]
	return info, ok
}

// Snapshot returns a stable copy of all current sessions.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.sessions))
	for _, info := range r.sessions {
		out = append(out, info)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
