package relay

import (
	"errors"
	"log"
	"sync"

	"github.com/sarpel/privrelay/internal/metrics"
)

// MaxSessions is the global cap on concurrent live sessions.
const MaxSessions = 10000

// ErrAtCapacity is returned by Connect when the registry is full and
// userID has no existing session to displace.
var ErrAtCapacity = errors.New("registry at capacity")

// Socket is the minimal surface a live connection needs to expose to the
// registry. *Session satisfies this by enqueueing onto its write pump
// rather than writing to the wire directly - see session.go.
type Socket interface {
	Send(frame interface{}) bool
	Close() error
}

// Registry is a process-local map from user identifier to the live socket
// for that user. At most one socket per user exists at any instant.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]Socket
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Socket)}
}

// Connect installs socket as the live session for userID. If a prior session
// exists for userID it is displaced (closed) regardless of capacity, since
// displacement replaces rather than grows the map. A brand new user is
// rejected with ErrAtCapacity once the map is full.
func (r *Registry) Connect(userID string, socket Socket) error {
	r.mu.Lock()
	prior, existed := r.sessions[userID]
	if !existed && len(r.sessions) >= MaxSessions {
		r.mu.Unlock()
		return ErrAtCapacity
	}
	r.sessions[userID] = socket
	r.mu.Unlock()

	if existed {
		_ = prior.Close()
		log.Printf("relay: displaced session for user %s", redactUser(userID))
	} else {
		metrics.ConnectedSessions.Inc()
	}
	return nil
}

// Disconnect removes userID's session, but only if socket is still the
// current one for that user - a displaced session's own cleanup must not
// evict the session that replaced it. Idempotent.
func (r *Registry) Disconnect(userID string, socket Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[userID]; ok && current == socket {
		delete(r.sessions, userID)
		metrics.ConnectedSessions.Dec()
	}
}

// Send hands frame to userID's live socket if one exists. The lock is
// released before the handoff so a slow or blocked recipient never
// serializes fan-out to other users; the socket itself only ever enqueues,
// it never writes to the wire here.
func (r *Registry) Send(userID string, frame interface{}) bool {
	r.mu.Lock()
	socket, ok := r.sessions[userID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return socket.Send(frame)
}

// Len reports the current number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func redactUser(userID string) string {
	if len(userID) <= 8 {
		return userID
	}
	return userID[:8] + "..."
}
