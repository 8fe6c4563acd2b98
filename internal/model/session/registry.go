package session

import (
	"errors"
	"sync"
	"time"
)

// ErrCredentialRequired rejects session creation with an unusable credential.
// The check is deliberately superficial: credentials are opaque here and are
// only verified by the hosted model they are forwarded to.
var ErrCredentialRequired = errors.New("credential required")

const minCredentialLength = 20

// Registry tracks one session per live user connection, keyed by the
// connection identifier.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Configure creates or replaces the session for connID with the given
// credential. Reconfiguring keeps the accumulated conversation context.
func (r *Registry) Configure(connID, credential string) (*Session, error) {
	if len(credential) < minCredentialLength {
		return nil, ErrCredentialRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[connID]; ok {
		existing.Credential = credential
		return existing, nil
	}

	sess := &Session{
		ID:         connID,
		Credential: credential,
		CreatedAt:  time.Now().UTC(),
	}
	r.sessions[connID] = sess
	return sess, nil
}

// Get returns the session for connID, if configured.
func (r *Registry) Get(connID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[connID]
	return sess, ok
}

// Append records one exchange on the session's conversation context.
func (r *Registry) Append(connID string, turns ...Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[connID]; ok {
		sess.History = append(sess.History, turns...)
	}
}

// History returns a copy of the session's conversation context.
func (r *Registry) History(connID string) []Turn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[connID]
	if !ok {
		return nil
	}
	out := make([]Turn, len(sess.History))
	copy(out, sess.History)
	return out
}

// Remove destroys the session when the owning transport closes.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, connID)
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
