package bridge

import (
	"sync"
	"time"
)

// Registry tracks live bridges keyed by their stable identifier. A second
// registration under the same id replaces the earlier entry, so at most one
// live entry exists per identity.
type Registry struct {
	mu      sync.RWMutex
	bridges map[string]Bridge

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bridges:   make(map[string]Bridge),
		sweepStop: make(chan struct{}),
	}
}

// Register inserts or replaces the entry for b.ID and returns true when an
// earlier entry was replaced.
func (r *Registry) Register(b Bridge) bool {
	now := time.Now().UTC()
	b.SeenAt = now
	if b.JoinedAt.IsZero() {
		b.JoinedAt = now
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced := r.bridges[b.ID]
	r.bridges[b.ID] = b
	return replaced
}

// Touch refreshes the liveness timestamp. Any traffic from a bridge counts
// as a heartbeat.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bridges[id]; ok {
		b.SeenAt = time.Now().UTC()
		r.bridges[id] = b
	}
}

// Get looks up a bridge by id.
func (r *Registry) Get(id string) (Bridge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bridges[id]
	return b, ok
}

// List returns a snapshot of all registered bridges.
func (r *Registry) List() []Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		out = append(out, b)
	}
	return out
}

// Remove deletes a bridge and returns true when it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bridges[id]
	delete(r.bridges, id)
	return ok
}

// Count returns the number of registered bridges.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bridges)
}

// SweepStale removes every entry whose liveness timestamp is older than
// threshold and returns the removed bridges.
func (r *Registry) SweepStale(threshold time.Duration) []Bridge {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []Bridge
	for id, b := range r.bridges {
		if b.Stale(now, threshold) {
			removed = append(removed, b)
			delete(r.bridges, id)
		}
	}
	return removed
}

// StartSweeper runs the staleness sweep on its own ticker, decoupled from
// message traffic. onRemoved is invoked once per swept bridge.
func (r *Registry) StartSweeper(interval, threshold time.Duration, onRemoved func(Bridge)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.sweepStop:
				return
			case <-ticker.C:
				for _, b := range r.SweepStale(threshold) {
					if onRemoved != nil {
						onRemoved(b)
					}
				}
			}
		}
	}()
}

// StopSweeper terminates the sweep goroutine. Safe to call more than once.
func (r *Registry) StopSweeper() {
	r.sweepOnce.Do(func() { close(r.sweepStop) })
}
