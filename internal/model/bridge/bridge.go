package bridge

import (
	"encoding/json"
	"time"
)

// Bridge is one registered hardware bridge: a local process that owns a
// serial link to a microcontroller and stays connected to the relay over
// WebSocket.
type Bridge struct {
	ID       string          `json:"bridgeId"`
	Version  string          `json:"version,omitempty"`
	Arduino  json.RawMessage `json:"arduino,omitempty"`
	SeenAt   time.Time       `json:"seenAt"`
	JoinedAt time.Time       `json:"joinedAt"`
}

// Stale reports whether the bridge has been silent longer than threshold.
func (b Bridge) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(b.SeenAt) > threshold
}
