package session

import "time"

// Turn is one prior exchange in a session's conversation context. The relay
// treats the content as opaque text.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is the per-connection user state. The credential lives only in
// process memory: it is excluded from JSON and must never be logged.
type Session struct {
	ID         string    `json:"id"`
	Credential string    `json:"-"`
	History    []Turn    `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}
