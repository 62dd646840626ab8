package domain

import "time"

// Message is a single chat submission after the server has accepted it.
// CreatedAt is always assigned by the server on receipt; a client-supplied
// timestamp is never trusted.
type Message struct {
	// Identity is the stable per-client token (sender_id on the wire).
	Identity string
	// DisplayName is the human readable name (username on the wire). It is
	// not unique and may change between reconnects of the same Identity.
	DisplayName string
	// Body is the message text exactly as submitted. It is never empty after
	// trimming whitespace.
	Body string
	// CreatedAt is the server receipt time.
	CreatedAt time.Time
}

// PresenceEntry records the last activity of an identity.
type PresenceEntry struct {
	Identity    string    `json:"sender_id"`
	DisplayName string    `json:"username"`
	LastSeen    time.Time `json:"last_seen"`
}
