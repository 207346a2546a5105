package model

import "time"

// AuditEntry is one row of the append-only audit log (spec.md §3). It is
// drained periodically into the external directory; unflushed entries
// are replayed to late-joining clients on connect.
type AuditEntry struct {
	ID        int64          `json:"id"`
	EventType string         `json:"eventType"`
	Summary   string         `json:"summary"`
	Actor     string         `json:"actor,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Flushed   bool           `json:"flushed"`
}

// ConnectedUser is one row of the connected-users set: present iff at
// least one client connection for that user id is open.
type ConnectedUser struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}
