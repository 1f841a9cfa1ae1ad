package session

import "time"

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	// Transport is "socket" (default) or "device".
	Transport string `json:"transport"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	Status          Status    `json:"status"`
	Transport       string    `json:"transport"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
	WebSocketPath   string    `json:"ws_path"`
}
