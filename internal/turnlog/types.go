// Package turnlog persists finished conversation turns.
package turnlog

import (
	"context"
	"strings"
	"time"
)

// Record is one persisted turn. Transcript and Response are stored after
// redaction.
type Record struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	TurnID       string    `json:"turn_id"`
	Transcript   string    `json:"transcript"`
	Response     string    `json:"response"`
	Outcome      string    `json:"outcome"`
	Chunks       int       `json:"chunks"`
	Played       int       `json:"played"`
	Skipped      int       `json:"skipped"`
	PIIRedacted  bool      `json:"pii_redacted"`
	FirstTextMS  int64     `json:"first_text_ms"`
	FirstAudioMS int64     `json:"first_audio_ms"`
	TotalMS      int64     `json:"total_ms"`
	StartedAt    time.Time `json:"started_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists and retrieves turn records.
type Store interface {
	Save(ctx context.Context, record Record) error
	// Recent returns up to limit records of a session, oldest first.
	Recent(ctx context.Context, sessionID string, limit int) ([]Record, error)
	Close() error
}

// NewStore opens the postgres store when databaseURL is set and keeps turns
// in memory otherwise.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(0), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
