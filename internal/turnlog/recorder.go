package turnlog

import (
	"context"

	"github.com/ent0n29/talkback/internal/pipeline"
	"github.com/ent0n29/talkback/internal/policy"
)

// Recorder adapts a Store to pipeline.TurnRecorder, masking PII in the
// transcript and the response before they are stored.
type Recorder struct {
	store Store
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

func (r *Recorder) RecordTurn(ctx context.Context, s pipeline.TurnSummary) error {
	transcript := policy.Redact(s.Transcript)
	response := policy.Redact(s.Response)
	return r.store.Save(ctx, Record{
		SessionID:    s.SessionID,
		TurnID:       s.TurnID,
		Transcript:   transcript.Text,
		Response:     response.Text,
		Outcome:      string(s.Outcome),
		Chunks:       s.Chunks,
		Played:       s.Played,
		Skipped:      s.Skipped,
		PIIRedacted:  transcript.Changed() || response.Changed(),
		FirstTextMS:  s.FirstText.Milliseconds(),
		FirstAudioMS: s.FirstAudio.Milliseconds(),
		TotalMS:      s.Total.Milliseconds(),
		StartedAt:    s.StartedAt,
	})
}
