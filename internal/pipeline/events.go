package pipeline

// EventType names a session notification.
type EventType string

const (
	EventTranscriptPartial EventType = "stt_partial"
	EventTranscriptFinal   EventType = "stt_final"
	EventTurnStarted       EventType = "turn_started"
	EventTextDelta         EventType = "assistant_text_delta"
	EventTurnEnded         EventType = "turn_ended"
	EventTurnBusy          EventType = "turn_busy"
	EventError             EventType = "error_event"
)

// Event is a progress notification for the client bound to a session.
type Event struct {
	Type      EventType
	SessionID string
	TurnID    string
	Text      string
	// Reason holds the turn outcome, the busy action or the error kind.
	Reason string
	Detail string
}

// Notifier receives session events. Notify is called from several
// goroutines and must not block for long.
type Notifier interface {
	Notify(Event)
}

// NotifyFunc adapts a function to Notifier.
type NotifyFunc func(Event)

func (f NotifyFunc) Notify(e Event) { f(e) }

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}
