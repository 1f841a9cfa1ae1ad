package pipeline

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/talkback/internal/audio"
)

// Controller runs the three tasks of one session (ingestion, transcription
// relay, response orchestration) and tears them down together.
type Controller struct {
	sessionID string
	source    AudioSource
	queue     *audio.FrameQueue
	bridge    *TranscriptionBridge
	responder *Responder
	notify    Notifier

	// OnClose is called once with the session's terminal error, nil for a
	// clean end.
	OnClose func(err error)
}

func (c *Controller) SessionID() string { return c.sessionID }

// FramesDropped reports how many captured frames the ingestion queue
// discarded to stay within its bound.
func (c *Controller) FramesDropped() uint64 { return c.queue.Dropped() }

// Responder exposes the session's orchestrator.
func (c *Controller) Responder() *Responder { return c.responder }

// Run blocks until the session ends. A normal transport disconnect or a
// cancelled ctx returns nil; ingestion and transcription failures are
// returned as *Error.
func (c *Controller) Run(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "session")
	defer span.End()

	defer func() {
		if err != nil {
			span.RecordError(err)
			c.notify.Notify(Event{
				Type:      EventError,
				SessionID: c.sessionID,
				Reason:    string(kindOf(err)),
				Detail:    err.Error(),
			})
		}
		if c.OnClose != nil {
			c.OnClose(err)
		}
	}()

	events := make(chan TranscriptEvent, 16)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer c.queue.Close()
		err := c.source.Run(gctx, c.queue)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrDisconnected):
			// Nothing can be played to a gone client; stop everything.
			return ErrDisconnected
		case gctx.Err() != nil:
			return nil
		default:
			return newError(KindIngestion, "capture", err)
		}
	})
	g.Go(func() error {
		return c.bridge.Run(gctx, c.queue, events)
	})
	g.Go(func() error {
		return c.responder.Run(gctx, events)
	})

	err = g.Wait()
	if errors.Is(err, ErrDisconnected) {
		err = nil
	}
	dropped := c.queue.Dropped()
	if err != nil {
		logger().Warn("session ended with failure", "session_id", c.sessionID, "frames_dropped", dropped, "error", err)
	} else {
		logger().Info("session ended", "session_id", c.sessionID, "frames_dropped", dropped)
	}
	return err
}

func kindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
