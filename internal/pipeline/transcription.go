package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ent0n29/talkback/internal/audio"
	"github.com/ent0n29/talkback/internal/observability"
	"github.com/ent0n29/talkback/internal/reliability"
	"github.com/ent0n29/talkback/internal/stt"
)

var (
	// errSourceDrained means the frame queue closed and the backend flushed
	// its last transcripts.
	errSourceDrained = errors.New("audio source drained")
	errStreamClosed  = errors.New("transcription stream closed unexpectedly")
)

type TranscriptionConfig struct {
	Provider    stt.Provider
	Format      audio.Format
	DialTimeout time.Duration
	// Reconnects is the number of consecutive reconnect attempts made after
	// a lost or failed connection before the session is terminated.
	Reconnects  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Metrics     *observability.Metrics
}

// TranscriptionBridge forwards queued frames to a live transcription
// connection and relays decoded transcripts.
type TranscriptionBridge struct {
	cfg       TranscriptionConfig
	sessionID string
}

func NewTranscriptionBridge(sessionID string, cfg TranscriptionConfig) *TranscriptionBridge {
	if cfg.Format.SampleRate <= 0 {
		cfg.Format = audio.DefaultFormat
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 4 * time.Second
	}
	if cfg.Reconnects < 0 {
		cfg.Reconnects = 0
	}
	return &TranscriptionBridge{cfg: cfg, sessionID: sessionID}
}

// Run relays until the queue is closed and drained, ctx is done, or the
// connection cannot be re-established. out is closed on return.
func (b *TranscriptionBridge) Run(ctx context.Context, q *audio.FrameQueue, out chan<- TranscriptEvent) error {
	defer close(out)
	log := logger().With("session_id", b.sessionID, "provider", b.cfg.Provider.Name())

	var (
		carry    *audio.Frame
		failures int
	)
	for {
		stream, err := b.dial(ctx)
		if err == nil {
			var relayed bool
			carry, relayed, err = b.pump(ctx, stream, q, out, carry)
			_ = stream.Close()
			if errors.Is(err, errSourceDrained) {
				return nil
			}
			// A connection that is accepted and then drops before carrying
			// anything counts as a failed attempt.
			if relayed {
				failures = 0
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if stt.IsPermanent(err) || failures >= b.cfg.Reconnects {
			log.Error("transcription unavailable, ending session", "error", err, "attempts", failures)
			b.cfg.Metrics.ObserveProviderError(b.cfg.Provider.Name(), "connection")
			return newError(KindTranscription, "relay", err)
		}

		wait := reliability.ExponentialBackoff(failures, b.cfg.BackoffBase, b.cfg.BackoffCap)
		failures++
		b.cfg.Metrics.ObserveReconnect()
		log.Warn("transcription connection lost, reconnecting", "error", err, "attempt", failures, "backoff", wait)
		if err := reliability.Sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

func (b *TranscriptionBridge) dial(ctx context.Context) (stt.Stream, error) {
	ctx, span := tracer.Start(ctx, "transcription connect")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", b.sessionID))

	dialCtx := ctx
	if b.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, b.cfg.DialTimeout)
		defer cancel()
	}
	stream, err := b.cfg.Provider.Start(dialCtx, b.cfg.Format)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return stream, nil
}

type forwardResult struct {
	leftover *audio.Frame
	err      error
}

// pump runs one connection. It returns errSourceDrained after a clean end of
// input, or the connection error together with the frame that could not be
// sent, so the next connection starts with it. relayed reports whether the
// connection forwarded a frame or delivered a message.
func (b *TranscriptionBridge) pump(
	ctx context.Context,
	stream stt.Stream,
	q *audio.FrameQueue,
	out chan<- TranscriptEvent,
	carry *audio.Frame,
) (leftover *audio.Frame, relayed bool, err error) {
	fwdCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sent atomic.Bool
	forwarded := make(chan forwardResult, 1)
	go func() {
		unsent, fwdErr := b.forward(fwdCtx, stream, q, carry, &sent)
		if fwdErr != nil && !errors.Is(fwdErr, errSourceDrained) && fwdCtx.Err() == nil {
			// Unblock the reader below; a failed send means the connection is gone.
			_ = stream.Close()
		}
		forwarded <- forwardResult{leftover: unsent, err: fwdErr}
	}()

	received := false
	for ev := range stream.Events() {
		received = true
		if ev.Err != nil {
			decodeErr := newError(KindProtocolDecode, "decode transcript", ev.Err)
			logger().Warn("dropping malformed transcription message", "session_id", b.sessionID, "error", decodeErr)
			b.cfg.Metrics.ObserveProviderError(b.cfg.Provider.Name(), string(KindProtocolDecode))
			continue
		}
		select {
		case out <- TranscriptEvent{Text: ev.Text, IsFinal: ev.IsFinal}:
		case <-ctx.Done():
			cancel()
			<-forwarded
			return nil, true, ctx.Err()
		}
	}

	cancel()
	res := <-forwarded
	relayed = received || sent.Load()
	if errors.Is(res.err, errSourceDrained) {
		return nil, relayed, errSourceDrained
	}
	if err := stream.Err(); err != nil {
		return res.leftover, relayed, err
	}
	if res.err != nil && !errors.Is(res.err, context.Canceled) {
		return res.leftover, relayed, res.err
	}
	return res.leftover, relayed, errStreamClosed
}

// forward sends frames in queue order. On a send failure it returns the
// unsent frame.
func (b *TranscriptionBridge) forward(ctx context.Context, stream stt.Stream, q *audio.FrameQueue, carry *audio.Frame, sent *atomic.Bool) (*audio.Frame, error) {
	if carry != nil {
		if err := stream.SendAudio(ctx, carry.PCM); err != nil {
			return carry, err
		}
		sent.Store(true)
	}
	for {
		frame, err := q.Pop(ctx)
		if errors.Is(err, audio.ErrQueueClosed) {
			if err := stream.Finish(ctx); err != nil {
				return nil, err
			}
			return nil, errSourceDrained
		}
		if err != nil {
			return nil, err
		}
		if err := stream.SendAudio(ctx, frame.PCM); err != nil {
			return &frame, err
		}
		sent.Store(true)
	}
}
