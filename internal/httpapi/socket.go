package httpapi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/talkback/internal/audio"
	"github.com/ent0n29/talkback/internal/observability"
	"github.com/ent0n29/talkback/internal/pipeline"
	"github.com/ent0n29/talkback/internal/protocol"
)

const (
	socketIdleTimeout  = 120 * time.Second
	socketWriteTimeout = 10 * time.Second
	socketReadLimit    = 1 << 20
	outboundDepth      = 256
)

// eventSessionStarted is a transport-only notification sent once on connect.
const eventSessionStarted pipeline.EventType = "session_started"

var errSocketWriteFailed = errors.New("socket write failed")

type outMsg struct {
	msgType protocol.MessageType
	payload any
	// audio, when set, is written as one binary frame right after payload.
	audio []byte
}

// socketConn binds one websocket to a session. It is the session's
// AudioSource (binary frames in), PlaybackSink (binary frames out) and
// Notifier (JSON text frames out). A single writer goroutine owns all
// writes.
type socketConn struct {
	conn      *websocket.Conn
	sessionID string
	format    audio.Format
	metrics   *observability.Metrics

	outbound  chan outMsg
	closeOnce sync.Once
	failed    chan struct{}
	failOnce  sync.Once
	ended     atomic.Bool

	onBusy     func()
	onActivity func()
}

func newSocketConn(conn *websocket.Conn, sessionID string, format audio.Format, metrics *observability.Metrics) *socketConn {
	return &socketConn{
		conn:      conn,
		sessionID: sessionID,
		format:    format,
		metrics:   metrics,
		outbound:  make(chan outMsg, outboundDepth),
		failed:    make(chan struct{}),
	}
}

// Run reads client frames into q. Binary frames are PCM16 audio at the
// session's sample rate; text frames are control messages.
func (c *socketConn) Run(ctx context.Context, q *audio.FrameQueue) error {
	// Unblock ReadMessage on cancellation without closing the connection,
	// so a final error event can still be written.
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	c.conn.SetReadLimit(socketReadLimit)
	var seq uint64
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(socketIdleTimeout))
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return pipeline.ErrDisconnected
			}
			return fmt.Errorf("read socket: %w", err)
		}
		if c.onActivity != nil {
			c.onActivity()
		}

		switch msgType {
		case websocket.BinaryMessage:
			if len(data) == 0 {
				continue
			}
			seq++
			if err := q.Push(ctx, audio.NewFrame(data, c.format, seq)); err != nil {
				if errors.Is(err, audio.ErrQueueClosed) || ctx.Err() != nil {
					return nil
				}
				return err
			}
		case websocket.TextMessage:
			parsed, err := protocol.ParseClientMessage(data)
			if err != nil {
				c.sendError("", "invalid_client_message", err.Error())
				continue
			}
			control, ok := parsed.(protocol.ClientControl)
			if !ok {
				continue
			}
			c.metrics.ObserveInboundMessage(string(control.Type))
			if control.Action == protocol.ActionEnd {
				c.ended.Store(true)
				return pipeline.ErrDisconnected
			}
			c.sendError("", "unsupported_action", "unsupported client_control action "+control.Action)
		}
	}
}

func (c *socketConn) endRequested() bool { return c.ended.Load() }

// Emit queues one synthesized chunk: an assistant_audio_meta text frame
// followed by the WAV buffer as a binary frame. It waits for room rather
// than dropping audio.
func (c *socketConn) Emit(ctx context.Context, chunk pipeline.AudioChunk) error {
	msg := outMsg{
		msgType: protocol.TypeAssistantAudioMeta,
		payload: protocol.AssistantAudioMeta{
			Type:      protocol.TypeAssistantAudioMeta,
			SessionID: c.sessionID,
			TurnID:    chunk.TurnID,
			Seq:       chunk.Seq,
			Text:      chunk.Text,
			Format:    "wav",
			Bytes:     len(chunk.Audio),
		},
		audio: chunk.Audio,
	}
	select {
	case <-c.failed:
		return errSocketWriteFailed
	default:
	}
	select {
	case c.outbound <- msg:
		return nil
	case <-c.failed:
		return errSocketWriteFailed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify converts a pipeline event into a text frame. Partial transcripts
// and text deltas are dropped when the outbound queue is saturated; every
// other event waits for room like audio does.
func (c *socketConn) Notify(e pipeline.Event) {
	msg, ok := c.toMessage(e)
	if !ok {
		return
	}
	if e.Type == pipeline.EventTurnBusy && c.onBusy != nil {
		c.onBusy()
	}
	switch e.Type {
	case pipeline.EventTranscriptPartial, pipeline.EventTextDelta:
		c.enqueue(msg)
	default:
		c.enqueueWait(msg)
	}
}

func (c *socketConn) sendError(turnID, code, detail string) {
	c.enqueueWait(outMsg{msgType: protocol.TypeErrorEvent, payload: protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: c.sessionID,
		TurnID:    turnID,
		Code:      code,
		Detail:    detail,
	}})
}

// enqueue drops msg when the queue is full. It must not be called after
// closeOutbound.
func (c *socketConn) enqueue(msg outMsg) {
	select {
	case c.outbound <- msg:
	default:
		c.metrics.ObserveOutboundMessage(string(msg.msgType), "drop_full")
	}
}

// enqueueWait blocks until msg is queued or the writer has failed. It must
// not be called after closeOutbound.
func (c *socketConn) enqueueWait(msg outMsg) {
	select {
	case <-c.failed:
		c.metrics.ObserveOutboundMessage(string(msg.msgType), "drop_failed")
		return
	default:
	}
	select {
	case c.outbound <- msg:
	case <-c.failed:
		c.metrics.ObserveOutboundMessage(string(msg.msgType), "drop_failed")
	}
}

func (c *socketConn) toMessage(e pipeline.Event) (outMsg, bool) {
	var payload any
	var t protocol.MessageType
	switch e.Type {
	case eventSessionStarted:
		t = protocol.TypeSessionStarted
		payload = protocol.SessionStarted{Type: t, SessionID: c.sessionID, SampleRate: c.format.SampleRate, Channels: c.format.Channels}
	case pipeline.EventTranscriptPartial:
		t = protocol.TypeSTTPartial
		payload = protocol.Transcript{Type: t, SessionID: c.sessionID, Text: e.Text}
	case pipeline.EventTranscriptFinal:
		t = protocol.TypeSTTFinal
		payload = protocol.Transcript{Type: t, SessionID: c.sessionID, Text: e.Text}
	case pipeline.EventTurnStarted:
		t = protocol.TypeTurnStarted
		payload = protocol.TurnStarted{Type: t, SessionID: c.sessionID, TurnID: e.TurnID, Transcript: e.Text}
	case pipeline.EventTextDelta:
		t = protocol.TypeAssistantTextDelta
		payload = protocol.AssistantTextDelta{Type: t, SessionID: c.sessionID, TurnID: e.TurnID, TextDelta: e.Text}
	case pipeline.EventTurnEnded:
		t = protocol.TypeTurnEnded
		payload = protocol.TurnEnded{Type: t, SessionID: c.sessionID, TurnID: e.TurnID, Reason: e.Reason}
	case pipeline.EventTurnBusy:
		t = protocol.TypeTurnBusy
		payload = protocol.TurnBusy{Type: t, SessionID: c.sessionID, Action: e.Reason, Transcript: e.Text}
	case pipeline.EventError:
		t = protocol.TypeErrorEvent
		payload = protocol.ErrorEvent{Type: t, SessionID: c.sessionID, TurnID: e.TurnID, Code: e.Reason, Detail: e.Detail}
	default:
		return outMsg{}, false
	}
	return outMsg{msgType: t, payload: payload}, true
}

// writeLoop drains the outbound queue until closeOutbound or a write failure.
func (c *socketConn) writeLoop() {
	for msg := range c.outbound {
		if err := c.write(msg); err != nil {
			c.metrics.ObserveOutboundMessage(string(msg.msgType), "write_error")
			c.failOnce.Do(func() { close(c.failed) })
			return
		}
		c.metrics.ObserveOutboundMessage(string(msg.msgType), "sent")
	}
}

func (c *socketConn) write(msg outMsg) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	if err := c.conn.WriteJSON(msg.payload); err != nil {
		return err
	}
	if msg.audio == nil {
		return nil
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, msg.audio)
}

func (c *socketConn) closeOutbound() {
	c.closeOnce.Do(func() { close(c.outbound) })
}
