package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/talkback/internal/pipeline"
	"github.com/ent0n29/talkback/internal/session"
)

const flushTimeout = 2 * time.Second

// handleLiveWS binds a duplex socket to a session and runs its pipeline
// until the client leaves, the session is ended or a session-level failure
// occurs. Without session_id an ephemeral session is created.
func (s *Server) handleLiveWS(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "live pipeline not configured")
		return
	}

	var sess *session.Session
	if id := strings.TrimSpace(r.URL.Query().Get("session_id")); id != "" {
		got, err := s.sessions.Get(id)
		if err != nil {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		if got.Status != session.StatusOpen {
			respondError(w, http.StatusConflict, "session_closed", "session is closed")
			return
		}
		sess = got
	} else {
		sess = s.sessions.Create("socket")
		s.metrics.ObserveSessionEvent("created")
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if err := s.sessions.Bind(sess.ID, cancel); err != nil {
		status := http.StatusConflict
		if errors.Is(err, session.ErrNotFound) {
			status = http.StatusNotFound
		}
		respondError(w, status, "session_unavailable", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_, _ = s.sessions.End(sess.ID, "upgrade_failed")
		return
	}
	defer conn.Close()

	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("ws_connected")

	sc := newSocketConn(conn, sess.ID, s.engine.Format(), s.metrics)
	sc.onBusy = func() { _ = s.sessions.RecordBusy(sess.ID) }
	sc.onActivity = func() { _ = s.sessions.Touch(sess.ID) }
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sc.writeLoop()
	}()

	sc.Notify(pipeline.Event{Type: eventSessionStarted})

	ctrl := s.engine.NewController(sess.ID, sc, sc, sc, "")
	ctrl.Responder().OnTurnStart = func(turnID string) { _ = s.sessions.StartTurn(sess.ID, turnID) }
	ctrl.Responder().OnTurnEnd = func(turnID string) { _ = s.sessions.EndTurn(sess.ID, turnID) }

	runErr := ctrl.Run(ctx)
	_ = s.sessions.RecordFramesDropped(sess.ID, ctrl.FramesDropped())

	// Every pipeline task has returned; let queued messages reach the client.
	sc.closeOutbound()
	select {
	case <-writerDone:
	case <-time.After(flushTimeout):
	}
	closeCode, reason := websocket.CloseNormalClosure, "session ended"
	if runErr != nil {
		closeCode, reason = websocket.CloseInternalServerErr, "session failed"
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, reason), time.Now().Add(time.Second))

	endReason := "disconnected"
	switch {
	case runErr != nil:
		endReason = "failed"
	case sc.endRequested():
		endReason = "client_request"
	}
	_, _ = s.sessions.End(sess.ID, endReason)
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("ws_disconnected")
	log.Printf("[live] session %s closed: reason=%s frames_dropped=%d err=%v", sess.ID, endReason, ctrl.FramesDropped(), runErr)
}
