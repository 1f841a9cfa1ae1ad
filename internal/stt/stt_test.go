package stt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/talkback/internal/audio"
)

func TestDecodeDeepgramMessage(t *testing.T) {
	final := `{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":" what's the weather "}]}}`
	ev, ok := decodeDeepgramMessage([]byte(final))
	if !ok {
		t.Fatalf("decodeDeepgramMessage() ok = false, want true")
	}
	if ev.Text != "what's the weather" || !ev.IsFinal || !ev.SpeechFinal {
		t.Fatalf("event = %+v, want trimmed final transcript", ev)
	}

	if _, ok := decodeDeepgramMessage([]byte(`{"type":"Metadata","request_id":"x"}`)); ok {
		t.Fatalf("metadata frame produced an event")
	}

	ev, ok = decodeDeepgramMessage([]byte(`{"type":`))
	if !ok || !errors.Is(ev.Err, ErrDecode) {
		t.Fatalf("malformed frame = (%+v, %v), want ErrDecode event", ev, ok)
	}
}

func TestDialErrorRetryable(t *testing.T) {
	if IsPermanent(&DialError{Status: 503, Err: errors.New("unavailable")}) {
		t.Fatalf("503 treated as permanent")
	}
	if !IsPermanent(&DialError{Status: 401, Err: errors.New("unauthorized")}) {
		t.Fatalf("401 not treated as permanent")
	}
	if IsPermanent(&DialError{Err: errors.New("connection refused")}) {
		t.Fatalf("network failure treated as permanent")
	}
}

func TestDeepgramStreamRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.BinaryMessage {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel"}]}}`))
				continue
			}
			if strings.Contains(string(data), "CloseStream") {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello"}]}}`))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}))
	defer srv.Close()

	p := NewDeepgramProvider(DeepgramConfig{APIKey: "k", URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := p.Start(ctx, audio.DefaultFormat)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer stream.Close()
	if auth := <-gotAuth; auth != "Token k" {
		t.Fatalf("Authorization = %q, want %q", auth, "Token k")
	}

	if err := stream.SendAudio(ctx, []byte{0, 0, 0, 0}); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	if err := stream.Finish(ctx); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	var events []Event
	for ev := range stream.Events() {
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("events = %+v, want partial then final", events)
	}
	if events[1].Text != "hello" || !events[1].IsFinal {
		t.Fatalf("last event = %+v, want final hello", events[1])
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil after normal close", err)
	}
}

func TestDeepgramStartReportsHandshakeStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewDeepgramProvider(DeepgramConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	_, err := p.Start(context.Background(), audio.DefaultFormat)
	if !IsPermanent(err) {
		t.Fatalf("Start() error = %v, want permanent dial error", err)
	}
}

func TestDeepgramFileTranscriber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("punctuate") != "true" {
			t.Errorf("punctuate = %q, want true", r.URL.Query().Get("punctuate"))
		}
		if ct := r.Header.Get("Content-Type"); ct != "audio/wav" {
			t.Errorf("Content-Type = %q, want audio/wav", ct)
		}
		_, _ = w.Write([]byte(`{"results":{"channels":[{"alternatives":[{"transcript":"turn on the lights","confidence":0.9}]}]}}`))
	}))
	defer srv.Close()

	tr := NewDeepgramFileTranscriber(DeepgramConfig{APIKey: "k", URL: srv.URL}, srv.Client())
	got, err := tr.TranscribeFile(context.Background(), []byte("RIFF"), "")
	if err != nil {
		t.Fatalf("TranscribeFile() error = %v", err)
	}
	if got != "turn on the lights" {
		t.Fatalf("transcript = %q, want %q", got, "turn on the lights")
	}
}

func TestDeepgramFileTranscriberStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tr := NewDeepgramFileTranscriber(DeepgramConfig{URL: srv.URL}, srv.Client())
	_, err := tr.TranscribeFile(context.Background(), []byte("x"), "audio/wav")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || !statusErr.Retryable() {
		t.Fatalf("error = %v, want retryable StatusError", err)
	}
}

func TestMockProviderEmitsFinalEveryN(t *testing.T) {
	p := &MockProvider{Utterance: "hi there", FramesPerUtterance: 2}
	stream, err := p.Start(context.Background(), audio.DefaultFormat)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := stream.SendAudio(ctx, []byte{0, 0}); err != nil {
			t.Fatalf("SendAudio() error = %v", err)
		}
	}
	_ = stream.Finish(ctx)

	finals := 0
	for ev := range stream.Events() {
		if ev.IsFinal {
			finals++
			if ev.Text != "hi there" {
				t.Fatalf("final text = %q, want %q", ev.Text, "hi there")
			}
		}
	}
	if finals != 2 {
		t.Fatalf("finals = %d, want 2", finals)
	}
}
