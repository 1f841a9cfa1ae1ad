package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ent0n29/talkback/internal/audio"
)

type DeepgramConfig struct {
	APIKey   string
	URL      string
	Language string
	Model    string
	// KeepAliveInterval is the idle time after which a KeepAlive frame is
	// sent so the backend does not close a quiet connection.
	KeepAliveInterval time.Duration
	WriteTimeout      time.Duration
	Dialer            *websocket.Dialer
}

// DeepgramProvider streams audio to the Deepgram live listen endpoint.
type DeepgramProvider struct {
	cfg DeepgramConfig
}

func NewDeepgramProvider(cfg DeepgramConfig) *DeepgramProvider {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = "wss://api.deepgram.com/v1/listen"
	}
	if strings.TrimSpace(cfg.Language) == "" {
		cfg.Language = "en"
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &DeepgramProvider{cfg: cfg}
}

func (p *DeepgramProvider) Name() string { return "deepgram" }

func (p *DeepgramProvider) listenURL(format audio.Format) (string, error) {
	u, err := url.Parse(p.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse deepgram url: %w", err)
	}
	q := u.Query()
	q.Set("punctuate", "true")
	q.Set("language", p.cfg.Language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(format.SampleRate))
	q.Set("channels", strconv.Itoa(format.Channels))
	q.Set("interim_results", "true")
	if p.cfg.Model != "" {
		q.Set("model", p.cfg.Model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *DeepgramProvider) Start(ctx context.Context, format audio.Format) (Stream, error) {
	ctx, span := tracer.Start(ctx, "deepgram dial")
	defer span.End()

	if format.SampleRate <= 0 {
		format = audio.DefaultFormat
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}
	target, err := p.listenURL(format)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("audio.sample_rate", format.SampleRate))

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.cfg.APIKey)
	conn, resp, err := p.cfg.Dialer.DialContext(ctx, target, headers)
	if err != nil {
		dialErr := &DialError{Err: err}
		if resp != nil {
			dialErr.Status = resp.StatusCode
		}
		span.RecordError(dialErr)
		span.SetStatus(codes.Error, dialErr.Error())
		return nil, dialErr
	}

	s := &deepgramStream{
		conn:         conn,
		events:       make(chan Event, 64),
		done:         make(chan struct{}),
		writeTimeout: p.cfg.WriteTimeout,
		lastWrite:    time.Now(),
	}
	go s.readLoop()
	go s.keepAlive(p.cfg.KeepAliveInterval)
	return s, nil
}

type deepgramStream struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	lastWrite time.Time
	finishing bool

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

type controlMessage struct {
	Type string `json:"type"`
}

func (s *deepgramStream) SendAudio(_ context.Context, pcm []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return fmt.Errorf("write deepgram audio: %w", err)
	}
	s.lastWrite = time.Now()
	return nil
}

func (s *deepgramStream) Finish(_ context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.finishing = true
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteJSON(controlMessage{Type: string(api.TypeCloseStreamResponse)}); err != nil {
		return fmt.Errorf("write deepgram close stream: %w", err)
	}
	return nil
}

func (s *deepgramStream) Events() <-chan Event { return s.events }

func (s *deepgramStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *deepgramStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *deepgramStream) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			if !s.finishing && time.Since(s.lastWrite) >= interval {
				_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
				if err := s.conn.WriteJSON(controlMessage{Type: "KeepAlive"}); err == nil {
					s.lastWrite = time.Now()
				}
			}
			s.writeMu.Unlock()
		}
	}
}

func (s *deepgramStream) readLoop() {
	defer close(s.events)
	defer s.Close()
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.setReadErr(err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		ev, ok := decodeDeepgramMessage(data)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *deepgramStream) setReadErr(err error) {
	s.writeMu.Lock()
	finishing := s.finishing
	s.writeMu.Unlock()

	select {
	case <-s.done:
		// Closed locally.
		return
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return
	}
	if finishing && errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	logger().Warn("deepgram connection lost", "error", err)
	s.errMu.Lock()
	s.err = fmt.Errorf("deepgram connection lost: %w", err)
	s.errMu.Unlock()
}

// decodeDeepgramMessage maps one text frame to an Event. Control and metadata
// frames produce no event.
func decodeDeepgramMessage(data []byte) (Event, bool) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Event{Err: fmt.Errorf("%w: %v", ErrDecode, err)}, true
	}
	if api.TypeResponse(envelope.Type) != api.TypeMessageResponse {
		return Event{}, false
	}

	var msg api.MessageResponse
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{Err: fmt.Errorf("%w: %v", ErrDecode, err)}, true
	}
	if len(msg.Channel.Alternatives) == 0 {
		return Event{Err: fmt.Errorf("%w: result without alternatives", ErrDecode)}, true
	}
	text := strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
	if text == "" && !msg.IsFinal {
		return Event{}, false
	}
	return Event{Text: text, IsFinal: msg.IsFinal, SpeechFinal: msg.SpeechFinal}, true
}
