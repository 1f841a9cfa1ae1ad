package commands

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ent0n29/talkback/internal/app"
	"github.com/ent0n29/talkback/internal/audio"
	"github.com/ent0n29/talkback/internal/observability"
	"github.com/ent0n29/talkback/internal/protocol"
	"github.com/ent0n29/talkback/internal/session"
)

type perfOptions struct {
	baseURL        string
	turns          int
	chunkMS        int
	realtime       float64
	tailSilence    time.Duration
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	wavFiles       []string
}

var perfOpts perfOptions

var defaultUtterances = []string{
	"Reply in three words: latency bottleneck?",
	"Reply in three words: next optimization?",
	"Reply in three words: architecture summary?",
	"Reply in three words: top risk?",
}

var perfCmd = &cobra.Command{
	Use:   "perf",
	Short: "Replay spoken turns against a running server and report latency",
	Long: `Open a live session on a running talkback server, stream utterance audio
over the socket at a paced rate and time each reply.

Utterances are synthesized locally with the configured TTS backend from
--text, or read from --wav files (PCM16, at the server's sample rate).
Each clip is followed by --tail-silence of silence so endpointing can
close the utterance. The server's rolling stage window is printed at the
end.`,
	RunE: runPerf,
}

func init() {
	f := perfCmd.Flags()
	f.StringVar(&perfOpts.baseURL, "base-url", "http://127.0.0.1:8080", "server base URL")
	f.IntVar(&perfOpts.turns, "turns", 8, "number of turns to replay")
	f.IntVar(&perfOpts.chunkMS, "chunk-ms", 40, "audio frame size in milliseconds")
	f.Float64Var(&perfOpts.realtime, "realtime", 1.0, "pacing multiplier (1.0 = real time)")
	f.DurationVar(&perfOpts.tailSilence, "tail-silence", 900*time.Millisecond, "silence sent after each clip")
	f.DurationVar(&perfOpts.startDelay, "start-delay", 500*time.Millisecond, "delay before the first turn")
	f.DurationVar(&perfOpts.interTurnDelay, "inter-turn", 200*time.Millisecond, "delay between turns")
	f.DurationVar(&perfOpts.turnTimeout, "turn-timeout", 20*time.Second, "time allowed per turn")
	f.StringArrayVar(&perfOpts.texts, "text", nil, "utterance to synthesize (repeatable)")
	f.StringArrayVar(&perfOpts.wavFiles, "wav", nil, "WAV file to replay instead of synthesized speech (repeatable)")
}

func (o perfOptions) validate() error {
	if strings.TrimSpace(o.baseURL) == "" {
		return fmt.Errorf("--base-url is required")
	}
	if o.turns <= 0 {
		return fmt.Errorf("--turns must be > 0")
	}
	if o.chunkMS < 10 || o.chunkMS > 2000 {
		return fmt.Errorf("--chunk-ms must be in [10,2000]")
	}
	if o.realtime <= 0 {
		return fmt.Errorf("--realtime must be > 0")
	}
	if o.turnTimeout < time.Second {
		return fmt.Errorf("--turn-timeout must be at least 1s")
	}
	return nil
}

type perfClip struct {
	Label  string
	PCM    []byte
	Format audio.Format
}

type turnResult struct {
	Turn       int
	Label      string
	Reason     string
	Chunks     int
	FirstAudio time.Duration
	Total      time.Duration
}

func runPerf(cmd *cobra.Command, _ []string) error {
	opts := perfOpts
	opts.baseURL = strings.TrimRight(strings.TrimSpace(opts.baseURL), "/")
	if err := opts.validate(); err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
	defer cancel()

	clips, err := loadClips(ctx, opts)
	if err != nil {
		return fmt.Errorf("prepare utterance audio: %w", err)
	}

	client := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: 30 * time.Second}
	created, err := createPerfSession(ctx, client, opts.baseURL)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endPerfSession(context.Background(), client, opts.baseURL, created.SessionID)
	}()

	wsURL, err := socketURL(opts.baseURL, created.WebSocketPath)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan socketEvent, 64)
	readErr := make(chan error, 1)
	go readSocketEvents(conn, events, readErr)

	format, err := awaitSessionStarted(events, readErr, 5*time.Second)
	if err != nil {
		return err
	}
	for _, c := range clips {
		if c.Format != format {
			return fmt.Errorf("clip %q is %d Hz/%d ch, session expects %d Hz/%d ch",
				c.Label, c.Format.SampleRate, c.Format.Channels, format.SampleRate, format.Channels)
		}
	}
	fmt.Fprintln(out, Styles.Title.Render("talkback perf")+" "+Styles.Help.Render(fmt.Sprintf(
		"session=%s turns=%d chunk=%dms realtime=%.2fx", created.SessionID, opts.turns, opts.chunkMS, opts.realtime)))

	time.Sleep(opts.startDelay)

	silence := make([]byte, int(opts.tailSilence.Seconds()*float64(format.BytesPerSecond()))&^1)
	results := make([]turnResult, 0, opts.turns)
	for i := 0; i < opts.turns; i++ {
		clip := clips[i%len(clips)]
		if err := sendPaced(ctx, conn, clip.PCM, format, opts.chunkMS, opts.realtime); err != nil {
			return fmt.Errorf("turn %d send audio: %w", i+1, err)
		}
		speechEnd := time.Now()
		if err := sendPaced(ctx, conn, silence, format, opts.chunkMS, opts.realtime); err != nil {
			return fmt.Errorf("turn %d send silence: %w", i+1, err)
		}

		res, err := awaitTurn(events, readErr, speechEnd, opts.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		res.Turn = i + 1
		res.Label = clip.Label
		results = append(results, res)
		printTurn(out, res)

		if i < opts.turns-1 {
			time.Sleep(opts.interTurnDelay)
		}
	}

	fmt.Fprintln(out, Styles.Help.Render(summarizeTurns(results)))

	_ = conn.WriteJSON(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: created.SessionID,
		Action:    protocol.ActionEnd,
		Reason:    "perf_complete",
	})

	snap, err := fetchStageSnapshot(ctx, client, opts.baseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, Styles.Help.Render("stage window unavailable: "+err.Error()))
		return nil
	}
	printStages(out, snap)
	return nil
}

func loadClips(ctx context.Context, opts perfOptions) ([]perfClip, error) {
	if len(opts.wavFiles) > 0 {
		clips := make([]perfClip, 0, len(opts.wavFiles))
		for _, path := range opts.wavFiles {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			clip, err := clipFromWAV(path, data)
			if err != nil {
				return nil, err
			}
			clips = append(clips, clip)
		}
		return clips, nil
	}

	texts := opts.texts
	if len(texts) == 0 {
		texts = defaultUtterances
	}
	synth, voice, err := app.NewSynthesizer(cfg)
	if err != nil {
		return nil, err
	}
	clips := make([]perfClip, 0, len(texts))
	for _, text := range texts {
		data, err := synth.Synthesize(ctx, text, voice)
		if err != nil {
			return nil, fmt.Errorf("synthesize %q: %w", text, err)
		}
		clip, err := clipFromWAV(text, data)
		if err != nil {
			return nil, err
		}
		clips = append(clips, clip)
	}
	return clips, nil
}

// clipFromWAV decodes data and mixes multi-channel audio down to mono.
func clipFromWAV(label string, data []byte) (perfClip, error) {
	pcm, format, err := audio.DecodeWAV(data)
	if err != nil {
		return perfClip{}, fmt.Errorf("decode %q: %w", label, err)
	}
	if format.Channels > 1 {
		pcm = downmix(pcm, format.Channels)
		format.Channels = 1
	}
	if len(pcm) < 2 {
		return perfClip{}, fmt.Errorf("%q has no audio", label)
	}
	return perfClip{Label: label, PCM: pcm, Format: format}, nil
}

func downmix(pcm []byte, channels int) []byte {
	frameBytes := channels * 2
	frames := len(pcm) / frameBytes
	mono := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		sum := 0
		for ch := 0; ch < channels; ch++ {
			off := i*frameBytes + ch*2
			sum += int(int16(binary.LittleEndian.Uint16(pcm[off : off+2])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:], uint16(int16(sum/channels)))
	}
	return mono
}

// splitFrames cuts pcm into frames of chunkMS, keeping sample alignment.
func splitFrames(pcm []byte, format audio.Format, chunkMS int) [][]byte {
	size := format.BytesPerSecond() * chunkMS / 1000
	size &^= 1
	if size < 2 {
		size = 2
	}
	frames := make([][]byte, 0, len(pcm)/size+1)
	for off := 0; off < len(pcm); off += size {
		end := min(off+size, len(pcm))
		frames = append(frames, pcm[off:end])
	}
	return frames
}

func sendPaced(ctx context.Context, conn *websocket.Conn, pcm []byte, format audio.Format, chunkMS int, realtime float64) error {
	interval := time.Duration(float64(time.Duration(chunkMS)*time.Millisecond) / realtime)
	for _, frame := range splitFrames(pcm, format, chunkMS) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return err
		}
		time.Sleep(interval)
	}
	return nil
}

func createPerfSession(ctx context.Context, client *http.Client, baseURL string) (session.CreateResponse, error) {
	payload, err := json.Marshal(session.CreateRequest{Transport: "socket"})
	if err != nil {
		return session.CreateResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/voice/session", bytes.NewReader(payload))
	if err != nil {
		return session.CreateResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return session.CreateResponse{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return session.CreateResponse{}, err
	}
	if res.StatusCode != http.StatusCreated {
		return session.CreateResponse{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out session.CreateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return session.CreateResponse{}, err
	}
	if out.SessionID == "" || out.WebSocketPath == "" {
		return session.CreateResponse{}, fmt.Errorf("incomplete session response: %s", strings.TrimSpace(string(body)))
	}
	return out, nil
}

func endPerfSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/voice/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func fetchStageSnapshot(ctx context.Context, client *http.Client, baseURL string) (observability.TurnStageSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return observability.TurnStageSnapshot{}, err
	}
	res, err := client.Do(req)
	if err != nil {
		return observability.TurnStageSnapshot{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return observability.TurnStageSnapshot{}, fmt.Errorf("HTTP %d", res.StatusCode)
	}
	var snap observability.TurnStageSnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		return observability.TurnStageSnapshot{}, err
	}
	return snap, nil
}

// socketURL resolves the session's relative socket path against baseURL.
func socketURL(baseURL, path string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(base.Scheme) {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", base.Scheme)
	}
	if base.Host == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

type socketEvent struct {
	Type       protocol.MessageType
	At         time.Time
	Reason     string
	Code       string
	Detail     string
	SampleRate int
	Channels   int
}

// readSocketEvents forwards the server messages the replay waits on.
// Binary audio frames and text deltas are skipped.
func readSocketEvents(conn *websocket.Conn, events chan<- socketEvent, readErr chan<- error) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var msg struct {
			Type       protocol.MessageType `json:"type"`
			Reason     string               `json:"reason"`
			Code       string               `json:"code"`
			Detail     string               `json:"detail"`
			SampleRate int                  `json:"sample_rate"`
			Channels   int                  `json:"channels"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case protocol.TypeSessionStarted, protocol.TypeAssistantAudioMeta, protocol.TypeTurnEnded, protocol.TypeErrorEvent:
			events <- socketEvent{
				Type:       msg.Type,
				At:         time.Now(),
				Reason:     msg.Reason,
				Code:       msg.Code,
				Detail:     msg.Detail,
				SampleRate: msg.SampleRate,
				Channels:   msg.Channels,
			}
		}
	}
}

func awaitSessionStarted(events <-chan socketEvent, readErr <-chan error, timeout time.Duration) (audio.Format, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-events:
			switch ev.Type {
			case protocol.TypeSessionStarted:
				return audio.Format{SampleRate: ev.SampleRate, Channels: ev.Channels}, nil
			case protocol.TypeErrorEvent:
				return audio.Format{}, fmt.Errorf("session failed to start: %s %s", ev.Code, ev.Detail)
			}
		case err := <-readErr:
			return audio.Format{}, fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return audio.Format{}, fmt.Errorf("no session_started within %s", timeout)
		}
	}
}

// awaitTurn times one reply relative to the end of the spoken clip.
func awaitTurn(events <-chan socketEvent, readErr <-chan error, speechEnd time.Time, timeout time.Duration) (turnResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res turnResult
	for {
		select {
		case ev := <-events:
			switch ev.Type {
			case protocol.TypeAssistantAudioMeta:
				if res.Chunks == 0 {
					res.FirstAudio = ev.At.Sub(speechEnd)
				}
				res.Chunks++
			case protocol.TypeTurnEnded:
				res.Reason = ev.Reason
				res.Total = ev.At.Sub(speechEnd)
				return res, nil
			case protocol.TypeErrorEvent:
				if isSessionFatal(ev.Code) {
					return res, fmt.Errorf("session failed: %s %s", ev.Code, ev.Detail)
				}
			}
		case err := <-readErr:
			return res, fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return res, fmt.Errorf("no turn_ended within %s", timeout)
		}
	}
}

func isSessionFatal(code string) bool {
	switch code {
	case "ingestion", "transcription":
		return true
	}
	return false
}

func printTurn(out io.Writer, r turnResult) {
	reason := r.Reason
	if reason != "completed" {
		reason = Styles.Error.Render(reason)
	}
	fmt.Fprintf(out, "%s %-44q %s chunks=%-3d first_audio=%-8s total=%s\n",
		Styles.User.Render(fmt.Sprintf("turn %2d", r.Turn)), r.Label, reason, r.Chunks,
		roundMS(r.FirstAudio), roundMS(r.Total))
}

// summarizeTurns reports first-audio latency over completed turns.
func summarizeTurns(results []turnResult) string {
	var (
		completed int
		sum, peak time.Duration
	)
	for _, r := range results {
		if r.Reason != "completed" || r.Chunks == 0 {
			continue
		}
		completed++
		sum += r.FirstAudio
		peak = max(peak, r.FirstAudio)
	}
	if completed == 0 {
		return fmt.Sprintf("0/%d turns completed", len(results))
	}
	return fmt.Sprintf("%d/%d turns completed · first audio mean %s max %s",
		completed, len(results), roundMS(sum/time.Duration(completed)), roundMS(peak))
}

func printStages(out io.Writer, snap observability.TurnStageSnapshot) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, Styles.Title.Render("server stage window")+" "+
		Styles.Help.Render(fmt.Sprintf("last %d samples per stage", snap.WindowSize)))
	fmt.Fprintf(out, "%-24s %7s %9s %9s %9s %9s\n", "stage", "samples", "p50_ms", "p95_ms", "p99_ms", "target")
	for _, st := range snap.Stages {
		target := "-"
		if st.TargetP95MS > 0 {
			target = fmt.Sprintf("%.0f", st.TargetP95MS)
		}
		line := fmt.Sprintf("%-24s %7d %9.1f %9.1f %9.1f %9s", st.Stage, st.Samples, st.P50MS, st.P95MS, st.P99MS, target)
		if st.TargetP95MS > 0 && st.P95MS > st.TargetP95MS {
			line = Styles.Error.Render(line)
		}
		fmt.Fprintln(out, line)
	}
	for _, ind := range snap.Indicators {
		fmt.Fprintln(out, Styles.Help.Render(fmt.Sprintf("%s=%d", ind.Name, ind.Count)))
	}
}
