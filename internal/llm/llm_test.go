package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/genai"
)

func sseServer(t *testing.T, deltas []string, gotBody *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if gotBody != nil {
			_ = json.NewDecoder(r.Body).Decode(gotBody)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			chunk := map[string]any{
				"id":      "chatcmpl-1",
				"object":  "chat.completion.chunk",
				"created": 1,
				"model":   "gpt-test",
				"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": d}}},
			}
			raw, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", raw)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestOpenAIGeneratorStreamsDeltasInOrder(t *testing.T) {
	var body map[string]any
	srv := sseServer(t, []string{"The weather ", "is sunny", "."}, &body)
	defer srv.Close()

	g, err := NewOpenAIGenerator(OpenAIConfig{
		APIKey:     "test",
		Model:      "gpt-test",
		BaseURL:    srv.URL + "/",
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewOpenAIGenerator() error = %v", err)
	}

	var deltas []string
	text, err := g.StreamResponse(context.Background(), Request{Prompt: "weather?"}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if text != "The weather is sunny." {
		t.Fatalf("text = %q, want %q", text, "The weather is sunny.")
	}
	if len(deltas) != 3 || deltas[0] != "The weather " {
		t.Fatalf("deltas = %q, want three in arrival order", deltas)
	}
	if body["temperature"] != 0.7 {
		t.Fatalf("temperature = %v, want 0.7", body["temperature"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v, want system + user", body["messages"])
	}
}

func TestOpenAIGeneratorHandlerErrorStopsStream(t *testing.T) {
	srv := sseServer(t, []string{"a", "b", "c"}, nil)
	defer srv.Close()

	g, _ := NewOpenAIGenerator(OpenAIConfig{APIKey: "test", Model: "m", BaseURL: srv.URL + "/", HTTPClient: srv.Client()})
	stop := errors.New("stop")
	text, err := g.StreamResponse(context.Background(), Request{Prompt: "x"}, func(d string) error {
		if d == "b" {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("error = %v, want stop", err)
	}
	if text != "ab" {
		t.Fatalf("text = %q, want %q", text, "ab")
	}
}

func TestGeminiDeltaSkipsThoughts(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "thinking", Thought: true},
				{Text: "Hello "},
				{Text: "there"},
			}},
		}},
	}
	if got := geminiDelta(resp); got != "Hello there" {
		t.Fatalf("geminiDelta() = %q, want %q", got, "Hello there")
	}
	if got := geminiDelta(&genai.GenerateContentResponse{}); got != "" {
		t.Fatalf("geminiDelta(empty) = %q, want empty", got)
	}
}

func TestParseBackendAliases(t *testing.T) {
	cases := map[string]Backend{
		"":          BackendPrimary,
		"primary":   BackendPrimary,
		"openai":    BackendPrimary,
		"Gemini":    BackendSecondary,
		"secondary": BackendSecondary,
	}
	for in, want := range cases {
		got, err := ParseBackend(in)
		if err != nil || got != want {
			t.Fatalf("ParseBackend(%q) = (%q, %v), want %q", in, got, err, want)
		}
	}
	if _, err := ParseBackend("claude"); err == nil {
		t.Fatalf("ParseBackend(claude) error = nil, want error")
	}
}

type stubGenerator struct {
	name   string
	deltas []string
	err    error
	calls  int
}

func (s *stubGenerator) Name() string { return s.name }

func (s *stubGenerator) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (string, error) {
	s.calls++
	out := &collector{onDelta: onDelta}
	for _, d := range s.deltas {
		if err := out.add(d); err != nil {
			return out.text(), err
		}
	}
	return out.text(), s.err
}

func TestFallbackUsesSecondaryBeforeFirstDelta(t *testing.T) {
	primary := &stubGenerator{name: "p", err: errors.New("503")}
	secondary := &stubGenerator{name: "s", deltas: []string{"ok"}}
	text, err := NewFallback(primary, secondary).StreamResponse(context.Background(), Request{Prompt: "hi"}, nil)
	if err != nil || text != "ok" {
		t.Fatalf("StreamResponse() = (%q, %v), want (ok, nil)", text, err)
	}
}

func TestFallbackKeepsPrimaryAfterDelta(t *testing.T) {
	primary := &stubGenerator{name: "p", deltas: []string{"partial"}, err: errors.New("reset")}
	secondary := &stubGenerator{name: "s", deltas: []string{"ok"}}
	_, err := NewFallback(primary, secondary).StreamResponse(context.Background(), Request{Prompt: "hi"}, nil)
	if err == nil {
		t.Fatalf("error = nil, want primary error")
	}
	if secondary.calls != 0 {
		t.Fatalf("secondary calls = %d, want 0", secondary.calls)
	}
}

func TestRouterSelect(t *testing.T) {
	primary := &stubGenerator{name: "p"}
	r := NewRouter(primary, nil)
	g, err := r.Select(BackendSecondary)
	if err != nil || g != primary {
		t.Fatalf("Select(secondary) = (%v, %v), want primary fallback", g, err)
	}
	if r.Live() != primary {
		t.Fatalf("Live() wrapped a single generator")
	}
}

func TestMockGeneratorStreamsWords(t *testing.T) {
	var n int
	text, err := NewMockGenerator().StreamResponse(context.Background(), Request{Prompt: "hello."}, func(string) error {
		n++
		return nil
	})
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if !strings.HasPrefix(text, "I heard you say: hello.") {
		t.Fatalf("text = %q", text)
	}
	if n < 2 {
		t.Fatalf("deltas = %d, want several", n)
	}
}
