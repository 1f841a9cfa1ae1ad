package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the talkback service and CLI.
//
// Values are resolved in three layers: built-in defaults, an optional YAML
// file named by TALKBACK_CONFIG, then environment variables.
type Config struct {
	BindAddr                 string        `yaml:"bind_addr"`
	ShutdownTimeout          time.Duration `yaml:"shutdown_timeout"`
	SessionInactivityTimeout time.Duration `yaml:"session_inactivity_timeout"`
	FirstAudioSLO            time.Duration `yaml:"first_audio_slo"`
	MetricsNamespace         string        `yaml:"metrics_namespace"`
	AllowAnyOrigin           bool          `yaml:"allow_any_origin"`

	LogFormat     string `yaml:"log_format"`
	LogLevel      string `yaml:"log_level"`
	LogOTelBridge bool   `yaml:"log_otel_bridge"`

	// STTProvider, LLMProvider and TTSProvider accept auto|<vendor>|mock.
	STTProvider string `yaml:"stt_provider"`
	LLMProvider string `yaml:"llm_provider"`
	TTSProvider string `yaml:"tts_provider"`

	DeepgramAPIKey   string `yaml:"deepgram_api_key"`
	DeepgramWSURL    string `yaml:"deepgram_ws_url"`
	DeepgramHTTPURL  string `yaml:"deepgram_http_url"`
	DeepgramLanguage string `yaml:"deepgram_language"`
	DeepgramModel    string `yaml:"deepgram_model"`

	AzureOpenAIEndpoint   string `yaml:"azure_openai_endpoint"`
	AzureOpenAIAPIKey     string `yaml:"azure_openai_api_key"`
	AzureOpenAIDeployment string `yaml:"azure_openai_deployment"`
	AzureOpenAIAPIVersion string `yaml:"azure_openai_api_version"`
	OpenAIAPIKey          string `yaml:"openai_api_key"`
	OpenAIModel           string `yaml:"openai_model"`

	GeminiAPIKey string `yaml:"gemini_api_key"`
	GeminiModel  string `yaml:"gemini_model"`

	SystemPrompt    string  `yaml:"system_prompt"`
	Temperature     float64 `yaml:"temperature"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`

	ElevenLabsAPIKey     string  `yaml:"elevenlabs_api_key"`
	ElevenLabsBaseURL    string  `yaml:"elevenlabs_base_url"`
	ElevenLabsVoiceID    string  `yaml:"elevenlabs_voice_id"`
	ElevenLabsModelID    string  `yaml:"elevenlabs_model_id"`
	ElevenLabsStability  float64 `yaml:"elevenlabs_stability"`
	ElevenLabsSimilarity float64 `yaml:"elevenlabs_similarity"`
	ElevenLabsMaxRetries int     `yaml:"elevenlabs_max_retries"`

	ChunkPreset      string `yaml:"chunk_preset"`
	ChunkMaxChars    int    `yaml:"chunk_max_chars"`
	ChunkMinChars    int    `yaml:"chunk_min_chars"`
	ChunkTerminators string `yaml:"chunk_terminators"`

	AudioSampleRate     int    `yaml:"audio_sample_rate"`
	FrameQueueSize      int    `yaml:"frame_queue_size"`
	FrameOverflowPolicy string `yaml:"frame_overflow_policy"`
	BusyPolicy          string `yaml:"busy_policy"`

	SynthesisConcurrency     int           `yaml:"synthesis_concurrency"`
	GenerationTimeout        time.Duration `yaml:"generation_timeout"`
	SynthesisTimeout         time.Duration `yaml:"synthesis_timeout"`
	TranscriptionDialTimeout time.Duration `yaml:"transcription_dial_timeout"`
	TranscriptionReconnects  int           `yaml:"transcription_reconnects"`

	DatabaseURL string `yaml:"database_url"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		BindAddr:                 ":8080",
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		FirstAudioSLO:            900 * time.Millisecond,
		MetricsNamespace:         "talkback",
		LogFormat:                "text",
		LogLevel:                 "info",
		STTProvider:              "auto",
		LLMProvider:              "auto",
		TTSProvider:              "auto",
		DeepgramWSURL:            "wss://api.deepgram.com/v1/listen",
		DeepgramHTTPURL:          "https://api.deepgram.com/v1/listen",
		DeepgramLanguage:         "en",
		AzureOpenAIAPIVersion:    "2024-06-01",
		OpenAIModel:              "gpt-4o-mini",
		GeminiModel:              "gemini-1.5-flash",
		SystemPrompt:             "You are a concise voice assistant.",
		Temperature:              0.7,
		MaxOutputTokens:          300,
		ElevenLabsBaseURL:        "https://api.elevenlabs.io",
		ElevenLabsVoiceID:        "EXAVITQu4vr4xnSDxMaL",
		ElevenLabsModelID:        "eleven_multilingual_v2",
		ElevenLabsStability:      0.4,
		ElevenLabsSimilarity:     0.6,
		ElevenLabsMaxRetries:     1,
		ChunkPreset:              "default",
		ChunkTerminators:         ".!?",
		AudioSampleRate:          16000,
		FrameQueueSize:           64,
		FrameOverflowPolicy:      "drop_oldest",
		BusyPolicy:               "queue",
		SynthesisConcurrency:     3,
		GenerationTimeout:        60 * time.Second,
		SynthesisTimeout:         15 * time.Second,
		TranscriptionDialTimeout: 10 * time.Second,
		TranscriptionReconnects:  2,
	}
}

// Load reads the optional YAML file and environment variables on top of Defaults.
func Load() (Config, error) {
	cfg := Defaults()
	if path := stringsTrimSpace("TALKBACK_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.applyChunkPreset()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogFormat = envOrDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)

	cfg.STTProvider = envOrDefault("STT_PROVIDER", cfg.STTProvider)
	cfg.LLMProvider = envOrDefault("LLM_PROVIDER", cfg.LLMProvider)
	cfg.TTSProvider = envOrDefault("TTS_PROVIDER", cfg.TTSProvider)

	cfg.DeepgramAPIKey = envOrDefault("DEEPGRAM_API_KEY", cfg.DeepgramAPIKey)
	cfg.DeepgramWSURL = envOrDefault("DEEPGRAM_WS_URL", cfg.DeepgramWSURL)
	cfg.DeepgramHTTPURL = envOrDefault("DEEPGRAM_HTTP_URL", cfg.DeepgramHTTPURL)
	cfg.DeepgramLanguage = envOrDefault("DEEPGRAM_LANGUAGE", cfg.DeepgramLanguage)
	cfg.DeepgramModel = envOrDefault("DEEPGRAM_MODEL", cfg.DeepgramModel)

	cfg.AzureOpenAIEndpoint = envOrDefault("AZURE_OPENAI_ENDPOINT", cfg.AzureOpenAIEndpoint)
	cfg.AzureOpenAIAPIKey = envOrDefault("AZURE_OPENAI_API_KEY", cfg.AzureOpenAIAPIKey)
	cfg.AzureOpenAIDeployment = envOrDefault("AZURE_OPENAI_DEPLOYMENT", cfg.AzureOpenAIDeployment)
	cfg.AzureOpenAIAPIVersion = envOrDefault("AZURE_OPENAI_API_VERSION", cfg.AzureOpenAIAPIVersion)
	cfg.OpenAIAPIKey = envOrDefault("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIModel = envOrDefault("OPENAI_MODEL", cfg.OpenAIModel)
	cfg.GeminiAPIKey = envOrDefault("GEMINI_API_KEY", cfg.GeminiAPIKey)
	cfg.GeminiModel = envOrDefault("GEMINI_MODEL", cfg.GeminiModel)
	cfg.SystemPrompt = envOrDefault("LLM_SYSTEM_PROMPT", cfg.SystemPrompt)

	cfg.ElevenLabsAPIKey = envOrDefault("ELEVENLABS_API_KEY", cfg.ElevenLabsAPIKey)
	cfg.ElevenLabsBaseURL = envOrDefault("ELEVENLABS_BASE_URL", cfg.ElevenLabsBaseURL)
	cfg.ElevenLabsVoiceID = envOrDefault("ELEVENLABS_VOICE_ID", cfg.ElevenLabsVoiceID)
	cfg.ElevenLabsModelID = envOrDefault("ELEVENLABS_MODEL_ID", cfg.ElevenLabsModelID)

	cfg.ChunkPreset = envOrDefault("CHUNK_PRESET", cfg.ChunkPreset)
	cfg.ChunkTerminators = envOrDefault("CHUNK_TERMINATORS", cfg.ChunkTerminators)
	cfg.FrameOverflowPolicy = envOrDefault("FRAME_OVERFLOW_POLICY", cfg.FrameOverflowPolicy)
	cfg.BusyPolicy = envOrDefault("BUSY_POLICY", cfg.BusyPolicy)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"APP_FIRST_AUDIO_SLO", &cfg.FirstAudioSLO},
		{"GENERATION_TIMEOUT", &cfg.GenerationTimeout},
		{"SYNTHESIS_TIMEOUT", &cfg.SynthesisTimeout},
		{"TRANSCRIPTION_DIAL_TIMEOUT", &cfg.TranscriptionDialTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"LLM_MAX_OUTPUT_TOKENS", &cfg.MaxOutputTokens},
		{"ELEVENLABS_MAX_RETRIES", &cfg.ElevenLabsMaxRetries},
		{"CHUNK_MAX_CHARS", &cfg.ChunkMaxChars},
		{"CHUNK_MIN_CHARS", &cfg.ChunkMinChars},
		{"AUDIO_SAMPLE_RATE", &cfg.AudioSampleRate},
		{"FRAME_QUEUE_SIZE", &cfg.FrameQueueSize},
		{"SYNTHESIS_CONCURRENCY", &cfg.SynthesisConcurrency},
		{"TRANSCRIPTION_RECONNECTS", &cfg.TranscriptionReconnects},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return err
		}
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"LLM_TEMPERATURE", &cfg.Temperature},
		{"ELEVENLABS_STABILITY", &cfg.ElevenLabsStability},
		{"ELEVENLABS_SIMILARITY", &cfg.ElevenLabsSimilarity},
	}
	for _, f := range floats {
		if *f.dst, err = floatFromEnv(f.key, *f.dst); err != nil {
			return err
		}
	}

	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return err
	}
	if cfg.LogOTelBridge, err = boolFromEnv("LOG_OTEL_BRIDGE", cfg.LogOTelBridge); err != nil {
		return err
	}
	return nil
}

// applyChunkPreset fills ChunkMaxChars from the preset unless it was set explicitly.
func (c *Config) applyChunkPreset() {
	if c.ChunkMaxChars > 0 {
		return
	}
	switch strings.ToLower(strings.TrimSpace(c.ChunkPreset)) {
	case "strict":
		c.ChunkMaxChars = 40
	default:
		c.ChunkMaxChars = 80
	}
}

// Validate rejects out-of-range values.
func (c Config) Validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.ChunkMaxChars <= 0 {
		return fmt.Errorf("CHUNK_MAX_CHARS must be positive")
	}
	if c.ChunkMinChars < 0 || c.ChunkMinChars > c.ChunkMaxChars {
		return fmt.Errorf("CHUNK_MIN_CHARS must be between 0 and CHUNK_MAX_CHARS")
	}
	switch strings.ToLower(c.ChunkPreset) {
	case "default", "strict":
	default:
		return fmt.Errorf("CHUNK_PRESET must be default or strict, got %q", c.ChunkPreset)
	}
	if c.AudioSampleRate <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE must be positive")
	}
	if c.FrameQueueSize <= 0 {
		return fmt.Errorf("FRAME_QUEUE_SIZE must be positive")
	}
	switch c.FrameOverflowPolicy {
	case "drop_oldest", "block":
	default:
		return fmt.Errorf("FRAME_OVERFLOW_POLICY must be drop_oldest or block, got %q", c.FrameOverflowPolicy)
	}
	switch c.BusyPolicy {
	case "queue", "drop":
	default:
		return fmt.Errorf("BUSY_POLICY must be queue or drop, got %q", c.BusyPolicy)
	}
	if c.SynthesisConcurrency <= 0 {
		return fmt.Errorf("SYNTHESIS_CONCURRENCY must be positive")
	}
	if c.TranscriptionReconnects < 0 {
		return fmt.Errorf("TRANSCRIPTION_RECONNECTS must be >= 0")
	}
	if c.ElevenLabsMaxRetries < 0 {
		return fmt.Errorf("ELEVENLABS_MAX_RETRIES must be >= 0")
	}
	if c.GenerationTimeout <= 0 || c.SynthesisTimeout <= 0 || c.TranscriptionDialTimeout <= 0 {
		return fmt.Errorf("backend timeouts must be positive")
	}
	if c.ElevenLabsStability < 0 || c.ElevenLabsStability > 1 {
		return fmt.Errorf("ELEVENLABS_STABILITY must be within [0,1]")
	}
	if c.ElevenLabsSimilarity < 0 || c.ElevenLabsSimilarity > 1 {
		return fmt.Errorf("ELEVENLABS_SIMILARITY must be within [0,1]")
	}
	for name, mode := range map[string]string{
		"STT_PROVIDER": c.STTProvider,
		"LLM_PROVIDER": c.LLMProvider,
		"TTS_PROVIDER": c.TTSProvider,
	} {
		if strings.TrimSpace(mode) == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
