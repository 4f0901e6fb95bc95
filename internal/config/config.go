package config

import (
	"errors"
	"fmt"
	log "log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	cli "github.com/spf13/pflag"

	"github.com/chadiek/call-coach/internal/agent"
	"github.com/chadiek/call-coach/internal/audio"
	"github.com/chadiek/call-coach/internal/transcript"
	"github.com/chadiek/call-coach/internal/vad"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string
	LogLevel    string
	NoColor     bool

	// AuthPassword gates every session endpoint when set.
	AuthPassword    string
	RateLimitPerMin int
	ICEServersJSON  string

	TwilioAuthToken string
	// PublicURL is the externally reachable base URL, used for the Twilio
	// stream address and signature validation.
	PublicURL string

	LLMProvider string
	LLMAPIKey   string
	LLMBaseURL  string
	LLMModel    string

	STTAPIKey  string
	STTBaseURL string
	STTModel   string

	TTSProvider string
	TTSAPIKey   string
	TTSVoice    string

	SupabaseURL   string
	SupabaseKey   string
	SupabaseTable string
	RedisURL      string

	// HallucinationPhrases are transcripts treated as silence.
	HallucinationPhrases []string

	Session agent.Config
}

// Load reads the env file named by --env, then the environment, then flags.
// Flags win over the environment.
func Load(args []string) (Config, error) {
	fs := cli.NewFlagSet("call-coach", cli.ContinueOnError)
	envFile := fs.StringP("env", "e", ".env", "Env file path")
	addr := fs.StringP("addr", "a", "", "HTTP listen address (overrides HTTP_ADDRESS)")
	logLevel := fs.StringP("log", "l", "", "Log level: debug, info, warn, error")
	noColor := fs.Bool("no-color", false, "Disable colored logs")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := godotenv.Load(*envFile); err != nil {
		log.Debug("env file not loaded", "path", *envFile, "err", err)
	}

	var errs []error
	cfg := Config{
		HTTPAddress:     getenv("HTTP_ADDRESS", ":8080"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		NoColor:         os.Getenv("NO_COLOR") != "",
		AuthPassword:    os.Getenv("AUTH_PASSWORD"),
		RateLimitPerMin: intEnv("RATE_LIMIT_PER_MINUTE", 30, &errs),
		ICEServersJSON:  getenv("ICE_SERVERS_JSON", `[{"urls":["stun:stun.l.google.com:19302"]}]`),
		TwilioAuthToken: os.Getenv("TWILIO_AUTH_TOKEN"),
		PublicURL:       strings.TrimRight(os.Getenv("PUBLIC_URL"), "/"),

		LLMProvider: getenv("LLM_PROVIDER", "groq"),
		LLMAPIKey:   firstEnv("LLM_API_KEY", "GROQ_API_KEY"),
		LLMBaseURL:  os.Getenv("LLM_BASE_URL"),
		LLMModel:    getenv("LLM_MODEL", "llama-3.3-70b-versatile"),

		STTAPIKey:  firstEnv("STT_API_KEY", "GROQ_API_KEY"),
		STTBaseURL: getenv("STT_BASE_URL", transcript.DefaultBaseURL),
		STTModel:   getenv("STT_MODEL", transcript.DefaultModel),

		TTSProvider: getenv("TTS_PROVIDER", "elevenlabs"),
		TTSAPIKey:   firstEnv("TTS_API_KEY", "ELEVENLABS_API_KEY", "DEEPGRAM_API_KEY"),
		TTSVoice:    firstEnv("TTS_VOICE", "ELEVENLABS_VOICE_ID", "DEEPGRAM_MODEL"),

		SupabaseURL:   os.Getenv("SUPABASE_URL"),
		SupabaseKey:   os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseTable: getenv("SUPABASE_TABLE", "simulations"),
		RedisURL:      os.Getenv("REDIS_URL"),
	}

	s := agent.DefaultConfig()
	s.VAD = vad.Config{
		VolumeThreshold: floatEnv("VAD_VOLUME_THRESHOLD", s.VAD.VolumeThreshold, &errs),
		SilenceTimeout:  durationEnv("VAD_SILENCE_TIMEOUT", s.VAD.SilenceTimeout, &errs),
		MaxSegment:      durationEnv("VAD_MAX_SEGMENT", s.VAD.MaxSegment, &errs),
	}
	s.EvaluationInterval = durationEnv("VAD_EVAL_INTERVAL", s.EvaluationInterval, &errs)
	s.SegmentBufferSize = intEnv("SEGMENT_BUFFER_SIZE", s.SegmentBufferSize, &errs)
	s.SpeakingLockMargin = durationEnv("SPEAKING_LOCK_MARGIN", s.SpeakingLockMargin, &errs)
	s.HangUpGrace = durationEnv("HANGUP_GRACE", s.HangUpGrace, &errs)
	s.AdapterTimeout = durationEnv("ADAPTER_TIMEOUT", s.AdapterTimeout, &errs)
	s.MinTranscriptChars = intEnv("MIN_TRANSCRIPT_CHARS", s.MinTranscriptChars, &errs)
	s.Language = getenv("LANGUAGE", s.Language)
	s.Greeting = getenv("GREETING", s.Greeting)
	s.PresenceReply = getenv("PRESENCE_REPLY", s.PresenceReply)
	if enc := os.Getenv("INPUT_ENCODING"); enc != "" {
		s.InputFormat = audio.Format{
			Encoding:   audio.ParseEncoding(strings.ToLower(enc)),
			SampleRate: intEnv("INPUT_SAMPLE_RATE", 16000, &errs),
		}
	}
	if kws := listEnv("FAREWELL_KEYWORDS"); len(kws) > 0 {
		s.Reply.Farewells = kws
	}
	cfg.Session = s

	cfg.HallucinationPhrases = transcript.DefaultHallucinations
	if p := listEnv("HALLUCINATION_PHRASES"); len(p) > 0 {
		cfg.HallucinationPhrases = p
	}

	if *addr != "" {
		cfg.HTTPAddress = *addr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *noColor {
		cfg.NoColor = true
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Session.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.warnMissing()
	return cfg, nil
}

func (c Config) warnMissing() {
	if c.STTAPIKey == "" {
		log.Warn("STT_API_KEY not set - transcription will not work")
	}
	if c.LLMAPIKey == "" {
		log.Warn("LLM_API_KEY not set - generation and scoring will not work")
	}
	if c.TTSAPIKey == "" {
		log.Warn("TTS_API_KEY not set - synthesis will not work")
	}
	if c.TTSProvider == "elevenlabs" && c.TTSVoice == "" {
		log.Warn("TTS_VOICE not set - set a concrete voice ID from your ElevenLabs dashboard")
	}
	if c.AuthPassword == "" {
		log.Warn("AUTH_PASSWORD not set - session endpoints are open")
	}
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

// listEnv splits on "|" so phrases may contain commas.
func listEnv(key string) []string {
	raw := os.Getenv(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, "|") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intEnv(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		*errs = append(*errs, fmt.Errorf("%s: want a positive integer, got %q", key, v))
		return def
	}
	return n
}

func floatEnv(key string, def float64, errs *[]error) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		*errs = append(*errs, fmt.Errorf("%s: want a positive number, got %q", key, v))
		return def
	}
	return f
}

// durationEnv accepts Go durations ("800ms") or bare milliseconds ("800").
func durationEnv(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if ms, err := strconv.Atoi(v); err == nil {
		v = strconv.Itoa(ms) + "ms"
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Errorf("%s: want a positive duration, got %q", key, v))
		return def
	}
	return d
}
