// Package config reads the service configuration from the environment, with
// an optional .env file loaded first.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultICEServers = `[{"urls":["stun:stun.l.google.com:19302"]}]`

// Config holds application configuration.
type Config struct {
	HTTPAddress string
	LogLevel    string
	LogPretty   bool

	Transcriber    string
	TranscriberURL string
	DeepgramKey    string
	AssemblyAIKey  string

	CerebrasKey     string
	CerebrasModelID string

	ElevenLabsKey     string
	ElevenLabsVoiceID string
	DeepgramTTSModel  string

	ResponderTimeout time.Duration
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	ReconnectRetries int

	ICEServersJSON string
	AuthPassword   string

	Store                  string
	RedisURL               string
	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseBucket         string

	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string
	BaseURL           string

	ScenariosFile string

	// Warnings lists missing or invalid settings that were defaulted.
	Warnings []string
}

// TwilioEnabled reports whether phone calls can be placed.
func (c Config) TwilioEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioPhoneNumber != ""
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	var warn []string
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		warn = append(warn, "error loading .env file: "+err.Error())
	}
	return FromEnv(os.Getenv, warn...)
}

// FromEnv builds a Config from getenv without touching .env files.
func FromEnv(getenv func(string) string, warnings ...string) Config {
	r := reader{getenv: getenv, warnings: warnings}

	cfg := Config{
		HTTPAddress: r.str("HTTP_ADDRESS", ":8080"),
		LogLevel:    r.str("LOG_LEVEL", "info"),
		LogPretty:   r.boolean("LOG_PRETTY", false),

		Transcriber:    strings.ToLower(r.str("TRANSCRIBER", "deepgram")),
		TranscriberURL: r.str("TRANSCRIBER_URL", ""),
		DeepgramKey:    r.str("DEEPGRAM_API_KEY", ""),
		AssemblyAIKey:  r.str("ASSEMBLYAI_API_KEY", ""),

		CerebrasKey:     r.str("CEREBRAS_API_KEY", ""),
		CerebrasModelID: r.str("CEREBRAS_MODEL_ID", "gpt-oss-120b"),

		ElevenLabsKey:     r.str("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID: r.str("ELEVENLABS_VOICE_ID", ""),
		DeepgramTTSModel:  r.str("DEEPGRAM_TTS_MODEL", "aura-2-thalia-en"),

		ResponderTimeout: r.duration("RESPONDER_TIMEOUT", 10*time.Second),
		ReconnectBase:    r.duration("RECONNECT_BASE", time.Second),
		ReconnectMax:     r.duration("RECONNECT_MAX", 8*time.Second),
		ReconnectRetries: r.integer("RECONNECT_RETRIES", 5),

		ICEServersJSON: r.str("ICE_SERVERS_JSON", defaultICEServers),
		AuthPassword:   r.str("AUTH_PASSWORD", ""),

		Store:                  strings.ToLower(r.str("STORE", "memory")),
		RedisURL:               r.str("REDIS_URL", ""),
		SupabaseURL:            r.str("SUPABASE_URL", ""),
		SupabaseServiceRoleKey: r.str("SUPABASE_SERVICE_ROLE_KEY", ""),
		SupabaseBucket:         r.str("SUPABASE_BUCKET", "call-transcripts"),

		TwilioAccountSID:  r.str("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:   r.str("TWILIO_AUTH_TOKEN", ""),
		TwilioPhoneNumber: r.str("TWILIO_PHONE_NUMBER", ""),
		BaseURL:           strings.TrimRight(r.str("BASE_URL", ""), "/"),

		ScenariosFile: r.str("SCENARIOS_FILE", ""),
	}

	switch cfg.Transcriber {
	case "relay":
		if cfg.TranscriberURL == "" {
			r.warn("TRANSCRIBER=relay but TRANSCRIBER_URL not set - transcription will not work")
		}
	case "deepgram":
		if cfg.DeepgramKey == "" {
			r.warn("DEEPGRAM_API_KEY not set - transcription will not work")
		}
	case "assemblyai":
		if cfg.AssemblyAIKey == "" {
			r.warn("ASSEMBLYAI_API_KEY not set - transcription will not work")
		}
	default:
		r.warn("unknown TRANSCRIBER " + cfg.Transcriber + " - transcription will not work")
	}
	if cfg.CerebrasKey == "" {
		r.warn("CEREBRAS_API_KEY not set - persona replies will use the fallback line")
	}
	if cfg.ElevenLabsKey == "" && cfg.DeepgramKey == "" {
		r.warn("neither ELEVENLABS_API_KEY nor DEEPGRAM_API_KEY set - replies will be text only")
	}
	if cfg.ElevenLabsKey != "" && cfg.ElevenLabsVoiceID == "" {
		r.warn("ELEVENLABS_VOICE_ID not set - set a concrete voice ID from your ElevenLabs dashboard")
	}
	switch cfg.Store {
	case "memory":
	case "redis":
		if cfg.RedisURL == "" {
			r.warn("STORE=redis but REDIS_URL not set")
		}
	case "supabase":
		if cfg.SupabaseURL == "" || cfg.SupabaseServiceRoleKey == "" {
			r.warn("STORE=supabase but SUPABASE_URL or SUPABASE_SERVICE_ROLE_KEY not set")
		}
	default:
		r.warn("unknown STORE " + cfg.Store + " - using memory")
		cfg.Store = "memory"
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		r.warn("RECONNECT_MAX below RECONNECT_BASE - using RECONNECT_BASE")
		cfg.ReconnectMax = cfg.ReconnectBase
	}
	if !cfg.TwilioEnabled() {
		r.warn("Twilio credentials not set - phone calls disabled")
	}

	cfg.Warnings = r.warnings
	return cfg
}

type reader struct {
	getenv   func(string) string
	warnings []string
}

func (r *reader) warn(msg string) { r.warnings = append(r.warnings, msg) }

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) boolean(key string, def bool) bool {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.warn(key + " is not a boolean - using default")
		return def
	}
	return b
}

func (r *reader) integer(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		r.warn(key + " is not a positive integer - using default")
		return def
	}
	return n
}

// duration accepts Go durations ("750ms") or whole milliseconds ("750").
func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		r.warn(key + " is not a valid duration - using default")
		return def
	}
	return d
}
