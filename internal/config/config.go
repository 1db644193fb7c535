package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the Shiftline server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir       string
	HTTPPort      int
	PublicBaseURL string // externally reachable base URL used in carrier action/callback URLs
	LogLevel      string
	LogFormat     string // log output format: "text" or "json"

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Carrier REST API for creating outbound calls.
	CarrierBaseURL    string
	CarrierAccount    string
	CarrierAuthToken  string
	CarrierFromNumber string // caller ID presented on outbound calls

	// Speech providers.
	TTSURL   string
	STTURL   string
	VoiceID  string
	LangCode string // BCP-47 language for prompts, e.g. "en-AU"

	// Dialog tuning.
	MaxAttemptsPerField int
	GatherTimeoutSecs   int
	DialTimeoutSecs     int
	CallStateTTLSecs    int

	// Queue.
	HoldAvgCallSecs int

	// Outbound waves.
	WaveRounds      int
	WaveBackoffSecs string // comma-separated seconds per round, e.g. "0,900,2700"
	WaveConcurrency int

	// Operator SSE.
	SSEPollIntervalSecs int
	SSEKeepaliveSecs    int

	// Voice activity detection.
	VADSilenceMs       int
	VADEnergyThreshold int

	DefaultTransferNum string // global fallback representative number
	BlobSigningKey     string // secret for presigned blob GET tokens
	RecordMediaStreams bool   // record call audio during <Connect><Stream>
}

// defaults
const (
	defaultDataDir             = "./data"
	defaultHTTPPort            = 8080
	defaultLogLevel            = "info"
	defaultLogFormat           = "text"
	defaultRedisAddr           = "127.0.0.1:6379"
	defaultMaxAttemptsPerField = 2
	defaultGatherTimeoutSecs   = 15
	defaultDialTimeoutSecs     = 30
	defaultCallStateTTLSecs    = 3600
	defaultHoldAvgCallSecs     = 180
	defaultWaveRounds          = 3
	defaultWaveBackoffSecs     = "0,900,2700"
	defaultWaveConcurrency     = 2
	defaultSSEPollSecs         = 2
	defaultSSEKeepaliveSecs    = 15
	defaultVADSilenceMs        = 800
	defaultVADEnergyThreshold  = 1000
	defaultLangCode            = "en-AU"
	defaultVoiceID             = "Polly.Olivia"
)

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults. Env var names follow the
// deployment convention and carry no prefix (MAX_ATTEMPTS_PER_FIELD, ...).
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("shiftline", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the record database and blob storage")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.PublicBaseURL, "public-base-url", "", "externally reachable base URL for carrier callbacks (e.g. https://calls.example.com)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", defaultRedisAddr, "redis server address for the call state store")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	fs.StringVar(&cfg.CarrierBaseURL, "carrier-base-url", "", "carrier REST API base URL for outbound call creation")
	fs.StringVar(&cfg.CarrierAccount, "carrier-account", "", "carrier account identifier")
	fs.StringVar(&cfg.CarrierAuthToken, "carrier-auth-token", "", "carrier API auth token")
	fs.StringVar(&cfg.CarrierFromNumber, "carrier-from-number", "", "caller ID presented on outbound calls")
	fs.StringVar(&cfg.TTSURL, "tts-url", "", "text-to-speech provider endpoint")
	fs.StringVar(&cfg.STTURL, "stt-url", "", "speech-to-text provider endpoint")
	fs.StringVar(&cfg.VoiceID, "voice-id", defaultVoiceID, "TTS voice identifier")
	fs.StringVar(&cfg.LangCode, "lang", defaultLangCode, "default prompt language code")
	fs.IntVar(&cfg.MaxAttemptsPerField, "max-attempts-per-field", defaultMaxAttemptsPerField, "per-phase retry cap before apology and hangup")
	fs.IntVar(&cfg.GatherTimeoutSecs, "gather-timeout-secs", defaultGatherTimeoutSecs, "carrier Gather input timeout in seconds")
	fs.IntVar(&cfg.DialTimeoutSecs, "dial-timeout-secs", defaultDialTimeoutSecs, "outbound Dial answer timeout in seconds")
	fs.IntVar(&cfg.CallStateTTLSecs, "call-state-ttl-secs", defaultCallStateTTLSecs, "idle TTL for persisted call state in seconds")
	fs.IntVar(&cfg.HoldAvgCallSecs, "hold-avg-call-secs", defaultHoldAvgCallSecs, "average call seconds used for queue wait estimates")
	fs.IntVar(&cfg.WaveRounds, "wave-rounds", defaultWaveRounds, "maximum outbound dialing rounds per unfilled occurrence")
	fs.StringVar(&cfg.WaveBackoffSecs, "wave-backoff-secs", defaultWaveBackoffSecs, "comma-separated per-round delays in seconds")
	fs.IntVar(&cfg.WaveConcurrency, "wave-concurrency", defaultWaveConcurrency, "maximum waves dispatched simultaneously")
	fs.IntVar(&cfg.SSEPollIntervalSecs, "sse-poll-interval-secs", defaultSSEPollSecs, "operator SSE stream poll interval in seconds")
	fs.IntVar(&cfg.SSEKeepaliveSecs, "sse-keepalive-secs", defaultSSEKeepaliveSecs, "operator SSE keepalive comment interval in seconds")
	fs.IntVar(&cfg.VADSilenceMs, "vad-silence-ms", defaultVADSilenceMs, "trailing silence in ms that ends an utterance")
	fs.IntVar(&cfg.VADEnergyThreshold, "vad-energy-threshold", defaultVADEnergyThreshold, "mean absolute PCM amplitude treated as speech")
	fs.StringVar(&cfg.DefaultTransferNum, "default-transfer-number", "", "global fallback representative phone number")
	fs.StringVar(&cfg.BlobSigningKey, "blob-signing-key", "", "secret key for presigned recording/report URLs")
	fs.BoolVar(&cfg.RecordMediaStreams, "record-media-streams", true, "record call audio during media streams")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	str := func(flagName, envVar string, dst *string) {
		if set[flagName] {
			return
		}
		if val, ok := os.LookupEnv(envVar); ok && val != "" {
			*dst = val
		}
	}
	num := func(flagName, envVar string, dst *int) {
		if set[flagName] {
			return
		}
		if val, ok := os.LookupEnv(envVar); ok && val != "" {
			if v, err := strconv.Atoi(val); err == nil {
				*dst = v
			}
		}
	}

	str("data-dir", "DATA_DIR", &cfg.DataDir)
	num("http-port", "HTTP_PORT", &cfg.HTTPPort)
	str("public-base-url", "PUBLIC_BASE_URL", &cfg.PublicBaseURL)
	str("log-level", "LOG_LEVEL", &cfg.LogLevel)
	str("log-format", "LOG_FORMAT", &cfg.LogFormat)
	str("redis-addr", "REDIS_ADDR", &cfg.RedisAddr)
	str("redis-password", "REDIS_PASSWORD", &cfg.RedisPassword)
	num("redis-db", "REDIS_DB", &cfg.RedisDB)
	str("carrier-base-url", "CARRIER_BASE_URL", &cfg.CarrierBaseURL)
	str("carrier-account", "CARRIER_ACCOUNT", &cfg.CarrierAccount)
	str("carrier-auth-token", "CARRIER_AUTH_TOKEN", &cfg.CarrierAuthToken)
	str("carrier-from-number", "CARRIER_FROM_NUMBER", &cfg.CarrierFromNumber)
	str("tts-url", "TTS_URL", &cfg.TTSURL)
	str("stt-url", "STT_URL", &cfg.STTURL)
	str("voice-id", "VOICE_ID", &cfg.VoiceID)
	str("lang", "LANG_DEFAULT", &cfg.LangCode)
	num("max-attempts-per-field", "MAX_ATTEMPTS_PER_FIELD", &cfg.MaxAttemptsPerField)
	num("gather-timeout-secs", "GATHER_TIMEOUT_SECS", &cfg.GatherTimeoutSecs)
	num("dial-timeout-secs", "DIAL_TIMEOUT_SECS", &cfg.DialTimeoutSecs)
	num("call-state-ttl-secs", "CALL_STATE_TTL_SECS", &cfg.CallStateTTLSecs)
	num("hold-avg-call-secs", "HOLD_AVG_CALL_SECS", &cfg.HoldAvgCallSecs)
	num("wave-rounds", "WAVE_ROUNDS", &cfg.WaveRounds)
	str("wave-backoff-secs", "WAVE_BACKOFF_SECS", &cfg.WaveBackoffSecs)
	num("wave-concurrency", "WAVE_CONCURRENCY", &cfg.WaveConcurrency)
	num("sse-poll-interval-secs", "SSE_POLL_INTERVAL_SECS", &cfg.SSEPollIntervalSecs)
	num("sse-keepalive-secs", "SSE_KEEPALIVE_SECS", &cfg.SSEKeepaliveSecs)
	num("vad-silence-ms", "VAD_SILENCE_MS", &cfg.VADSilenceMs)
	num("vad-energy-threshold", "VAD_ENERGY_THRESHOLD", &cfg.VADEnergyThreshold)
	str("default-transfer-number", "DEFAULT_TRANSFER_NUMBER", &cfg.DefaultTransferNum)
	str("blob-signing-key", "BLOB_SIGNING_KEY", &cfg.BlobSigningKey)
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.MaxAttemptsPerField < 1 {
		return fmt.Errorf("max-attempts-per-field must be at least 1, got %d", c.MaxAttemptsPerField)
	}
	if c.GatherTimeoutSecs < 1 {
		return fmt.Errorf("gather-timeout-secs must be at least 1, got %d", c.GatherTimeoutSecs)
	}
	if c.DialTimeoutSecs < 1 {
		return fmt.Errorf("dial-timeout-secs must be at least 1, got %d", c.DialTimeoutSecs)
	}
	if c.CallStateTTLSecs < 60 {
		return fmt.Errorf("call-state-ttl-secs must be at least 60, got %d", c.CallStateTTLSecs)
	}
	if c.WaveRounds < 1 {
		return fmt.Errorf("wave-rounds must be at least 1, got %d", c.WaveRounds)
	}
	if c.WaveConcurrency < 1 {
		return fmt.Errorf("wave-concurrency must be at least 1, got %d", c.WaveConcurrency)
	}
	if _, err := c.WaveBackoff(); err != nil {
		return err
	}
	if c.SSEPollIntervalSecs < 1 {
		return fmt.Errorf("sse-poll-interval-secs must be at least 1, got %d", c.SSEPollIntervalSecs)
	}
	if c.VADSilenceMs < 100 {
		return fmt.Errorf("vad-silence-ms must be at least 100, got %d", c.VADSilenceMs)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// WaveBackoff parses the per-round delay schedule. The slice has one entry
// per round; rounds beyond the schedule reuse the last entry.
func (c *Config) WaveBackoff() ([]time.Duration, error) {
	parts := strings.Split(c.WaveBackoffSecs, ",")
	delays := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		secs, err := strconv.Atoi(p)
		if err != nil || secs < 0 {
			return nil, fmt.Errorf("wave-backoff-secs entry %q must be a non-negative integer", p)
		}
		delays = append(delays, time.Duration(secs)*time.Second)
	}
	if len(delays) == 0 {
		return nil, fmt.Errorf("wave-backoff-secs must list at least one delay")
	}
	return delays, nil
}

// GatherTimeout returns the carrier Gather timeout as a duration.
func (c *Config) GatherTimeout() time.Duration {
	return time.Duration(c.GatherTimeoutSecs) * time.Second
}

// CallStateTTL returns the idle TTL for persisted call state.
func (c *Config) CallStateTTL() time.Duration {
	return time.Duration(c.CallStateTTLSecs) * time.Second
}

// VADSilence returns the trailing-silence window that closes an utterance.
func (c *Config) VADSilence() time.Duration {
	return time.Duration(c.VADSilenceMs) * time.Millisecond
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
