package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all AIChat environment variables.
const EnvPrefix = "AICHAT_"

// Config holds all client configuration.
type Config struct {
	ServerURL      string `yaml:"server_url"`
	Voice          string `yaml:"voice"`
	MicSampleRate  int    `yaml:"mic_sample_rate"`
	MicSampleRates []int  `yaml:"mic_sample_rates"`
	FrameDuration  string `yaml:"frame_duration"`
	DialTimeout    string `yaml:"dial_timeout"`
	RevealCadence  string `yaml:"reveal_cadence"`
	PlaybackBuffer string `yaml:"playback_buffer"`
}

func defaults() Config {
	return Config{
		ServerURL:      "http://127.0.0.1:8000",
		Voice:          "zh-CN-XiaoxiaoNeural",
		MicSampleRate:  48000,
		MicSampleRates: []int{44100, 32000, 24000, 16000},
		FrameDuration:  "20ms",
		DialTimeout:    "10s",
		RevealCadence:  "120ms",
		PlaybackBuffer: "2s",
	}
}

// Load reads configuration from a YAML file (if it exists) and applies
// environment variable overrides. It returns the config, any validation
// warnings, and an error if the file exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// AudioWSURL returns the websocket URL of the session audio endpoint,
// derived from ServerURL with the scheme switched to ws/wss.
func (c *Config) AudioWSURL() (string, error) {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server_url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server_url scheme %q", u.Scheme)
	}
	u.Path = "/ws/audio"
	return u.String(), nil
}

// ParsedFrameDuration returns FrameDuration as a time.Duration,
// falling back to 20ms if the value is invalid.
func (c *Config) ParsedFrameDuration() time.Duration {
	return parsedOrDefault(c.FrameDuration, 20*time.Millisecond)
}

// ParsedDialTimeout returns DialTimeout as a time.Duration,
// falling back to 10s if the value is invalid.
func (c *Config) ParsedDialTimeout() time.Duration {
	return parsedOrDefault(c.DialTimeout, 10*time.Second)
}

// ParsedRevealCadence returns RevealCadence as a time.Duration,
// falling back to 120ms if the value is invalid.
func (c *Config) ParsedRevealCadence() time.Duration {
	return parsedOrDefault(c.RevealCadence, 120*time.Millisecond)
}

// ParsedPlaybackBuffer returns PlaybackBuffer as a time.Duration,
// falling back to 2s if the value is invalid.
func (c *Config) ParsedPlaybackBuffer() time.Duration {
	return parsedOrDefault(c.PlaybackBuffer, 2*time.Second)
}

func parsedOrDefault(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// SampleRateCandidates returns a deduplicated ordered list of sample rates
// to try: preferred rate first, then configured alternatives, then defaults.
func (c *Config) SampleRateCandidates() []int {
	hardcoded := []int{48000, 44100, 32000, 24000, 16000}

	combined := make([]int, 0, 1+len(c.MicSampleRates)+len(hardcoded))
	combined = append(combined, c.MicSampleRate)
	combined = append(combined, c.MicSampleRates...)
	combined = append(combined, hardcoded...)

	seen := make(map[int]struct{}, len(combined))
	result := make([]int, 0, len(combined))
	for _, rate := range combined {
		if rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}
	return result
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv(EnvPrefix + "VOICE"); v != "" {
		cfg.Voice = v
	}
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && rate > 0 {
			cfg.MicSampleRate = rate
		}
	}
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATES"); v != "" {
		cfg.MicSampleRates = parseSampleRates(v)
	}
	if v := os.Getenv(EnvPrefix + "FRAME_DURATION"); v != "" {
		cfg.FrameDuration = v
	}
	if v := os.Getenv(EnvPrefix + "DIAL_TIMEOUT"); v != "" {
		cfg.DialTimeout = v
	}
	if v := os.Getenv(EnvPrefix + "REVEAL_CADENCE"); v != "" {
		cfg.RevealCadence = v
	}
	if v := os.Getenv(EnvPrefix + "PLAYBACK_BUFFER"); v != "" {
		cfg.PlaybackBuffer = v
	}
}

func validate(cfg *Config) []string {
	var warnings []string

	if _, err := cfg.AudioWSURL(); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid server_url %q — sessions cannot be started. Set %sSERVER_URL.", cfg.ServerURL, EnvPrefix))
	}
	for _, field := range []struct{ name, raw string }{
		{"frame_duration", cfg.FrameDuration},
		{"dial_timeout", cfg.DialTimeout},
		{"reveal_cadence", cfg.RevealCadence},
		{"playback_buffer", cfg.PlaybackBuffer},
	} {
		if _, err := time.ParseDuration(field.raw); err != nil {
			warnings = append(warnings, fmt.Sprintf("Invalid %s %q — using built-in default.", field.name, field.raw))
		}
	}

	return warnings
}

func parseSampleRates(raw string) []int {
	parts := strings.Split(raw, ",")
	seen := make(map[int]struct{}, len(parts))
	result := make([]int, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		rate, err := strconv.Atoi(trimmed)
		if err != nil || rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}

	return result
}
