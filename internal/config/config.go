// Package config loads pipeline configuration from a YAML file with
// QUIETLOOP_-prefixed environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Scoring   ScoringConfig   `koanf:"scoring"`
	Safety    SafetyConfig    `koanf:"safety"`
	Cache     CacheConfig     `koanf:"cache"`
	Breaker   BreakerConfig   `koanf:"breaker"`
	Trace     TraceConfig     `koanf:"trace"`
	Providers ProvidersConfig `koanf:"providers"`
	Fallback  FallbackConfig  `koanf:"fallback"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type PipelineConfig struct {
	// OverallDeadline is the hard ceiling for one normal request.
	OverallDeadline time.Duration `koanf:"overall_deadline"`
	// CrisisDeadline is the separate budget reserved for the crisis path.
	CrisisDeadline time.Duration `koanf:"crisis_deadline"`
	// StoreReadTimeout bounds the trace window read inside the frame build.
	StoreReadTimeout time.Duration `koanf:"store_read_timeout"`
	// AppendTimeout bounds the best-effort trace append after a response.
	AppendTimeout time.Duration `koanf:"append_timeout"`
	// MaxMessageRunes rejects oversized input before it reaches providers.
	MaxMessageRunes int `koanf:"max_message_runes"`
}

// ScoringConfig holds the cognitive-load weights and tier thresholds.
// The weights are tunable; the formula's shape (bounded, deterministic,
// monotonic in each signal) is fixed in the frame builder.
type ScoringConfig struct {
	WindowMaxEvents int           `koanf:"window_max_events"`
	WindowMaxAge    time.Duration `koanf:"window_max_age"`

	// Timezone names the IANA zone the late-hour signal is evaluated in.
	// Scores must not depend on where the process happens to run.
	Timezone string `koanf:"timezone"`

	SwitchWeight    float64 `koanf:"switch_weight"`
	OverwhelmWeight float64 `koanf:"overwhelm_weight"`
	BreakWeight     float64 `koanf:"break_weight"`
	LateHourWeight  float64 `koanf:"late_hour_weight"`

	// Saturation points: the signal value at which each indicator reaches 1.0.
	SwitchSaturation    int           `koanf:"switch_saturation"`
	OverwhelmSaturation int           `koanf:"overwhelm_saturation"`
	BreakSaturation     time.Duration `koanf:"break_saturation"`
	ContextSaturation   int           `koanf:"context_saturation"`

	GentleBelow       float64 `koanf:"gentle_below"`
	MotivationalBelow float64 `koanf:"motivational_below"`
	SarcasticBelow    float64 `koanf:"sarcastic_below"`
}

type SafetyConfig struct {
	ResponseText string   `koanf:"response_text"`
	Resources    []string `koanf:"resources"`
	// ExtraTerms lets deployments extend the built-in crisis lexicon,
	// keyed by category.
	ExtraTerms map[string][]string `koanf:"extra_terms"`
}

type CacheConfig struct {
	TTL        time.Duration `koanf:"ttl"`
	MaxEntries int           `koanf:"max_entries"`
}

type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	CoolDown         time.Duration `koanf:"cool_down"`
}

type TraceConfig struct {
	Backend   string        `koanf:"backend"` // sqlite, memory
	Path      string        `koanf:"path"`
	Retention time.Duration `koanf:"retention"`
}

type ProvidersConfig struct {
	Primary   ProviderConfig `koanf:"primary"`
	Secondary ProviderConfig `koanf:"secondary"`
}

type ProviderConfig struct {
	Type            string        `koanf:"type"` // openai (remote or any openai-compatible base_url)
	APIKey          string        `koanf:"api_key"`
	BaseURL         string        `koanf:"base_url"`
	Model           string        `koanf:"model"`
	Timeout         time.Duration `koanf:"timeout"`
	MaxPromptTokens int           `koanf:"max_prompt_tokens"`
}

// FallbackConfig maps recommended tiers to canned responses. Entries here
// override the built-in defaults; all four tiers must resolve to non-empty
// text after merging.
type FallbackConfig struct {
	Gentle       string `koanf:"gentle"`
	Motivational string `koanf:"motivational"`
	Sarcastic    string `koanf:"sarcastic"`
	Urgent       string `koanf:"urgent"`
}

// Default returns the configuration used when a key is absent from both the
// file and the environment.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			RequestTimeout: 10 * time.Second,
		},
		Pipeline: PipelineConfig{
			OverallDeadline:  3 * time.Second,
			CrisisDeadline:   100 * time.Millisecond,
			StoreReadTimeout: 250 * time.Millisecond,
			AppendTimeout:    250 * time.Millisecond,
			MaxMessageRunes:  2000,
		},
		Scoring: ScoringConfig{
			WindowMaxEvents:     50,
			WindowMaxAge:        2 * time.Hour,
			Timezone:            "UTC",
			SwitchWeight:        0.25,
			OverwhelmWeight:     0.30,
			BreakWeight:         0.25,
			LateHourWeight:      0.20,
			SwitchSaturation:    8,
			OverwhelmSaturation: 3,
			BreakSaturation:     90 * time.Minute,
			ContextSaturation:   6,
			GentleBelow:         0.30,
			MotivationalBelow:   0.60,
			SarcasticBelow:      0.85,
		},
		Safety: SafetyConfig{
			ResponseText: "It sounds like you're going through something really hard right now. " +
				"You don't have to handle this alone, and talking to someone can help.",
			Resources: []string{
				"988 Suicide & Crisis Lifeline: call or text 988",
				"Crisis Text Line: text HOME to 741741",
			},
		},
		Cache: CacheConfig{
			TTL:        5 * time.Minute,
			MaxEntries: 1024,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			CoolDown:         30 * time.Second,
		},
		Trace: TraceConfig{
			Backend:   "sqlite",
			Path:      "quietloop.db",
			Retention: 24 * time.Hour,
		},
		Providers: ProvidersConfig{
			Primary: ProviderConfig{
				Type:            "openai",
				Model:           "gpt-4o-mini",
				Timeout:         1500 * time.Millisecond,
				MaxPromptTokens: 2048,
			},
			Secondary: ProviderConfig{
				Type:            "openai",
				BaseURL:         "http://localhost:11434/v1",
				Model:           "llama3.2",
				Timeout:         800 * time.Millisecond,
				MaxPromptTokens: 1024,
			},
		},
	}
}

// Load reads configuration from an optional YAML file, overlays QUIETLOOP_
// environment variables, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("QUIETLOOP_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "QUIETLOOP_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run safely with.
func (c *Config) Validate() error {
	if c.Pipeline.OverallDeadline <= 0 {
		return fmt.Errorf("pipeline.overall_deadline must be positive")
	}
	if c.Pipeline.CrisisDeadline <= 0 {
		return fmt.Errorf("pipeline.crisis_deadline must be positive")
	}
	if c.Pipeline.MaxMessageRunes <= 0 {
		return fmt.Errorf("pipeline.max_message_runes must be positive")
	}
	if c.Safety.ResponseText == "" {
		return fmt.Errorf("safety.response_text must not be empty")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if c.Breaker.CoolDown <= 0 {
		return fmt.Errorf("breaker.cool_down must be positive")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Scoring.WindowMaxEvents <= 0 || c.Scoring.WindowMaxAge <= 0 {
		return fmt.Errorf("scoring window bounds must be positive")
	}
	if c.Scoring.Timezone != "" {
		if _, err := time.LoadLocation(c.Scoring.Timezone); err != nil {
			return fmt.Errorf("scoring.timezone: %w", err)
		}
	}
	if c.Trace.Backend != "sqlite" && c.Trace.Backend != "memory" {
		return fmt.Errorf("trace.backend must be sqlite or memory, got %q", c.Trace.Backend)
	}
	if c.Trace.Backend == "sqlite" && c.Trace.Path == "" {
		return fmt.Errorf("trace.path required for sqlite backend")
	}
	return nil
}

// Location resolves the configured timezone. An empty or unloadable name
// falls back to UTC; Validate has already rejected bad names at load time.
func (s ScoringConfig) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Fingerprint returns a stable rendering of the scoring parameters. It is
// folded into every frame signature so cache keys change when tuning changes.
func (s ScoringConfig) Fingerprint() string {
	return fmt.Sprintf("w=%d/%s tz=%s sw=%.3f ow=%.3f bw=%.3f lw=%.3f sat=%d/%d/%s/%d th=%.2f/%.2f/%.2f",
		s.WindowMaxEvents, s.WindowMaxAge, s.Timezone,
		s.SwitchWeight, s.OverwhelmWeight, s.BreakWeight, s.LateHourWeight,
		s.SwitchSaturation, s.OverwhelmSaturation, s.BreakSaturation, s.ContextSaturation,
		s.GentleBelow, s.MotivationalBelow, s.SarcasticBelow)
}
