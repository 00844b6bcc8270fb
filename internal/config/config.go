// Package config loads tabitha's configuration from ~/.tabitha/config.json,
// a local .env file, and environment overrides.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
	"go.uber.org/zap"
)

const (
	dirName    = ".tabitha"
	fileName   = "config.json"
	domainFile = "domains.yaml"
	filePerms  = 0o600
)

// Browser backends.
const (
	BrowserMemory = "memory"
	BrowserBridge = "bridge"
	BrowserCDP    = "cdp"
)

// Reranker modes.
const (
	RerankerLLM       = "llm"
	RerankerEmbedding = "embedding"
	RerankerOff       = "off"
)

// Duration is a time.Duration that reads and writes as "300ms", "2m", etc.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Bare numbers are milliseconds.
		var ms int64
		if err2 := json.Unmarshal(b, &ms); err2 != nil {
			return fmt.Errorf("invalid duration %s: %w", string(b), err)
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// GeminiConfig holds Gemini model settings.
type GeminiConfig struct {
	APIKey         string `json:"api_key,omitempty"`
	LLMModel       string `json:"llm_model,omitempty"`
	EmbeddingModel string `json:"embedding_model,omitempty"`
}

// Timings holds every timeout, TTL, and interval of the pipeline.
type Timings struct {
	IntentParseTimeout Duration `json:"intent_parse_timeout"`
	RerankTimeout      Duration `json:"rerank_timeout"`
	ResponseBudget     Duration `json:"response_budget"`
	SlowHint           Duration `json:"slow_hint"`
	RefreshThrottle    Duration `json:"refresh_throttle"`
	ReconcileInterval  Duration `json:"reconcile_interval"`
	WriteDebounce      Duration `json:"write_debounce"`
	AvailabilityTTL    Duration `json:"availability_ttl"`
	ContextTTL         Duration `json:"context_ttl"`
	TemplateTTL        Duration `json:"template_ttl"`
	SlotTTL            Duration `json:"slot_ttl"`
	IntentCacheTTL     Duration `json:"intent_cache_ttl"`
	InFlightTTL        Duration `json:"in_flight_ttl"`
}

// Config holds application configuration.
type Config struct {
	Gemini        GeminiConfig `json:"gemini,omitempty"`
	DataDir       string       `json:"data_dir,omitempty"`
	HTTPAddr      string       `json:"http_addr,omitempty"`
	Browser       string       `json:"browser,omitempty"`
	CDPURL        string       `json:"cdp_url,omitempty"`
	Reranker      string       `json:"reranker,omitempty"`
	Debug         bool         `json:"debug,omitempty"`
	TelemetryRate float64      `json:"telemetry_sample_rate,omitempty"`
	Timings       Timings      `json:"timings"`

	// Home is the directory the config was read from. Not persisted.
	Home string `json:"-"`
}

// DefaultTimings returns the pipeline's standard timings.
func DefaultTimings() Timings {
	return Timings{
		IntentParseTimeout: Duration(60 * time.Second),
		RerankTimeout:      Duration(60 * time.Second),
		ResponseBudget:     Duration(5 * time.Second),
		SlowHint:           Duration(1500 * time.Millisecond),
		RefreshThrottle:    Duration(2 * time.Second),
		ReconcileInterval:  Duration(2 * time.Minute),
		WriteDebounce:      Duration(300 * time.Millisecond),
		AvailabilityTTL:    Duration(60 * time.Second),
		ContextTTL:         Duration(30 * time.Second),
		TemplateTTL:        Duration(5 * time.Minute),
		SlotTTL:            Duration(5 * time.Minute),
		IntentCacheTTL:     Duration(30 * 24 * time.Hour),
		InFlightTTL:        Duration(30 * time.Second),
	}
}

// Default returns a config with every default applied, rooted at home.
func Default(home string) *Config {
	return &Config{
		Gemini: GeminiConfig{
			LLMModel:       "gemini-2.5-flash",
			EmbeddingModel: "gemini-embedding-001",
		},
		DataDir:       filepath.Join(home, "data"),
		HTTPAddr:      "127.0.0.1:7717",
		Browser:       BrowserMemory,
		CDPURL:        "",
		Reranker:      RerankerLLM,
		TelemetryRate: 0.05,
		Timings:       DefaultTimings(),
		Home:          home,
	}
}

// Dir returns the configuration directory: $TABITHA_HOME or ~/.tabitha.
func Dir() (string, error) {
	if home := os.Getenv("TABITHA_HOME"); home != "" {
		return home, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, dirName), nil
}

// DomainsPath returns the location of the user's domain alias file.
func (c *Config) DomainsPath() string {
	return filepath.Join(c.Home, domainFile)
}

// Load reads the configuration. A missing file yields defaults plus
// environment overrides.
func Load(logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// .env only fills variables that are not already set.
	_ = godotenv.Load()

	home, err := Dir()
	if err != nil {
		return nil, err
	}
	cfg := Default(home)

	configPath := filepath.Join(home, fileName)
	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		logger.Info("config file not found, using defaults and environment", zap.String("path", configPath))
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := parse(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
		}
		logger.Info("loaded config", zap.String("path", configPath))
	}

	cfg.applyEnv()
	cfg.fillDefaults()
	return cfg, nil
}

// parse decodes JSON with comments and trailing commas over cfg.
func parse(data []byte, cfg *Config) error {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fmt.Errorf("invalid JSONC: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(standardized))
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Gemini.APIKey = v
	}
	if v := os.Getenv("GEMINI_LLM_MODEL"); v != "" {
		c.Gemini.LLMModel = v
	}
	if v := os.Getenv("GEMINI_EMBEDDING_MODEL"); v != "" {
		c.Gemini.EmbeddingModel = v
	}
	if v := os.Getenv("TABITHA_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("TABITHA_HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("TABITHA_BROWSER"); v != "" {
		c.Browser = strings.ToLower(v)
	}
	if v := os.Getenv("TABITHA_CDP_URL"); v != "" {
		c.CDPURL = v
	}
	if v := os.Getenv("TABITHA_RERANKER"); v != "" {
		c.Reranker = strings.ToLower(v)
	}
	if v := os.Getenv("TABITHA_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Debug = b
		}
	}
}

// fillDefaults repairs zero or unknown values left by a partial file.
func (c *Config) fillDefaults() {
	def := Default(c.Home)
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.Gemini.LLMModel == "" {
		c.Gemini.LLMModel = def.Gemini.LLMModel
	}
	if c.Gemini.EmbeddingModel == "" {
		c.Gemini.EmbeddingModel = def.Gemini.EmbeddingModel
	}
	switch c.Browser {
	case BrowserMemory, BrowserBridge, BrowserCDP:
	default:
		c.Browser = def.Browser
	}
	switch c.Reranker {
	case RerankerLLM, RerankerEmbedding, RerankerOff:
	default:
		c.Reranker = def.Reranker
	}
	if c.TelemetryRate <= 0 || c.TelemetryRate > 1 {
		c.TelemetryRate = def.TelemetryRate
	}

	t, d := &c.Timings, def.Timings
	for _, pair := range []struct{ dst, src *Duration }{
		{&t.IntentParseTimeout, &d.IntentParseTimeout},
		{&t.RerankTimeout, &d.RerankTimeout},
		{&t.ResponseBudget, &d.ResponseBudget},
		{&t.SlowHint, &d.SlowHint},
		{&t.RefreshThrottle, &d.RefreshThrottle},
		{&t.ReconcileInterval, &d.ReconcileInterval},
		{&t.WriteDebounce, &d.WriteDebounce},
		{&t.AvailabilityTTL, &d.AvailabilityTTL},
		{&t.ContextTTL, &d.ContextTTL},
		{&t.TemplateTTL, &d.TemplateTTL},
		{&t.SlotTTL, &d.SlotTTL},
		{&t.IntentCacheTTL, &d.IntentCacheTTL},
		{&t.InFlightTTL, &d.InFlightTTL},
	} {
		if *pair.dst <= 0 {
			*pair.dst = *pair.src
		}
	}
}

// Save writes cfg to its home directory atomically.
func Save(cfg *Config, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	home := cfg.Home
	if home == "" {
		var err error
		if home, err = Dir(); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", home, err)
	}

	configPath := filepath.Join(home, fileName)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := atomic.WriteFile(configPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write config.json: %w", err)
	}
	// atomic.WriteFile doesn't set permissions for new files
	if err := os.Chmod(configPath, filePerms); err != nil {
		return fmt.Errorf("failed to set config permissions: %w", err)
	}

	logger.Info("saved config", zap.String("path", configPath))
	return nil
}
