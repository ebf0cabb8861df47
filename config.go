package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EndpointSpec names one chat-completion endpoint in fallback priority
// order. Kind selects the wire client: "openai" hits an OpenAI-compatible
// /chat/completions URL (including local servers via base_url), "anthropic"
// uses the Anthropic SDK.
type EndpointSpec struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

type GatewayConfig struct {
	Endpoints             []EndpointSpec `yaml:"endpoints"`
	RequestTimeoutSeconds int            `yaml:"request_timeout_seconds"`
	MaxRetries            int            `yaml:"max_retries"`
	InitialBackoffMillis  int            `yaml:"initial_backoff_ms"`
	FormatRetries         int            `yaml:"format_retries"`
	BreakerThreshold      int            `yaml:"breaker_threshold"`
	BreakerCooldownSecs   int            `yaml:"breaker_cooldown_seconds"`
	PromptVersion         string         `yaml:"prompt_version"`
}

type CacheConfig struct {
	Enabled  bool `yaml:"enabled"`
	TTLHours int  `yaml:"ttl_hours"`
}

type ClassifierConfig struct {
	Concurrency        int     `yaml:"concurrency"`
	RateIntervalMillis int     `yaml:"rate_interval_ms"`
	LowConfThreshold   float64 `yaml:"low_conf_threshold"`
	HintCount          int     `yaml:"hint_count"`
	ExampleCount       int     `yaml:"example_count"`
	ExampleMaxChars    int     `yaml:"example_max_chars"`
	CorrectionCount    int     `yaml:"correction_count"`
}

type AugmenterConfig struct {
	VariantsPerSample   int  `yaml:"variants_per_sample"`
	Concurrency         int  `yaml:"concurrency"`
	RateIntervalMillis  int  `yaml:"rate_interval_ms"`
	BalanceDomains      bool `yaml:"balance_domains"`
	MaxSamplesPerDomain int  `yaml:"max_samples_per_domain"`
}

type QualityConfig struct {
	MinCosineSimilarity float64 `yaml:"min_cosine_similarity"`
	MaxCosineSimilarity float64 `yaml:"max_cosine_similarity"`
	MinEditDistance     int     `yaml:"min_edit_distance"`
	MaxEditRatio        float64 `yaml:"max_edit_ratio"`
	RelabelSynthetic    bool    `yaml:"relabel_synthetic"`
}

type ReviewConfig struct {
	CriticalThreshold    float64 `yaml:"critical_threshold"`
	HighThreshold        float64 `yaml:"high_threshold"`
	MediumThreshold      float64 `yaml:"medium_threshold"`
	AutoApproveThreshold float64 `yaml:"auto_approve_threshold"`
	MaxQueueSize         int     `yaml:"max_queue_size"`
}

type WriterConfig struct {
	OutputDir           string  `yaml:"output_dir"`
	EvalFraction        float64 `yaml:"eval_fraction"`
	MinEvalSamples      int     `yaml:"min_eval_samples"`
	MinSamplesPerDomain int     `yaml:"min_samples_per_domain"`
	BalanceDomains      bool    `yaml:"balance_domains"`
	MaxSamplesPerDomain int     `yaml:"max_samples_per_domain"`
	MinTextLength       int     `yaml:"min_text_length"`
	MaxTextLength       int     `yaml:"max_text_length"`
}

type StoreConfig struct {
	Dir            string   `yaml:"dir"`
	MaxVersions    int      `yaml:"max_versions"`
	AutoArchiveOld bool     `yaml:"auto_archive_old"`
	ProtectedTags  []string `yaml:"protected_tags"`
	Increment      string   `yaml:"increment"`
}

type Config struct {
	DBPath       string `yaml:"db_path"`
	TaxonomyPath string `yaml:"taxonomy_path"`
	InputPath    string `yaml:"input_path"`
	RunSchedule  string `yaml:"run_schedule"`
	CreatedBy    string `yaml:"created_by"`

	Gateway    GatewayConfig    `yaml:"gateway"`
	Cache      CacheConfig      `yaml:"cache"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Augmenter  AugmenterConfig  `yaml:"augmenter"`
	Quality    QualityConfig    `yaml:"quality"`
	Review     ReviewConfig     `yaml:"review"`
	Writer     WriterConfig     `yaml:"writer"`
	Store      StoreConfig      `yaml:"store"`
}

func (g GatewayConfig) RequestTimeout() time.Duration {
	return time.Duration(g.RequestTimeoutSeconds) * time.Second
}

func (g GatewayConfig) InitialBackoff() time.Duration {
	return time.Duration(g.InitialBackoffMillis) * time.Millisecond
}

func (g GatewayConfig) BreakerCooldown() time.Duration {
	return time.Duration(g.BreakerCooldownSecs) * time.Second
}

func (c ClassifierConfig) RateInterval() time.Duration {
	return time.Duration(c.RateIntervalMillis) * time.Millisecond
}

func (a AugmenterConfig) RateInterval() time.Duration {
	return time.Duration(a.RateIntervalMillis) * time.Millisecond
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// LoadConfig reads the YAML config, applies env-var overrides and defaults,
// and validates every field range. Invalid configuration is rejected here,
// never at first use.
func LoadConfig() (Config, error) {
	var cfg Config

	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", configPath, err)
		}
	}

	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.TaxonomyPath, "TAXONOMY_PATH")
	envOverride(&cfg.InputPath, "INPUT_PATH")
	envOverride(&cfg.RunSchedule, "RUN_SCHEDULE")
	envOverride(&cfg.Writer.OutputDir, "OUTPUT_DIR")
	envOverride(&cfg.Store.Dir, "STORE_DIR")
	if err := envOverrideInt(&cfg.Classifier.Concurrency, "CLASSIFIER_CONCURRENCY"); err != nil {
		return cfg, err
	}
	if err := envOverrideInt(&cfg.Augmenter.Concurrency, "AUGMENTER_CONCURRENCY"); err != nil {
		return cfg, err
	}
	// API keys are usually supplied via env, applied per endpoint kind.
	for i := range cfg.Gateway.Endpoints {
		ep := &cfg.Gateway.Endpoints[i]
		if ep.APIKey != "" {
			continue
		}
		switch ep.Kind {
		case "anthropic":
			ep.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			ep.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "./labelbot.db"
	}
	if c.CreatedBy == "" {
		c.CreatedBy = "labelbot"
	}

	g := &c.Gateway
	if g.RequestTimeoutSeconds == 0 {
		g.RequestTimeoutSeconds = 30
	}
	if g.MaxRetries == 0 {
		g.MaxRetries = 3
	}
	if g.InitialBackoffMillis == 0 {
		g.InitialBackoffMillis = 500
	}
	if g.FormatRetries == 0 {
		g.FormatRetries = 2
	}
	if g.BreakerThreshold == 0 {
		g.BreakerThreshold = 5
	}
	if g.BreakerCooldownSecs == 0 {
		g.BreakerCooldownSecs = 60
	}
	if g.PromptVersion == "" {
		g.PromptVersion = "v1"
	}

	if c.Cache.TTLHours == 0 {
		c.Cache.TTLHours = 24
		c.Cache.Enabled = true
	}

	cl := &c.Classifier
	if cl.Concurrency == 0 {
		cl.Concurrency = 8
	}
	if cl.RateIntervalMillis == 0 {
		cl.RateIntervalMillis = 400
	}
	if cl.LowConfThreshold == 0 {
		cl.LowConfThreshold = 0.5
	}
	if cl.HintCount == 0 {
		cl.HintCount = 3
	}
	if cl.ExampleCount == 0 {
		cl.ExampleCount = 20
	}
	if cl.ExampleMaxChars == 0 {
		cl.ExampleMaxChars = 140
	}
	if cl.CorrectionCount == 0 {
		cl.CorrectionCount = 20
	}

	a := &c.Augmenter
	if a.VariantsPerSample == 0 {
		a.VariantsPerSample = 3
	}
	if a.Concurrency == 0 {
		a.Concurrency = 8
	}
	if a.RateIntervalMillis == 0 {
		a.RateIntervalMillis = 100
	}
	if a.MaxSamplesPerDomain == 0 {
		a.MaxSamplesPerDomain = 30
	}

	q := &c.Quality
	if q.MinCosineSimilarity == 0 {
		q.MinCosineSimilarity = 0.30
	}
	if q.MaxCosineSimilarity == 0 {
		q.MaxCosineSimilarity = 0.95
	}
	if q.MinEditDistance == 0 {
		q.MinEditDistance = 3
	}
	if q.MaxEditRatio == 0 {
		q.MaxEditRatio = 0.80
		q.RelabelSynthetic = true
	}

	r := &c.Review
	if r.CriticalThreshold == 0 {
		r.CriticalThreshold = 0.3
	}
	if r.HighThreshold == 0 {
		r.HighThreshold = 0.5
	}
	if r.MediumThreshold == 0 {
		r.MediumThreshold = 0.7
	}
	if r.AutoApproveThreshold == 0 {
		r.AutoApproveThreshold = 0.95
	}
	if r.MaxQueueSize == 0 {
		r.MaxQueueSize = 10000
	}

	w := &c.Writer
	if w.OutputDir == "" {
		w.OutputDir = "./datasets"
	}
	if w.EvalFraction == 0 {
		w.EvalFraction = 0.1
	}
	if w.MinEvalSamples == 0 {
		w.MinEvalSamples = 50
	}
	if w.MinSamplesPerDomain == 0 {
		w.MinSamplesPerDomain = 5
	}
	if w.MinTextLength == 0 {
		w.MinTextLength = 3
	}
	if w.MaxTextLength == 0 {
		w.MaxTextLength = 5000
	}

	s := &c.Store
	if s.Dir == "" {
		s.Dir = "./storage"
	}
	if s.MaxVersions == 0 {
		s.MaxVersions = 100
		s.AutoArchiveOld = true
	}
	if s.Increment == "" {
		s.Increment = "minor"
	}
	if s.ProtectedTags == nil {
		s.ProtectedTags = []string{"production"}
	}
}

// Validate enforces field ranges across all component sections.
func (c *Config) Validate() error {
	g := c.Gateway
	if len(g.Endpoints) == 0 {
		return fmt.Errorf("gateway: at least one endpoint is required")
	}
	for i, ep := range g.Endpoints {
		switch ep.Kind {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("gateway endpoint %d: kind must be 'openai' or 'anthropic', got %q", i, ep.Kind)
		}
		if ep.Model == "" {
			return fmt.Errorf("gateway endpoint %d (%s): model is required", i, ep.Name)
		}
	}
	if g.MaxRetries < 1 {
		return fmt.Errorf("gateway: max_retries must be >= 1, got %d", g.MaxRetries)
	}
	if g.BreakerThreshold < 1 {
		return fmt.Errorf("gateway: breaker_threshold must be >= 1, got %d", g.BreakerThreshold)
	}

	if c.Cache.TTLHours < 1 {
		return fmt.Errorf("cache: ttl_hours must be >= 1, got %d", c.Cache.TTLHours)
	}

	cl := c.Classifier
	if cl.Concurrency < 1 || cl.Concurrency > 64 {
		return fmt.Errorf("classifier: concurrency must be in [1,64], got %d", cl.Concurrency)
	}
	if cl.LowConfThreshold < 0 || cl.LowConfThreshold > 1 {
		return fmt.Errorf("classifier: low_conf_threshold must be in [0,1], got %f", cl.LowConfThreshold)
	}

	a := c.Augmenter
	if a.VariantsPerSample < 1 || a.VariantsPerSample > 10 {
		return fmt.Errorf("augmenter: variants_per_sample must be in [1,10], got %d", a.VariantsPerSample)
	}
	if a.Concurrency < 1 || a.Concurrency > 64 {
		return fmt.Errorf("augmenter: concurrency must be in [1,64], got %d", a.Concurrency)
	}
	if a.MaxSamplesPerDomain < 1 {
		return fmt.Errorf("augmenter: max_samples_per_domain must be >= 1, got %d", a.MaxSamplesPerDomain)
	}

	q := c.Quality
	if q.MinCosineSimilarity < 0 || q.MinCosineSimilarity > 1 {
		return fmt.Errorf("quality: min_cosine_similarity must be in [0,1], got %f", q.MinCosineSimilarity)
	}
	if q.MaxCosineSimilarity < 0 || q.MaxCosineSimilarity > 1 {
		return fmt.Errorf("quality: max_cosine_similarity must be in [0,1], got %f", q.MaxCosineSimilarity)
	}
	if q.MinCosineSimilarity >= q.MaxCosineSimilarity {
		return fmt.Errorf("quality: min_cosine_similarity %f must be below max_cosine_similarity %f",
			q.MinCosineSimilarity, q.MaxCosineSimilarity)
	}
	if q.MinEditDistance < 1 {
		return fmt.Errorf("quality: min_edit_distance must be >= 1, got %d", q.MinEditDistance)
	}
	if q.MaxEditRatio <= 0 || q.MaxEditRatio > 1 {
		return fmt.Errorf("quality: max_edit_ratio must be in (0,1], got %f", q.MaxEditRatio)
	}

	r := c.Review
	if !(r.CriticalThreshold <= r.HighThreshold && r.HighThreshold <= r.MediumThreshold) {
		return fmt.Errorf("review: thresholds must be ordered critical <= high <= medium, got %f/%f/%f",
			r.CriticalThreshold, r.HighThreshold, r.MediumThreshold)
	}
	if r.MaxQueueSize < 1 {
		return fmt.Errorf("review: max_queue_size must be >= 1, got %d", r.MaxQueueSize)
	}

	w := c.Writer
	if w.EvalFraction <= 0 || w.EvalFraction > 0.5 {
		return fmt.Errorf("writer: eval_fraction must be in (0,0.5], got %f", w.EvalFraction)
	}
	if w.MinEvalSamples < 1 {
		return fmt.Errorf("writer: min_eval_samples must be >= 1, got %d", w.MinEvalSamples)
	}
	if w.MinSamplesPerDomain < 1 {
		return fmt.Errorf("writer: min_samples_per_domain must be >= 1, got %d", w.MinSamplesPerDomain)
	}
	if w.MinTextLength < 1 {
		return fmt.Errorf("writer: min_text_length must be >= 1, got %d", w.MinTextLength)
	}
	if w.MaxTextLength <= w.MinTextLength {
		return fmt.Errorf("writer: max_text_length %d must exceed min_text_length %d", w.MaxTextLength, w.MinTextLength)
	}
	if w.BalanceDomains && w.MaxSamplesPerDomain < 1 {
		return fmt.Errorf("writer: max_samples_per_domain must be >= 1 when balance_domains is set")
	}

	s := c.Store
	if s.MaxVersions < 1 {
		return fmt.Errorf("store: max_versions must be >= 1, got %d", s.MaxVersions)
	}
	switch s.Increment {
	case "major", "minor", "patch":
	default:
		return fmt.Errorf("store: increment must be major, minor or patch, got %q", s.Increment)
	}

	return nil
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}
