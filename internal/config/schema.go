package config

import "time"

// Config holds tome configuration.
// Stored at: {home}/config.yaml
type Config struct {
	Providers   map[string]ProviderCfg `mapstructure:"providers" yaml:"providers"`
	Defaults    DefaultsCfg            `mapstructure:"defaults" yaml:"defaults"`
	Segment     SegmentCfg             `mapstructure:"segment" yaml:"segment"`
	Expansion   ExpansionCfg           `mapstructure:"expansion" yaml:"expansion"`
	Structuring StructuringCfg         `mapstructure:"structuring" yaml:"structuring"`
	Resolution  ResolutionCfg          `mapstructure:"resolution" yaml:"resolution"`
	Typesetting TypesettingCfg         `mapstructure:"typesetting" yaml:"typesetting"`
	Extraction  ExtractionCfg          `mapstructure:"extraction" yaml:"extraction"`
	Events      EventsCfg              `mapstructure:"events" yaml:"events"`
	Storage     StorageCfg             `mapstructure:"storage" yaml:"storage"`
}

// ProviderCfg configures a generation service endpoint.
type ProviderCfg struct {
	Type           string `mapstructure:"type" yaml:"type"`         // "openai", "ollama", "mock"
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"` // Any OpenAI-compatible endpoint
	Model          string `mapstructure:"model" yaml:"model"`
	APIKey         string `mapstructure:"api_key" yaml:"api_key"`       // API key (supports ${ENV_VAR} syntax)
	RateLimit      int    `mapstructure:"rate_limit" yaml:"rate_limit"` // Requests per minute
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries" yaml:"max_retries"`
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
}

// DefaultsCfg specifies default provider selections.
type DefaultsCfg struct {
	Provider string `mapstructure:"provider" yaml:"provider"`
	Model    string `mapstructure:"model" yaml:"model"` // Overrides the provider's model when set
}

// SegmentCfg controls how manuscripts are split into units.
type SegmentCfg struct {
	MaxUnitChars int `mapstructure:"max_unit_chars" yaml:"max_unit_chars"`
}

// ExpansionCfg controls the per-unit plan/draft/review protocol.
type ExpansionCfg struct {
	TargetPages      int           `mapstructure:"target_pages" yaml:"target_pages"`
	CharsPerPage     int           `mapstructure:"chars_per_page" yaml:"chars_per_page"`
	MaxTargetChars   int           `mapstructure:"max_target_chars" yaml:"max_target_chars"`
	MaxRevisions     int           `mapstructure:"max_revisions" yaml:"max_revisions"`
	PlanAttempts     int           `mapstructure:"plan_attempts" yaml:"plan_attempts"`
	PlanBackoff      time.Duration `mapstructure:"plan_backoff" yaml:"plan_backoff"`
	DraftAttempts    int           `mapstructure:"draft_attempts" yaml:"draft_attempts"`
	DraftMaxTokens   int           `mapstructure:"draft_max_tokens" yaml:"draft_max_tokens"`
	RateLimitBackoff time.Duration `mapstructure:"rate_limit_backoff" yaml:"rate_limit_backoff"`
	Concurrency      int           `mapstructure:"concurrency" yaml:"concurrency"` // 0 derives from the model tier
	CallTimeout      time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
}

// StructuringCfg controls the typesetting phase's structuring pass.
type StructuringCfg struct {
	Concurrency     int `mapstructure:"concurrency" yaml:"concurrency"`
	CheckpointEvery int `mapstructure:"checkpoint_every" yaml:"checkpoint_every"`
	FallbackChars   int `mapstructure:"fallback_chars" yaml:"fallback_chars"`
}

// ResolutionCfg controls asset and diagram resolution.
type ResolutionCfg struct {
	Concurrency    int  `mapstructure:"concurrency" yaml:"concurrency"`
	MaxNewDiagrams int  `mapstructure:"max_new_diagrams" yaml:"max_new_diagrams"` // -1 is unlimited
	SkipImages     bool `mapstructure:"skip_images" yaml:"skip_images"`
}

// TypesettingCfg selects the rendering engine.
type TypesettingCfg struct {
	Engine       string    `mapstructure:"engine" yaml:"engine"` // "markdown" or "gotenberg"
	GotenbergURL string    `mapstructure:"gotenberg_url" yaml:"gotenberg_url"`
	Docker       DockerCfg `mapstructure:"docker" yaml:"docker"`
}

// DockerCfg holds the managed Gotenberg container configuration.
type DockerCfg struct {
	// Manage starts and stops the container with tome serve
	Manage bool `mapstructure:"manage" yaml:"manage"`
	// Image is the Docker image to use (default: gotenberg/gotenberg:8)
	Image string `mapstructure:"image" yaml:"image"`
	// ContainerName is the container name (default: derived from the home path)
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
	// HostPort is the host port to bind (default: 3000)
	HostPort string `mapstructure:"host_port" yaml:"host_port"`
}

// ExtractionCfg controls how input documents become manuscripts.
type ExtractionCfg struct {
	PDFTextCommand string `mapstructure:"pdf_text_command" yaml:"pdf_text_command"`
	ExtractImages  bool   `mapstructure:"extract_images" yaml:"extract_images"`
}

// EventsCfg controls progress event delivery.
type EventsCfg struct {
	QueueSize         int    `mapstructure:"queue_size" yaml:"queue_size"`
	NATSURL           string `mapstructure:"nats_url" yaml:"nats_url"` // Empty disables the bridge
	NATSSubjectPrefix string `mapstructure:"nats_subject_prefix" yaml:"nats_subject_prefix"`
}

// StorageCfg overrides where state is kept. Empty paths default under home.
type StorageCfg struct {
	DLQPath  string `mapstructure:"dlq_path" yaml:"dlq_path"`
	JobsPath string `mapstructure:"jobs_path" yaml:"jobs_path"`
	RunsDir  string `mapstructure:"runs_dir" yaml:"runs_dir"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Providers: map[string]ProviderCfg{
			"openai": {
				Type:           "openai",
				Model:          "gpt-4o-mini",
				APIKey:         "${OPENAI_API_KEY}",
				RateLimit:      150,
				TimeoutSeconds: 1800,
				Enabled:        true,
			},
			"gemini": {
				Type:           "openai",
				BaseURL:        "https://generativelanguage.googleapis.com/v1beta/openai/",
				Model:          "gemini-2.5-flash",
				APIKey:         "${GEMINI_API_KEY}",
				RateLimit:      300,
				TimeoutSeconds: 1800,
				Enabled:        true,
			},
		},
		Defaults: DefaultsCfg{
			Provider: "gemini",
		},
		Segment: SegmentCfg{
			MaxUnitChars: 4000,
		},
		Expansion: ExpansionCfg{
			TargetPages:      600,
			CharsPerPage:     3000,
			MaxTargetChars:   22000,
			MaxRevisions:     3,
			PlanAttempts:     5,
			PlanBackoff:      30 * time.Second,
			DraftAttempts:    3,
			DraftMaxTokens:   8192,
			RateLimitBackoff: 5 * time.Second,
			CallTimeout:      1800 * time.Second,
		},
		Structuring: StructuringCfg{
			Concurrency:     20,
			CheckpointEvery: 50,
			FallbackChars:   2000,
		},
		Resolution: ResolutionCfg{
			Concurrency:    4,
			MaxNewDiagrams: -1,
		},
		Typesetting: TypesettingCfg{
			Engine: "markdown",
			Docker: DockerCfg{
				Image:    "gotenberg/gotenberg:8",
				HostPort: "3000",
			},
		},
		Extraction: ExtractionCfg{
			PDFTextCommand: "pdftotext -layout {input} {output}",
			ExtractImages:  true,
		},
		Events: EventsCfg{
			QueueSize:         100,
			NATSSubjectPrefix: "tome.jobs",
		},
	}
}

// GetProvider returns a provider config by name.
func (c *Config) GetProvider(name string) (ProviderCfg, bool) {
	cfg, ok := c.Providers[name]
	return cfg, ok
}

// EnabledProviders returns all enabled providers.
func (c *Config) EnabledProviders() map[string]ProviderCfg {
	result := make(map[string]ProviderCfg)
	for name, cfg := range c.Providers {
		if cfg.Enabled {
			result[name] = cfg
		}
	}
	return result
}

// ModelFor returns the model a run on provider uses when none is requested.
func (c *Config) ModelFor(provider string) string {
	if c.Defaults.Model != "" {
		return c.Defaults.Model
	}
	if p, ok := c.Providers[provider]; ok {
		return p.Model
	}
	return ""
}
