package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

// MaxAttemptsCap is the hard upper bound on attempts per request.
const MaxAttemptsCap = 5

type Config struct {
	Tracker    Tracker    `yaml:"tracker"`
	Scraping   Scraping   `yaml:"scraping"`
	Transform  Transform  `yaml:"transform"`
	Checkpoint Checkpoint `yaml:"checkpoint"`
	Output     Output     `yaml:"output"`
	Logging    Logging    `yaml:"logging"`
	LLM        LLM        `yaml:"llm"`
	Server     Server     `yaml:"server"`
}

type Tracker struct {
	BaseURL   string   `yaml:"base_url"`
	Projects  []string `yaml:"projects"`
	Fields    []string `yaml:"fields"`
	UserAgent string   `yaml:"user_agent"`
}

type Scraping struct {
	PageSize            int           `yaml:"page_size"`
	RequestDelay        time.Duration `yaml:"request_delay"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	MaxAttempts         int           `yaml:"max_attempts"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	BackoffMultiplier   float64       `yaml:"backoff_multiplier"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	RateLimitCooldown   time.Duration `yaml:"rate_limit_cooldown"`
	MaxRateLimitWaits   int           `yaml:"max_rate_limit_waits"`
	MaxPoolConnections  int           `yaml:"max_pool_connections"`
	MaxRecordsPerSource int           `yaml:"max_records_per_source"`
}

type Transform struct {
	BodyFormat       string         `yaml:"body_format"`
	MaxContentLength int            `yaml:"max_content_length"`
	Summarization    Summarization  `yaml:"summarization"`
	Classification   Classification `yaml:"classification"`
	QA               QA             `yaml:"qa"`
}

type Summarization struct {
	Enabled     bool   `yaml:"enabled"`
	MaxComments int    `yaml:"max_comments"`
	Strategy    string `yaml:"strategy"`
}

type Classification struct {
	Enabled     bool `yaml:"enabled"`
	InputLength int  `yaml:"input_length"`
}

type QA struct {
	Enabled  bool `yaml:"enabled"`
	MaxPairs int  `yaml:"max_pairs"`
}

type Checkpoint struct {
	Dir       string `yaml:"dir"`
	Every     int    `yaml:"every"`
	MaxErrors int    `yaml:"max_errors"`
}

type Output struct {
	Dir     string `yaml:"dir"`
	DataDir string `yaml:"data_dir"`
}

type Logging struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type LLM struct {
	Provider    string `yaml:"provider"`
	Model       string `yaml:"model"`
	OllamaURL   string `yaml:"ollama_url"`
	OpenAIModel string `yaml:"openai_model"`
	APIKeyEnv   string `yaml:"api_key_env"`
	MaxTokens   int    `yaml:"max_tokens"`
}

type Server struct {
	Port int `yaml:"port"`
}

// ConfigDir returns the XDG config directory for issuecrawler.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "issuecrawler")
}

// DataDir returns the XDG data directory for issuecrawler.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "issuecrawler")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/issuecrawler/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'issuecrawler init' to create a default config",
		xdgConfig,
	)
}

// Load reads, parses and validates a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the built-in defaults without reading any file.
func Default() *Config {
	return &Config{
		Tracker: Tracker{
			BaseURL:   "https://issues.apache.org/jira",
			UserAgent: "IssueCrawler/1.0 (+training data export)",
		},
		Scraping: Scraping{
			PageSize:           50,
			RequestDelay:       500 * time.Millisecond,
			RequestTimeout:     30 * time.Second,
			MaxAttempts:        MaxAttemptsCap,
			BackoffBase:        2 * time.Second,
			BackoffMultiplier:  2.0,
			MaxBackoff:         60 * time.Second,
			RateLimitCooldown:  60 * time.Second,
			MaxRateLimitWaits:  10,
			MaxPoolConnections: 10,
		},
		Transform: Transform{
			BodyFormat:       "html",
			MaxContentLength: 5000,
			Summarization:    Summarization{Enabled: true, MaxComments: 5, Strategy: "extractive"},
			Classification:   Classification{Enabled: true, InputLength: 300},
			QA:               QA{Enabled: true, MaxPairs: 3},
		},
		Checkpoint: Checkpoint{
			Dir:       "data/checkpoints",
			Every:     10,
			MaxErrors: 100,
		},
		Output: Output{Dir: "data/processed"},
		Logging: Logging{
			Level: "info",
			File:  "logs/issuecrawler.log",
		},
		LLM: LLM{
			Provider:    "ollama",
			Model:       "qwen2.5:7b",
			OllamaURL:   "http://localhost:11434",
			OpenAIModel: "gpt-4o-mini",
			APIKeyEnv:   "OPENAI_API_KEY",
			MaxTokens:   256,
		},
		Server: Server{Port: 8000},
	}
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Tracker.BaseURL = strings.TrimRight(cfg.Tracker.BaseURL, "/")
	cfg.Tracker.Projects = NormalizeProjects(cfg.Tracker.Projects)
	return cfg, nil
}

// NormalizeProjects upper-cases and trims project keys, dropping blanks and
// repeats. Checkpoint and output file names derive from the result.
func NormalizeProjects(raw []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range raw {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// Validate checks required fields and numeric ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Tracker.BaseURL == "" {
		errs = append(errs, errors.New("tracker.base_url is required"))
	}
	if len(c.Tracker.Projects) == 0 {
		errs = append(errs, errors.New("tracker.projects must contain at least one project"))
	}
	for _, p := range c.Tracker.Projects {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, errors.New("tracker.projects contains an empty project key"))
			break
		}
	}

	s := c.Scraping
	if s.PageSize <= 0 {
		errs = append(errs, errors.New("scraping.page_size must be positive"))
	}
	if s.MaxAttempts < 1 || s.MaxAttempts > MaxAttemptsCap {
		errs = append(errs, fmt.Errorf("scraping.max_attempts must be between 1 and %d", MaxAttemptsCap))
	}
	if s.RequestDelay < 0 || s.BackoffBase < 0 || s.MaxBackoff < 0 || s.RateLimitCooldown < 0 {
		errs = append(errs, errors.New("scraping durations must not be negative"))
	}
	if s.RequestTimeout <= 0 {
		errs = append(errs, errors.New("scraping.request_timeout must be positive"))
	}
	if s.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("scraping.backoff_multiplier must be at least 1"))
	}
	if s.MaxPoolConnections <= 0 {
		errs = append(errs, errors.New("scraping.max_pool_connections must be positive"))
	}
	if s.MaxRecordsPerSource < 0 {
		errs = append(errs, errors.New("scraping.max_records_per_source must not be negative"))
	}

	t := c.Transform
	switch t.BodyFormat {
	case "html", "markdown", "text":
	default:
		errs = append(errs, fmt.Errorf("transform.body_format %q must be html, markdown or text", t.BodyFormat))
	}
	if t.MaxContentLength <= 0 {
		errs = append(errs, errors.New("transform.max_content_length must be positive"))
	}
	if t.Summarization.MaxComments < 0 {
		errs = append(errs, errors.New("transform.summarization.max_comments must not be negative"))
	}
	switch t.Summarization.Strategy {
	case "extractive", "llm":
	default:
		errs = append(errs, fmt.Errorf("transform.summarization.strategy %q must be extractive or llm", t.Summarization.Strategy))
	}
	if t.Classification.InputLength <= 0 {
		errs = append(errs, errors.New("transform.classification.input_length must be positive"))
	}
	if t.QA.MaxPairs < 1 || t.QA.MaxPairs > 3 {
		errs = append(errs, errors.New("transform.qa.max_pairs must be between 1 and 3"))
	}

	if c.Checkpoint.Dir == "" {
		errs = append(errs, errors.New("checkpoint.dir is required"))
	}
	if c.Checkpoint.Every <= 0 {
		errs = append(errs, errors.New("checkpoint.every must be positive"))
	}
	if c.Checkpoint.MaxErrors <= 0 {
		errs = append(errs, errors.New("checkpoint.max_errors must be positive"))
	}
	if c.Output.Dir == "" {
		errs = append(errs, errors.New("output.dir is required"))
	}
	return errors.Join(errs...)
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
