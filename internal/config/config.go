package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/panll/ensaid/pkg/vexation"
)

// DefaultPath is where the CLI looks for configuration.
const DefaultPath = ".panll/config.yaml"

// Config represents the runtime configuration from .panll/config.yaml.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Constraints ConstraintsConfig `yaml:"constraints"`
	Strictness  StrictnessConfig  `yaml:"strictness"`
	Vexation    VexationConfig    `yaml:"vexation"`
	Feedback    FeedbackConfig    `yaml:"feedback"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	Store       StoreConfig       `yaml:"store"`
	Provenance  ProvenanceConfig  `yaml:"provenance"`
	Inspector   InspectorConfig   `yaml:"inspector"`
}

// ConstraintsConfig locates the constraint profiles file.
type ConstraintsConfig struct {
	ProfilesPath  string `yaml:"profiles_path"`
	ActiveProfile string `yaml:"active_profile"`
	Watch         bool   `yaml:"watch"`
}

// StrictnessConfig defines when extra constraints kick in.
type StrictnessConfig struct {
	Threshold float64 `yaml:"threshold"` // 0 disables escalation
	Profile   string  `yaml:"profile"`
}

// VexationConfig holds the stress policy and tracker tuning.
type VexationConfig struct {
	vexation.Policy `yaml:",inline"`
	PruneEvery      int `yaml:"prune_every"`
}

// FeedbackConfig defines the feedback sink and the pool it forwards to.
type FeedbackConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	AckTimeout    time.Duration `yaml:"ack_timeout"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	Pool          string        `yaml:"pool"` // "log", "github", "nats", "webhook"
	GitHub        GitHubConfig  `yaml:"github"`
	NATS          NATSConfig    `yaml:"nats"`
	Webhook       WebhookConfig `yaml:"webhook"`
}

// GitHubConfig holds the GitHub issues pool settings.
type GitHubConfig struct {
	Token  string   `yaml:"token"`
	Owner  string   `yaml:"owner"`
	Repo   string   `yaml:"repo"`
	Labels []string `yaml:"labels"`
}

// NATSConfig holds the NATS pool settings.
type NATSConfig struct {
	URL     string        `yaml:"url"`
	Subject string        `yaml:"subject"`
	Timeout time.Duration `yaml:"timeout"`
}

// WebhookConfig holds the HTTP webhook pool settings.
type WebhookConfig struct {
	URL            string            `yaml:"url"`
	AllowedDomains []string          `yaml:"allowed_domains"`
	Headers        map[string]string `yaml:"headers"`
}

// SandboxConfig defines filesystem restrictions for runtime profile loads.
type SandboxConfig struct {
	AllowedPaths []string `yaml:"allowed_paths"`
	DeniedPaths  []string `yaml:"denied_paths"`
	MaxFileSize  string   `yaml:"max_file_size"`
	Extensions   []string `yaml:"extensions"`
}

// StoreConfig locates the bbolt state database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ProvenanceConfig locates the SQLite provenance log. Empty path disables it.
type ProvenanceConfig struct {
	Path string `yaml:"path"`
}

// InspectorConfig defines inspector HTTP settings.
type InspectorConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Pool names.
const (
	PoolLog     = "log"
	PoolGitHub  = "github"
	PoolNATS    = "nats"
	PoolWebhook = "webhook"
)

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Constraints: ConstraintsConfig{
			ProfilesPath:  ".panll/profiles.yaml",
			ActiveProfile: "default",
		},
		Strictness: StrictnessConfig{
			Threshold: 0.6,
			Profile:   "strict",
		},
		Vexation: VexationConfig{
			Policy:     vexation.DefaultPolicy(),
			PruneEvery: 64,
		},
		Feedback: FeedbackConfig{
			QueueSize:     256,
			AckTimeout:    2 * time.Second,
			SendTimeout:   10 * time.Second,
			RetryInterval: 5 * time.Second,
			RatePerSecond: 5,
			Burst:         5,
			Pool:          PoolLog,
			GitHub:        GitHubConfig{Labels: []string{"feedback"}},
			NATS:          NATSConfig{Subject: "panll.feedback", Timeout: 5 * time.Second},
		},
		Sandbox: SandboxConfig{
			AllowedPaths: []string{"."},
			DeniedPaths:  []string{"/etc", "/usr"},
			MaxFileSize:  "1MB",
			Extensions:   []string{".yaml", ".yml"},
		},
		Store: StoreConfig{
			Path: ".panll/state.db",
		},
		Provenance: ProvenanceConfig{
			Path: ".panll/provenance.db",
		},
		Inspector: InspectorConfig{
			Port: 4200,
		},
	}
}

// LoadConfig reads and parses a runtime config YAML file.
// Returns default config if the file doesn't exist.
// ${VAR} references are expanded from the environment before parsing.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal([]byte(interpolateEnvVars(string(data))), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings that cannot work.
func (c Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level: unknown level %q", c.LogLevel)
	}
	if c.Strictness.Threshold < 0 || c.Strictness.Threshold > 1 {
		return fmt.Errorf("strictness.threshold: %v is outside [0,1]", c.Strictness.Threshold)
	}
	for kind, w := range c.Vexation.Rejections {
		if w.Magnitude < 0 {
			return fmt.Errorf("vexation.rejections.%s: negative magnitude", kind)
		}
		if _, err := vexation.ParseHalfLifeClass(string(w.HalfLife)); err != nil {
			return fmt.Errorf("vexation.rejections.%s: %w", kind, err)
		}
	}
	switch c.Feedback.Pool {
	case PoolLog, "":
	case PoolGitHub:
		gh := c.Feedback.GitHub
		if gh.Token == "" || gh.Owner == "" || gh.Repo == "" {
			return fmt.Errorf("feedback.github: token, owner and repo are required")
		}
	case PoolNATS:
		if c.Feedback.NATS.URL == "" {
			return fmt.Errorf("feedback.nats: url is required")
		}
	case PoolWebhook:
		if c.Feedback.Webhook.URL == "" {
			return fmt.Errorf("feedback.webhook: url is required")
		}
	default:
		return fmt.Errorf("feedback.pool: unknown pool %q", c.Feedback.Pool)
	}
	return nil
}

// envVarPattern matches ${VAR_NAME} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match // Leave unresolved if not set.
	})
}
