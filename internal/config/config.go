package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AttemptEntry configures one rung of the engine retry ladder.
type AttemptEntry struct {
	// Label names the attempt in logs ("primary", "retry", "fallback").
	Label string `yaml:"label"`
	// Model overrides the engine's default model for this attempt. Empty keeps the default.
	Model string `yaml:"model"`
	// TimeoutSeconds bounds the attempt. 0 uses engine.turn_timeout_seconds.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// AllowPrompts lets the engine surface permission prompts on this attempt.
	AllowPrompts bool `yaml:"allow_prompts"`
}

// EngineConfig configures the external conversational agent engine.
type EngineConfig struct {
	// Binary is the engine executable name or path.
	Binary string `yaml:"binary"`
	// Args are extra arguments prepended to every invocation.
	Args []string `yaml:"args"`
	// Model is the default model for the primary attempts.
	Model string `yaml:"model"`
	// FallbackModel is used by the last ladder rung when Attempts is not set.
	FallbackModel string `yaml:"fallback_model"`
	// TurnTimeoutSeconds bounds a single attempt. Default 300.
	TurnTimeoutSeconds int `yaml:"turn_timeout_seconds"`
	// Attempts overrides the default three-rung ladder.
	Attempts []AttemptEntry `yaml:"attempts"`
	// WorkDir is the engine's working directory. Empty uses the valet home.
	WorkDir string `yaml:"work_dir"`
}

// AgentKindConfig defines a named background agent kind that jobs can spawn.
type AgentKindConfig struct {
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args"`
	// WorkDir is the process working directory. Empty uses the valet home.
	WorkDir string `yaml:"work_dir"`
}

// JobsConfig configures background job supervision.
type JobsConfig struct {
	// OutputTailBytes caps retained job output; older output is dropped. Default 65536.
	OutputTailBytes int `yaml:"output_tail_bytes"`
	// Kinds maps an agent kind name to its launch configuration.
	Kinds map[string]AgentKindConfig `yaml:"kinds"`
}

// ApprovalConfig configures the tool permission broker.
type ApprovalConfig struct {
	// TimeoutSeconds before a pending request is auto-denied. Default 120.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// AllowedTools are auto-approved without asking (read-only tools by default).
	AllowedTools []string `yaml:"allowed_tools"`
	// AutoAllowPrefixes auto-approve any tool whose name carries one of these prefixes.
	AutoAllowPrefixes []string `yaml:"auto_allow_prefixes"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// OtelConfig configures trace/metric export.
type OtelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "otlp-http", "stdout", "none"
	Endpoint string `yaml:"endpoint"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel            string `yaml:"log_level"`
	DrainTimeoutSeconds int    `yaml:"drain_timeout_seconds"`

	Engine   EngineConfig   `yaml:"engine"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Approval ApprovalConfig `yaml:"approval"`
	Channels ChannelsConfig `yaml:"channels"`
	Otel     OtelConfig     `yaml:"otel"`

	// Instructions holds the contents of ~/.valet/INSTRUCTIONS.md, passed to the
	// engine as the system prompt appendix.
	Instructions string `yaml:"-"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|engine=%s|model=%s|fallback=%s|timeout=%d|tail=%d|approval=%d",
		c.LogLevel, c.Engine.Binary, c.Engine.Model, c.Engine.FallbackModel,
		c.Engine.TurnTimeoutSeconds, c.Jobs.OutputTailBytes, c.Approval.TimeoutSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// AttemptLadder returns the configured retry ladder, or the default three rungs:
// primary with prompts, silent retry, then the fallback model.
func (c Config) AttemptLadder() []AttemptEntry {
	if len(c.Engine.Attempts) > 0 {
		return c.Engine.Attempts
	}
	fallback := c.Engine.FallbackModel
	if fallback == "" {
		fallback = c.Engine.Model
	}
	return []AttemptEntry{
		{Label: "primary", Model: c.Engine.Model, AllowPrompts: true},
		{Label: "retry", Model: c.Engine.Model, AllowPrompts: false},
		{Label: "fallback", Model: fallback, AllowPrompts: false},
	}
}

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		Engine: EngineConfig{
			Binary:             "claude",
			TurnTimeoutSeconds: int((5 * time.Minute).Seconds()),
		},
		Jobs: JobsConfig{
			OutputTailBytes: 64 * 1024,
		},
		Approval: ApprovalConfig{
			TimeoutSeconds: 120,
			AllowedTools:   []string{"Read", "Glob", "Grep", "WebFetch", "WebSearch"},
			AutoAllowPrefixes: []string{
				"mcp__valet__",
			},
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("VALET_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".valet")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create valet home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadTextFiles(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if strings.TrimSpace(cfg.Engine.Binary) == "" {
		cfg.Engine.Binary = "claude"
	}
	if cfg.Engine.TurnTimeoutSeconds <= 0 {
		cfg.Engine.TurnTimeoutSeconds = int((5 * time.Minute).Seconds())
	}
	if cfg.Jobs.OutputTailBytes <= 0 {
		cfg.Jobs.OutputTailBytes = 64 * 1024
	}
	if cfg.Approval.TimeoutSeconds <= 0 {
		cfg.Approval.TimeoutSeconds = 120
	}
	if cfg.Approval.AllowedTools == nil {
		cfg.Approval.AllowedTools = defaultConfig().Approval.AllowedTools
	}
	if cfg.Approval.AutoAllowPrefixes == nil {
		cfg.Approval.AutoAllowPrefixes = defaultConfig().Approval.AutoAllowPrefixes
	}
	if cfg.Jobs.Kinds == nil {
		cfg.Jobs.Kinds = StarterKinds(cfg.Engine.Binary)
	}
	for i := range cfg.Engine.Attempts {
		if cfg.Engine.Attempts[i].TimeoutSeconds <= 0 {
			cfg.Engine.Attempts[i].TimeoutSeconds = cfg.Engine.TurnTimeoutSeconds
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Channels.Telegram.Enabled {
		if strings.TrimSpace(cfg.Channels.Telegram.Token) == "" {
			return fmt.Errorf("channels.telegram.enabled requires a token")
		}
		if len(cfg.Channels.Telegram.AllowedIDs) == 0 {
			return fmt.Errorf("channels.telegram.enabled requires allowed_ids")
		}
	}
	for kind, kc := range cfg.Jobs.Kinds {
		if strings.TrimSpace(kc.Binary) == "" {
			return fmt.Errorf("jobs.kinds.%s: binary is required", kind)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("VALET_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("VALET_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("VALET_ENGINE_BINARY"); raw != "" {
		cfg.Engine.Binary = raw
	}
	if raw := os.Getenv("VALET_ENGINE_MODEL"); raw != "" {
		cfg.Engine.Model = raw
	}
	if raw := os.Getenv("VALET_ENGINE_FALLBACK_MODEL"); raw != "" {
		cfg.Engine.FallbackModel = raw
	}
	if raw := os.Getenv("VALET_TURN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Engine.TurnTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("VALET_JOB_OUTPUT_TAIL_BYTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Jobs.OutputTailBytes = v
		}
	}
	if raw := os.Getenv("VALET_APPROVAL_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Approval.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("VALET_TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}

func loadTextFiles(cfg *Config) {
	instructionsPath := filepath.Join(cfg.HomeDir, "INSTRUCTIONS.md")
	if b, err := os.ReadFile(instructionsPath); err == nil {
		cfg.Instructions = string(b)
	}
}
