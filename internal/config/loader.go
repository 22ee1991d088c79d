package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Environment variables honoured on top of the config file.
const (
	EnvTestbed = "TESTBED"
	EnvServer  = "SERVER"
	EnvAPIKey  = "FUZZBED_API_KEY"
	EnvLog     = "FUZZBED_LOG"
	EnvConfig  = "FUZZBED_CONFIG"
)

// StateDirName is the orchestrator's directory under the testbed root.
const StateDirName = ".fuzzbed"

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "fuzzbed",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Testbed: TestbedConfig{
			Root: "testbed",
		},
		API: APIConfig{
			Listen: "127.0.0.1:5000",
		},
		Engine: EngineConfig{
			Binary:       "docker",
			BuildTimeout: 30 * time.Minute,
			StopTimeout:  15 * time.Second,
			StopGrace:    10 * time.Second,
		},
		Jobs: JobsConfig{
			Retention:    0,
			ReapSchedule: "@every 10m",
		},
		Image: ImageConfig{
			BaseImage: "deepstate:latest",
		},
	}
}

// Load reads the YAML file at path, interpolates ${VAR} references, applies
// defaults and environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", path, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --service-config", absPath)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", absPath, err)
	}
	// Relative roots are taken from the config file's directory.
	if cfg.Testbed.Root != "" && !filepath.IsAbs(cfg.Testbed.Root) {
		cfg.Testbed.Root = filepath.Join(filepath.Dir(absPath), cfg.Testbed.Root)
	}
	return finish(cfg)
}

// LoadOrDefault loads path when set, otherwise the discovered config file,
// otherwise the defaults. Environment overrides apply in every case.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if found, err := Discover(); err == nil {
		return Load(found)
	}
	return finish(Defaults())
}

// Parse decodes YAML config data over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func finish(cfg *Config) (*Config, error) {
	applyDefaults(cfg)
	if err := ApplyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds the config file: $FUZZBED_CONFIG, ~/.config/fuzzbed/config.yaml,
// /etc/fuzzbed/config.yaml, then ./fuzzbed.yaml.
func Discover() (string, error) {
	if p := os.Getenv(EnvConfig); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	var candidates []string
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "fuzzbed", "config.yaml"))
	}
	candidates = append(candidates, "/etc/fuzzbed/config.yaml", "fuzzbed.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/fuzzbed/config.yaml, /etc/fuzzbed/config.yaml, ./fuzzbed.yaml)", EnvConfig)
}

func applyDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Service.Name == "" {
		cfg.Service.Name = d.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = d.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = d.Service.LogFormat
	}
	if cfg.Testbed.Root == "" {
		cfg.Testbed.Root = d.Testbed.Root
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = d.API.Listen
	}
	if cfg.Engine.Binary == "" {
		cfg.Engine.Binary = d.Engine.Binary
	}
	if cfg.Engine.BuildTimeout == 0 {
		cfg.Engine.BuildTimeout = d.Engine.BuildTimeout
	}
	if cfg.Engine.StopTimeout == 0 {
		cfg.Engine.StopTimeout = d.Engine.StopTimeout
	}
	if cfg.Engine.StopGrace == 0 {
		cfg.Engine.StopGrace = d.Engine.StopGrace
	}
	if cfg.Jobs.ReapSchedule == "" {
		cfg.Jobs.ReapSchedule = d.Jobs.ReapSchedule
	}
	if cfg.Image.BaseImage == "" && cfg.Image.TemplatePath == "" {
		cfg.Image.BaseImage = d.Image.BaseImage
	}
}

// ApplyEnv overlays the environment conventions of the fuzzbed CLI.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if root := getenv(EnvTestbed); root != "" {
		if strings.Contains(root, ":") {
			return fmt.Errorf("$%s should not contain multiple paths: %q", EnvTestbed, root)
		}
		cfg.Testbed.Root = root
	}
	if addr := getenv(EnvServer); addr != "" {
		cfg.API.Listen = addr
	}
	if key := getenv(EnvAPIKey); key != "" {
		cfg.API.Auth.APIKey = key
	}
	if level := getenv(EnvLog); level != "" {
		cfg.Service.LogLevel = level
	}
	return nil
}

// Validate checks field values after defaults are applied.
func Validate(cfg *Config) error {
	var errs []error

	switch strings.ToLower(cfg.Service.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("service.log_format must be json or text, got %q", cfg.Service.LogFormat))
	}
	if strings.TrimSpace(cfg.Testbed.Root) == "" {
		errs = append(errs, errors.New("testbed.root is required"))
	}
	if strings.Contains(cfg.API.Listen, "${") {
		errs = append(errs, fmt.Errorf("api.listen has an unresolved variable: %s", cfg.API.Listen))
	}
	if strings.Contains(cfg.API.Auth.APIKey, "${") {
		errs = append(errs, errors.New("api.auth.api_key has an unresolved variable"))
	}
	for i, tok := range cfg.API.Auth.Tokens {
		if strings.TrimSpace(tok.Token) == "" || strings.Contains(tok.Token, "${") {
			errs = append(errs, fmt.Errorf("api.auth.tokens[%d].token is empty or unresolved", i))
		}
		if len(tok.Scopes) == 0 {
			errs = append(errs, fmt.Errorf("api.auth.tokens[%d].scopes must not be empty", i))
		}
	}
	if cfg.Engine.BuildTimeout < 0 || cfg.Engine.StopTimeout < 0 || cfg.Engine.StopGrace < 0 {
		errs = append(errs, errors.New("engine timeouts must not be negative"))
	}
	if cfg.Jobs.Retention < 0 {
		errs = append(errs, errors.New("jobs.retention must not be negative"))
	}
	if cfg.Jobs.Retention > 0 {
		if _, err := cron.ParseStandard(cfg.Jobs.ReapSchedule); err != nil {
			errs = append(errs, fmt.Errorf("jobs.reap_schedule: %w", err))
		}
	}
	if cfg.Image.TemplatePath != "" {
		if _, err := os.Stat(cfg.Image.TemplatePath); err != nil {
			errs = append(errs, fmt.Errorf("image.template_path: %w", err))
		}
	}

	return errors.Join(errs...)
}

// StateDir is the orchestrator's own directory under the testbed root.
func (c *Config) StateDir() string {
	return filepath.Join(c.Testbed.Root, StateDirName)
}

// JournalPath resolves jobs.journal_path, defaulting into the state dir.
func (c *Config) JournalPath() string {
	if c.Jobs.JournalPath != "" {
		return c.Jobs.JournalPath
	}
	return filepath.Join(c.StateDir(), "journal.db")
}

// PIDPath is the single-orchestrator lock file.
func (c *Config) PIDPath() string {
	return filepath.Join(c.StateDir(), "fuzzbed.pid")
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		// Left in place; Validate reports it where it matters.
		return match
	})
}
