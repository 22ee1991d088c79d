package config

import "time"

// Config represents the complete fuzzbed service configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Testbed TestbedConfig `yaml:"testbed"`
	API     APIConfig     `yaml:"api"`
	Engine  EngineConfig  `yaml:"engine"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Image   ImageConfig   `yaml:"image"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// TestbedConfig locates the workspaces.
type TestbedConfig struct {
	Root string `yaml:"root"`
	// Watch rescans the root when other writers add or remove workspaces.
	Watch bool `yaml:"watch"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen string        `yaml:"listen"`
	Auth   APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// EngineConfig selects and bounds the container engine.
type EngineConfig struct {
	Binary       string        `yaml:"binary"`
	BuildTimeout time.Duration `yaml:"build_timeout"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`
	StopGrace    time.Duration `yaml:"stop_grace"`
}

// JobsConfig controls job persistence and retention.
type JobsConfig struct {
	// JournalPath defaults to <testbed>/.fuzzbed/journal.db.
	JournalPath string `yaml:"journal_path"`
	// Retention is how long terminal jobs are kept. Zero keeps them forever.
	Retention    time.Duration `yaml:"retention"`
	ReapSchedule string        `yaml:"reap_schedule"`
}

// ImageConfig customizes the rendered image spec.
type ImageConfig struct {
	BaseImage    string `yaml:"base_image"`
	TemplatePath string `yaml:"template_path"`
}
