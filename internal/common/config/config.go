// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Hub     HubConfig     `mapstructure:"hub"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Channel ChannelConfig `mapstructure:"channel"`
	Docker  DockerConfig  `mapstructure:"docker"`
	VM      VMConfig      `mapstructure:"vm"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Cosign  CosignConfig  `mapstructure:"cosign"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Session SessionConfig `mapstructure:"session"`
	Profile ProfileConfig `mapstructure:"profile"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// HubConfig holds orchestrator-wide paths and intervals.
type HubConfig struct {
	DataDir          string `mapstructure:"dataDir"`          // per-session data directories live under here
	AgentsDir        string `mapstructure:"agentsDir"`        // agent definition files (*.json, *.yaml)
	StateFile        string `mapstructure:"stateFile"`        // durable snapshot path
	APIKeyFile       string `mapstructure:"apiKeyFile"`       // generated API key material
	FlushInterval    int    `mapstructure:"flushInterval"`    // snapshot flush period, seconds
	OrphanInterval   int    `mapstructure:"orphanInterval"`   // orphaned-task sweep period, seconds
	TokenTTL         int    `mapstructure:"tokenTtl"`         // agent token lifetime, seconds
	MessageRetention int    `mapstructure:"messageRetention"` // audit log ring size
}

// NATSConfig holds broker configuration. An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL            string `mapstructure:"url"`
	RequestTimeout int    `mapstructure:"requestTimeout"` // in seconds
	MaxReconnects  int    `mapstructure:"maxReconnects"`
}

// ChannelConfig holds command-channel topic configuration.
type ChannelConfig struct {
	Prefix         string `mapstructure:"prefix"`         // topic root for session subjects
	CommandTimeout int    `mapstructure:"commandTimeout"` // default request/reply budget, seconds
}

// DockerConfig holds Docker client and container backend configuration.
type DockerConfig struct {
	Host            string `mapstructure:"host"`
	APIVersion      string `mapstructure:"apiVersion"`
	Image           string `mapstructure:"image"`           // overrides the role-derived image name
	ContainerPrefix string `mapstructure:"containerPrefix"` // prepended to session names
	TerminalPort    int    `mapstructure:"terminalPort"`    // guest-side terminal bridge port
	PortRangeStart  int    `mapstructure:"portRangeStart"`  // host port scan starts here
}

// VMConfig holds the UTM-style VM backend configuration.
type VMConfig struct {
	Directory       string `mapstructure:"directory"`   // cloned VM packages live here
	TemplateDir     string `mapstructure:"templateDir"` // template packages (<name>.utm)
	DefaultTemplate string `mapstructure:"defaultTemplate"`
	UtmctlPath      string `mapstructure:"utmctlPath"`
	SSHUser         string `mapstructure:"sshUser"`
	SSHKeyPath      string `mapstructure:"sshKeyPath"`
	SSHPortStart    int    `mapstructure:"sshPortStart"`    // host port scan for guest SSH forwards
	BootTimeout     int    `mapstructure:"bootTimeout"`     // SSH wait budget, seconds
	DiscoverTimeout int    `mapstructure:"discoverTimeout"` // ARP IP discovery budget, seconds
}

// MonitorConfig holds health monitor configuration.
type MonitorConfig struct {
	Interval      int `mapstructure:"interval"`      // poll period, seconds
	HealthTimeout int `mapstructure:"healthTimeout"` // per-check budget, seconds
}

// CosignConfig holds image verification policy.
type CosignConfig struct {
	Mode          string `mapstructure:"mode"` // off, warn, enforce
	KeyPath       string `mapstructure:"keyPath"`
	Identity      string `mapstructure:"identity"` // keyless certificate identity
	Issuer        string `mapstructure:"issuer"`   // keyless OIDC issuer
	VerifyTimeout int    `mapstructure:"verifyTimeout"`
}

// LLMConfig holds provider defaults applied during session configure.
type LLMConfig struct {
	DefaultProvider string `mapstructure:"defaultProvider"`
	OllamaBaseURL   string `mapstructure:"ollamaBaseUrl"`
	OllamaModel     string `mapstructure:"ollamaModel"`
}

// SessionConfig holds per-session defaults.
type SessionConfig struct {
	DefaultTTL    int    `mapstructure:"defaultTtl"`    // seconds, 0 disables TTL recycling
	WorkspaceRoot string `mapstructure:"workspaceRoot"` // guest-side workspace path
	GuestHome     string `mapstructure:"guestHome"`
	SecretsFile   string `mapstructure:"secretsFile"` // env-format secret source, may be absent
}

// ProfileConfig controls which host credential directories are offered to
// sessions. Individual tools can be switched off without disabling profiles.
type ProfileConfig struct {
	MountAWS       bool `mapstructure:"mountAws"`
	MountAzure     bool `mapstructure:"mountAzure"`
	MountKube      bool `mapstructure:"mountKube"`
	MountSSH       bool `mapstructure:"mountSsh"`
	MountGitconfig bool `mapstructure:"mountGitconfig"`
	MountGcloud    bool `mapstructure:"mountGcloud"`
	MountTerraform bool `mapstructure:"mountTerraform"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// FlushIntervalDuration returns the snapshot flush period as a time.Duration.
func (h *HubConfig) FlushIntervalDuration() time.Duration {
	return time.Duration(h.FlushInterval) * time.Second
}

// OrphanIntervalDuration returns the orphan sweep period as a time.Duration.
func (h *HubConfig) OrphanIntervalDuration() time.Duration {
	return time.Duration(h.OrphanInterval) * time.Second
}

// TokenTTLDuration returns the token lifetime as a time.Duration.
func (h *HubConfig) TokenTTLDuration() time.Duration {
	return time.Duration(h.TokenTTL) * time.Second
}

// RequestTimeoutDuration returns the broker request budget as a time.Duration.
func (n *NATSConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(n.RequestTimeout) * time.Second
}

// CommandTimeoutDuration returns the default command budget as a time.Duration.
func (c *ChannelConfig) CommandTimeoutDuration() time.Duration {
	return time.Duration(c.CommandTimeout) * time.Second
}

// IntervalDuration returns the monitor poll period as a time.Duration.
func (m *MonitorConfig) IntervalDuration() time.Duration {
	return time.Duration(m.Interval) * time.Second
}

// HealthTimeoutDuration returns the per-check budget as a time.Duration.
func (m *MonitorConfig) HealthTimeoutDuration() time.Duration {
	return time.Duration(m.HealthTimeout) * time.Second
}

// BootTimeoutDuration returns the SSH wait budget as a time.Duration.
func (v *VMConfig) BootTimeoutDuration() time.Duration {
	return time.Duration(v.BootTimeout) * time.Second
}

// DiscoverTimeoutDuration returns the IP discovery budget as a time.Duration.
func (v *VMConfig) DiscoverTimeoutDuration() time.Duration {
	return time.Duration(v.DiscoverTimeout) * time.Second
}

// VerifyTimeoutDuration returns the cosign exec budget as a time.Duration.
func (c *CosignConfig) VerifyTimeoutDuration() time.Duration {
	return time.Duration(c.VerifyTimeout) * time.Second
}

// DefaultTTLDuration returns the session TTL as a time.Duration.
func (s *SessionConfig) DefaultTTLDuration() time.Duration {
	return time.Duration(s.DefaultTTL) * time.Second
}

// detectDefaultLogFormat returns json in production-looking environments and
// the console format for terminals.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("BRAINBOX_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "console"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Hub defaults
	v.SetDefault("hub.dataDir", "~/.brainbox")
	v.SetDefault("hub.agentsDir", "~/.brainbox/agents")
	v.SetDefault("hub.stateFile", "~/.brainbox/state.json")
	v.SetDefault("hub.apiKeyFile", "~/.brainbox/api_key")
	v.SetDefault("hub.flushInterval", 30)
	v.SetDefault("hub.orphanInterval", 60)
	v.SetDefault("hub.tokenTtl", 3600)
	v.SetDefault("hub.messageRetention", 1000)

	// NATS defaults - empty URL means use the in-memory bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.requestTimeout", 10)
	v.SetDefault("nats.maxReconnects", 10)

	// Command channel defaults
	v.SetDefault("channel.prefix", "brainbox")
	v.SetDefault("channel.commandTimeout", 300)

	// Docker defaults
	v.SetDefault("docker.host", "")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.image", "")
	v.SetDefault("docker.containerPrefix", "brainbox-")
	v.SetDefault("docker.terminalPort", 7681)
	v.SetDefault("docker.portRangeStart", 7681)

	// VM defaults
	v.SetDefault("vm.directory", "~/UTM")
	v.SetDefault("vm.templateDir", "~/UTM")
	v.SetDefault("vm.defaultTemplate", "brainbox-template")
	v.SetDefault("vm.utmctlPath", "/usr/local/bin/utmctl")
	v.SetDefault("vm.sshUser", "developer")
	v.SetDefault("vm.sshKeyPath", "~/.ssh/id_ed25519")
	v.SetDefault("vm.sshPortStart", 2200)
	v.SetDefault("vm.bootTimeout", 120)
	v.SetDefault("vm.discoverTimeout", 60)

	// Monitor defaults
	v.SetDefault("monitor.interval", 30)
	v.SetDefault("monitor.healthTimeout", 10)

	// Cosign defaults - verification disabled unless configured
	v.SetDefault("cosign.mode", "off")
	v.SetDefault("cosign.keyPath", "")
	v.SetDefault("cosign.identity", "")
	v.SetDefault("cosign.issuer", "")
	v.SetDefault("cosign.verifyTimeout", 30)

	// LLM defaults
	v.SetDefault("llm.defaultProvider", "claude")
	v.SetDefault("llm.ollamaBaseUrl", "http://host.docker.internal:11434")
	v.SetDefault("llm.ollamaModel", "qwen2.5-coder")

	// Session defaults
	v.SetDefault("session.defaultTtl", 3600)
	v.SetDefault("session.workspaceRoot", "/home/developer/workspace")
	v.SetDefault("session.guestHome", "/home/developer")
	v.SetDefault("session.secretsFile", "~/.brainbox/secrets.env")

	// Profile defaults - every credential mount enabled
	v.SetDefault("profile.mountAws", true)
	v.SetDefault("profile.mountAzure", true)
	v.SetDefault("profile.mountKube", true)
	v.SetDefault("profile.mountSsh", true)
	v.SetDefault("profile.mountGitconfig", true)
	v.SetDefault("profile.mountGcloud", true)
	v.SetDefault("profile.mountTerraform", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BRAINBOX_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.brainbox/, or /etc/brainbox/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("BRAINBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for keys where camelCase does not map cleanly to
	// SNAKE_CASE through AutomaticEnv.
	_ = v.BindEnv("hub.tokenTtl", "BRAINBOX_HUB_TOKEN_TTL")
	_ = v.BindEnv("hub.apiKeyFile", "BRAINBOX_HUB_API_KEY_FILE")
	_ = v.BindEnv("channel.commandTimeout", "BRAINBOX_CHANNEL_COMMAND_TIMEOUT")
	_ = v.BindEnv("llm.ollamaBaseUrl", "BRAINBOX_LLM_OLLAMA_BASE_URL")
	_ = v.BindEnv("session.secretsFile", "BRAINBOX_SESSION_SECRETS_FILE")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.brainbox/")
	v.AddConfigPath("/etc/brainbox/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// subjectAtomRe constrains names that end up as broker topic atoms.
var subjectAtomRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Hub.TokenTTL <= 0 {
		errs = append(errs, "hub.tokenTtl must be positive")
	}
	if cfg.Hub.MessageRetention <= 0 {
		errs = append(errs, "hub.messageRetention must be positive")
	}
	if cfg.Hub.FlushInterval <= 0 {
		errs = append(errs, "hub.flushInterval must be positive")
	}
	if cfg.Hub.OrphanInterval <= 0 {
		errs = append(errs, "hub.orphanInterval must be positive")
	}

	if !subjectAtomRe.MatchString(cfg.Channel.Prefix) {
		errs = append(errs, "channel.prefix must contain only letters, digits, underscore, or hyphen")
	}
	if cfg.Channel.CommandTimeout <= 0 {
		errs = append(errs, "channel.commandTimeout must be positive")
	}

	if cfg.Docker.TerminalPort <= 0 || cfg.Docker.TerminalPort > 65535 {
		errs = append(errs, "docker.terminalPort must be between 1 and 65535")
	}
	if cfg.Docker.PortRangeStart < 1024 || cfg.Docker.PortRangeStart > 65535 {
		errs = append(errs, "docker.portRangeStart must be between 1024 and 65535")
	}
	if cfg.VM.SSHPortStart < 1024 || cfg.VM.SSHPortStart > 65535 {
		errs = append(errs, "vm.sshPortStart must be between 1024 and 65535")
	}

	if cfg.Monitor.Interval <= 0 {
		errs = append(errs, "monitor.interval must be positive")
	}
	if cfg.Monitor.HealthTimeout <= 0 {
		errs = append(errs, "monitor.healthTimeout must be positive")
	}

	switch cfg.Cosign.Mode {
	case "off", "warn":
		// warn mode without key material downgrades to a logged skip at
		// provision time, so nothing to check here.
	case "enforce":
		keyless := cfg.Cosign.Identity != "" && cfg.Cosign.Issuer != ""
		if cfg.Cosign.KeyPath == "" && !keyless {
			errs = append(errs, "cosign.mode enforce requires keyPath or identity+issuer")
		}
	default:
		errs = append(errs, "cosign.mode must be one of: off, warn, enforce")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// ExpandPath resolves a leading ~ against the current user's home directory.
func ExpandPath(path string) string {
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
