package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/rmoriz/twitcharchive/internal/helix"
)

// Config is the top-level archiver configuration: one process, one Twitch
// application registration, any number of watched channels.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Platform  PlatformConfig  `toml:"platform"`
	Channels  []ChannelConfig `toml:"channels"`
	Output    OutputConfig    `toml:"output"`
	Retry     RetryConfig     `toml:"retry"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Logging   LoggingConfig   `toml:"logging"`

	// Internal fields (not loaded from TOML)
	configPath string
}

// ServerConfig holds the callback HTTP server configuration. PublicURL is
// the externally reachable base URL EventSub notifications are sent to;
// "/callback" is appended to it for every subscription.
type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
	Port       int    `toml:"port"`
	PublicURL  string `toml:"public_url"`
	TLS        struct {
		Enabled bool     `toml:"enabled"`
		Domains []string `toml:"domains"`
		CertDir string   `toml:"cert_dir"`
	} `toml:"tls"`
}

// PlatformConfig holds the Twitch application credentials used to mint app
// access tokens and sign EventSub subscriptions.
type PlatformConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
}

// ChannelConfig identifies one watched channel and its capture preferences.
// At least one of ID or Login must be set; the other is resolved via the
// Helix users endpoint at startup. Format lists rendition names in priority
// order, e.g. ["1080p60", "best"]; an empty list defaults to ["best"].
type ChannelConfig struct {
	ID     string   `toml:"id"`
	Login  string   `toml:"login"`
	Name   string   `toml:"name"`
	Format []string `toml:"format"`
}

// OutputConfig is the process-wide output policy shared by every channel.
type OutputConfig struct {
	// SaveDir leaves finished downloads as a directory instead of a tar
	// archive.
	SaveDir bool `toml:"save_dir"`
	// FilenameFormat is the destination path template, consumed by
	// internal/filename.New. It is rendered relative to Dir.
	FilenameFormat string `toml:"filename_format"`
	// Dir is the root directory finished archives are moved into.
	Dir string `toml:"dir"`
	// ScratchDir holds in-progress downloads before they are finalized.
	ScratchDir string `toml:"scratch_dir"`
	// Extractor selects how the live playlist URL is resolved: "internal"
	// (direct GraphQL + usher.ttvnw.net, no extra process) or
	// "streamlink" (shell out to the streamlink binary).
	Extractor string `toml:"extractor"`
	// ExtractorAuthHeader, when set, is forwarded to the extractor as an
	// additional authorization header (e.g. for subscriber-only streams).
	ExtractorAuthHeader string `toml:"extractor_auth_header"`
}

const (
	ExtractorInternal   = "internal"
	ExtractorStreamlink = "streamlink"
)

// RetryConfig governs retrying failed EventSub subscription creation.
type RetryConfig struct {
	MaxAttempts   int           `toml:"max_attempts"`
	InitialDelay  time.Duration `toml:"initial_delay"`
	MaxDelay      time.Duration `toml:"max_delay"`
	BackoffFactor float64       `toml:"backoff_factor"`
	StateFile     string        `toml:"state_file"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	ServiceName    string `toml:"service_name"`
	ServiceVersion string `toml:"service_version"`
}

// LoggingConfig controls the structured logger's verbosity and sink.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: "0.0.0.0",
			Port:       8080,
			TLS: struct {
				Enabled bool     `toml:"enabled"`
				Domains []string `toml:"domains"`
				CertDir string   `toml:"cert_dir"`
			}{
				Enabled: false,
				Domains: []string{},
				CertDir: "data/acme_certs",
			},
		},
		Output: OutputConfig{
			SaveDir:        false,
			FilenameFormat: "%Sl/%TY-%TM-%TD_%si_%st",
			Dir:            "data/archive",
			ScratchDir:     "data/scratch",
			Extractor:      ExtractorInternal,
		},
		Retry: RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  time.Second,
			MaxDelay:      time.Minute * 5,
			BackoffFactor: 2.0,
			StateFile:     "data/retry_state.json",
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			ServiceName:    "twitcharchive",
			ServiceVersion: "0.1.0",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from a TOML file with environment variable
// overrides.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if _, err := toml.DecodeFile(configPath, cfg); err != nil {
				return nil, fmt.Errorf("failed to decode config file %s: %w", configPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to check config file %s: %w", configPath, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	applyChannelDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg.configPath = configPath
	return cfg, nil
}

// GetConfigPath returns the path to the configuration file.
func (cfg *Config) GetConfigPath() string {
	return cfg.configPath
}

// channelList is the decode target for a standalone subscription list file:
// just the [[channels]] array, without the rest of Config.
type channelList struct {
	Channels []ChannelConfig `toml:"channels"`
}

// LoadChannelList reads a TOML file containing only a [[channels]] array
// and returns it with format defaults applied, for use with --subscriptions.
func LoadChannelList(path string) ([]ChannelConfig, error) {
	var list channelList
	if _, err := toml.DecodeFile(path, &list); err != nil {
		return nil, fmt.Errorf("decode channel list %s: %w", path, err)
	}
	for i, ch := range list.Channels {
		if len(ch.Format) == 0 {
			list.Channels[i].Format = []string{"best"}
		}
	}
	return list.Channels, nil
}

// applyChannelDefaults fills in per-channel defaults that can't be expressed
// as zero values in TOML (an absent format list means "best", not "nothing").
func applyChannelDefaults(cfg *Config) {
	for i, ch := range cfg.Channels {
		if len(ch.Format) == 0 {
			cfg.Channels[i].Format = []string{"best"}
		}
	}
}

// ResolveChannelUserIDs resolves missing user IDs for channels configured by
// login only, using the Helix users endpoint.
func ResolveChannelUserIDs(ctx context.Context, cfg *Config, resolver UserResolver) error {
	for i, ch := range cfg.Channels {
		if ch.ID != "" || ch.Login == "" {
			continue
		}

		user, err := resolver.UserByLogin(ctx, ch.Login)
		if err != nil {
			return fmt.Errorf("resolve user id for channel login %q: %w", ch.Login, err)
		}
		if user == nil {
			return fmt.Errorf("resolve user id for channel login %q: no such user", ch.Login)
		}

		cfg.Channels[i].ID = user.ID
		fmt.Printf("Resolved channel login '%s' -> user_id '%s'\n", ch.Login, user.ID)
	}
	return nil
}

// UserResolver is the subset of helix.Client config resolution needs.
type UserResolver interface {
	UserByLogin(ctx context.Context, login string) (*helix.User, error)
}

// applyEnvOverrides applies TWITCHARCHIVE_* environment variable overrides.
func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("TWITCHARCHIVE_SERVER_LISTEN_ADDR"); val != "" {
		cfg.Server.ListenAddr = val
	}
	if val := os.Getenv("TWITCHARCHIVE_SERVER_PORT"); val != "" {
		var port int
		if _, err := fmt.Sscanf(val, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if val := os.Getenv("TWITCHARCHIVE_SERVER_PUBLIC_URL"); val != "" {
		cfg.Server.PublicURL = val
	}
	if val := os.Getenv("TWITCHARCHIVE_TLS_ENABLED"); val == "true" {
		cfg.Server.TLS.Enabled = true
	}

	if val := os.Getenv("TWITCHARCHIVE_CLIENT_ID"); val != "" {
		cfg.Platform.ClientID = val
	}
	if val := os.Getenv("TWITCHARCHIVE_CLIENT_SECRET"); val != "" {
		cfg.Platform.ClientSecret = val
	}

	if val := os.Getenv("TWITCHARCHIVE_OUTPUT_SAVE_DIR"); val == "true" {
		cfg.Output.SaveDir = true
	}
	if val := os.Getenv("TWITCHARCHIVE_OUTPUT_DIR"); val != "" {
		cfg.Output.Dir = val
	}
	if val := os.Getenv("TWITCHARCHIVE_OUTPUT_FILENAME_FORMAT"); val != "" {
		cfg.Output.FilenameFormat = val
	}
	if val := os.Getenv("TWITCHARCHIVE_OUTPUT_EXTRACTOR"); val != "" {
		cfg.Output.Extractor = val
	}

	return nil
}

// validateConfig validates the configuration for required fields and
// logical consistency.
func validateConfig(cfg *Config) error {
	if cfg.Platform.ClientID == "" {
		return fmt.Errorf("platform.client_id is required")
	}
	if cfg.Platform.ClientSecret == "" {
		return fmt.Errorf("platform.client_secret is required")
	}
	if cfg.Server.PublicURL == "" {
		return fmt.Errorf("server.public_url is required")
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if cfg.Server.TLS.Enabled && len(cfg.Server.TLS.Domains) == 0 {
		return fmt.Errorf("server.tls.domains is required when TLS is enabled")
	}

	if len(cfg.Channels) == 0 {
		return fmt.Errorf("at least one channel must be configured")
	}
	for i, ch := range cfg.Channels {
		if ch.ID == "" && ch.Login == "" {
			return fmt.Errorf("channels[%d]: either id or login is required", i)
		}
	}

	switch cfg.Output.Extractor {
	case ExtractorInternal, ExtractorStreamlink:
	default:
		return fmt.Errorf("output.extractor must be %q or %q", ExtractorInternal, ExtractorStreamlink)
	}

	if cfg.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than 0")
	}
	if cfg.Retry.BackoffFactor <= 1.0 {
		return fmt.Errorf("retry.backoff_factor must be greater than 1.0")
	}

	dataDirs := []string{
		cfg.Output.Dir,
		cfg.Output.ScratchDir,
		filepath.Dir(cfg.Retry.StateFile),
	}
	if cfg.Server.TLS.Enabled {
		dataDirs = append(dataDirs, cfg.Server.TLS.CertDir)
	}

	for _, dir := range dataDirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory %s: %w", dir, err)
		}
	}

	return nil
}

// Validate validates the configuration.
func (cfg *Config) Validate() error {
	return validateConfig(cfg)
}
