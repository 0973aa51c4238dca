// Package cli implements the command-line surface described in
// SPEC_FULL.md §10.3: a cobra root command defaulting to the archiver's
// main run loop, plus version and config-management subcommands.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rmoriz/twitcharchive/internal/app"
	"github.com/rmoriz/twitcharchive/internal/config"
)

var (
	// Version information, set at build time via -ldflags.
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"

	configFile string
	verbose    bool

	flagClientID      string
	flagClientSecret  string
	flagPort          int
	flagPublicURL     string
	flagSubscriptions string
	flagFilenameFmt   string
	flagSaveDir       bool
	flagExtractor     string
	flagExtractorAuth string
	flagLogLevel      string
	flagLogFile       string
)

var rootCmd = &cobra.Command{
	Use:   "twitcharchive",
	Short: "Archives a channel's live broadcast and chat the moment it goes live",
	Long: `twitcharchive subscribes to a channel's stream.online EventSub
notification, rips the live HLS rendition alongside a chat transcript, and
finalizes the result into a timestamped artifact on disk.`,
	RunE:          runArchive,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command with a background context. Prefer
// RootCommand when the caller needs to attach a cancellable context (e.g.
// for signal handling).
func Execute() error {
	return rootCmd.Execute()
}

// RootCommand returns the root cobra command, for callers that need to set
// a context (via cmd.SetContext) before calling Execute.
func RootCommand() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.toml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.Flags().StringVar(&flagClientID, "client-id", "", "platform application client id (overrides config)")
	rootCmd.Flags().StringVar(&flagClientSecret, "client-secret", "", "platform application client secret (overrides config)")
	rootCmd.Flags().IntVar(&flagPort, "port", 0, "callback server port (overrides config)")
	rootCmd.Flags().StringVar(&flagPublicURL, "public-url", "", "externally reachable callback base address (overrides config)")
	rootCmd.Flags().StringVar(&flagSubscriptions, "subscriptions", "", "path to a channel subscription list file (TOML, overrides the config's [[channels]])")
	rootCmd.Flags().StringVar(&flagFilenameFmt, "filename-format", "", "destination filename template (overrides config)")
	rootCmd.Flags().BoolVar(&flagSaveDir, "save-dir", false, "save each stream as a directory instead of a tar archive")
	rootCmd.Flags().StringVar(&flagExtractor, "extractor", "", "playlist extractor: internal or streamlink (overrides config)")
	rootCmd.Flags().StringVar(&flagExtractorAuth, "extractor-auth-header", "", "auth header passed through to the extractor (overrides config)")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.Flags().StringVar(&flagLogFile, "log-file", "", "log file path, in addition to stderr (overrides config)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

func determineConfigPath(flagValue string) string {
	if flagValue != "config.toml" {
		return flagValue
	}
	if envConfig := os.Getenv("TWITCHARCHIVE_CONFIG"); envConfig != "" {
		return envConfig
	}
	return "config.toml"
}

// loadConfigWithOverrides loads the TOML config (falling back to defaults
// if the file is absent) and layers the command-line flags on top.
func loadConfigWithOverrides(cmd *cobra.Command) (*config.Config, error) {
	configPath := determineConfigPath(configFile)

	var cfg *config.Config
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg = config.DefaultConfig()
	} else {
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("load configuration: %w", err)
		}
	}

	if flagClientID != "" {
		cfg.Platform.ClientID = flagClientID
	}
	if flagClientSecret != "" {
		cfg.Platform.ClientSecret = flagClientSecret
	}
	if flagPort != 0 {
		cfg.Server.Port = flagPort
	}
	if flagPublicURL != "" {
		cfg.Server.PublicURL = flagPublicURL
	}
	if flagFilenameFmt != "" {
		cfg.Output.FilenameFormat = flagFilenameFmt
	}
	if cmd.Flags().Changed("save-dir") {
		cfg.Output.SaveDir = flagSaveDir
	}
	if flagExtractor != "" {
		cfg.Output.Extractor = flagExtractor
	}
	if flagExtractorAuth != "" {
		cfg.Output.ExtractorAuthHeader = flagExtractorAuth
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagLogFile != "" {
		cfg.Logging.File = flagLogFile
	}
	if flagSubscriptions != "" {
		channels, err := config.LoadChannelList(flagSubscriptions)
		if err != nil {
			return nil, fmt.Errorf("load subscription list %q: %w", flagSubscriptions, err)
		}
		cfg.Channels = channels
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}

	return cfg, nil
}

func runArchive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigWithOverrides(cmd)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, verbose)

	if verbose {
		fmt.Printf("listening on %s:%d, public url %s\n", cfg.Server.ListenAddr, cfg.Server.Port, cfg.Server.PublicURL)
		fmt.Printf("%d channel(s) configured\n", len(cfg.Channels))
	}

	app.Version = Version
	return app.Run(cmd.Context(), cfg, logger)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("twitcharchive %s\n", Version)
		fmt.Printf("git commit: %s\n", GitCommit)
		fmt.Printf("build date: %s\n", BuildDate)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configExampleCmd)
}

var configValidateCmd = &cobra.Command{
	Use:           "validate",
	Short:         "Validate configuration file",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := determineConfigPath(configFile)
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return fmt.Errorf("configuration file not found: %s", configPath)
		}

		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		fmt.Printf("configuration file %q is valid\n", configPath)
		fmt.Printf("found %d configured channel(s)\n", len(cfg.Channels))
		return nil
	},
}

var configExampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Generate example configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		examplePath := "config.example.toml"
		if len(args) > 0 {
			examplePath = args[0]
		}
		if err := generateExampleConfig(examplePath); err != nil {
			return fmt.Errorf("generate example config: %w", err)
		}
		fmt.Printf("example configuration written to: %s\n", examplePath)
		return nil
	},
}

func generateExampleConfig(path string) error {
	example := `# twitcharchive configuration file

[server]
listen_addr = "0.0.0.0"
port = 8080
public_url = "https://archive.example.com"

[server.tls]
enabled = false
domains = ["archive.example.com"]
cert_dir = "data/acme_certs"

[platform]
client_id = "your_twitch_client_id"
client_secret = "your_twitch_client_secret"

# One entry per channel to archive. At least one of id/login is required;
# format defaults to ["best"] when omitted.
[[channels]]
login = "example_channel"
format = ["best"]

[[channels]]
id = "123456789"
format = ["720p60", "best"]

[output]
save_dir = false
filename_format = "%Sl/%TY-%TM-%TD_%si_%st"
dir = "data/archive"
scratch_dir = "data/scratch"
extractor = "internal"

[retry]
max_attempts = 3
initial_delay = "1s"
max_delay = "5m"
backoff_factor = 2.0
state_file = "data/retry_state.json"

[telemetry]
enabled = false
endpoint = "http://localhost:4318"
service_name = "twitcharchive"
service_version = "0.1.0"

[logging]
level = "info"
file = ""
`

	return os.WriteFile(path, []byte(example), 0o644)
}

func setupLogger(cfg config.LoggingConfig, verbose bool) *slog.Logger {
	level := parseLevel(cfg.Level)
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.File == "" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := slog.New(slog.NewTextHandler(os.Stderr, opts))
		logger.Warn("could not open log file, logging to stderr only", "file", cfg.File, "error", err)
		return logger
	}

	return slog.New(slog.NewTextHandler(io.MultiWriter(os.Stderr, f), opts))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
