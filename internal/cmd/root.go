// Package cmd provides the CLI commands for edgeguard.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/edgeguard/internal/appdir"
	"github.com/inercia/edgeguard/internal/config"
	"github.com/inercia/edgeguard/internal/logging"
)

var (
	// Global flags
	configPath    string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logJSON       bool
	logComponents string

	// Loaded configuration
	cfg *config.Config
	// cfgSource is the file cfg was loaded from, empty for built-in defaults.
	cfgSource string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "edgeguard",
	Short: "edgeguard - request security decisions at the edge",
	Long: `edgeguard evaluates every inbound request against a rate limiter,
an authentication-failure lockout, bot heuristics and a DDoS monitor, and
either lets it through or denies it.

Run it in DRY_RUN mode first: every detector runs and the would-be decisions
are recorded, but nothing is denied.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help and completion commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		// Priority: --log-level flag > --debug flag > default (info)
		effectiveLogLevel := "info"
		if logLevel != "" {
			effectiveLogLevel = logLevel
		} else if debug {
			effectiveLogLevel = "debug"
		}
		var components []string
		if logComponents != "" {
			for _, c := range strings.Split(logComponents, ",") {
				c = strings.TrimSpace(c)
				if c != "" {
					components = append(components, c)
				}
			}
		}
		logCfg := logging.Config{
			Level:      effectiveLogLevel,
			JSON:       logJSON,
			Components: components,
		}
		if logFile != "" {
			logCfg.FileLog = &logging.FileLogConfig{Path: logFile}
		}
		if err := logging.Initialize(logCfg); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		// Commands that read a config file themselves.
		if cmd.Annotations["config"] == "none" {
			return nil
		}
		return loadConfig()
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// loadConfig resolves the config in this order:
//  1. --config flag (must exist)
//  2. security.yaml in the data directory, if present
//  3. built-in defaults
//
// Environment overrides are applied last.
func loadConfig() error {
	var err error
	switch {
	case configPath != "":
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		cfgSource = configPath
	default:
		path, perr := appdir.ConfigPath()
		if perr == nil {
			cfg, err = config.Load(path)
			if err == nil {
				cfgSource = path
				break
			}
			if !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
		cfg = config.Default()
		cfgSource = ""
	}

	if err := cfg.ApplyEnv(nil); err != nil {
		return fmt.Errorf("environment override: %w", err)
	}
	logging.ConfigLoader().Debug("config_loaded",
		"source", sourceName(),
		"mode", cfg.Mode,
		"store", cfg.Store.Driver,
	)
	return nil
}

func sourceName() string {
	if cfgSource == "" {
		return "built-in defaults"
	}
	return cfgSource
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Security config file (default: security.yaml in the data directory)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'engine,store'). Empty means all components.")
}
