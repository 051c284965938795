package cmd

import (
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	embeddedconfig "github.com/inercia/edgeguard/config"
	"github.com/inercia/edgeguard/internal/appdir"
	"github.com/inercia/edgeguard/internal/config"
	"github.com/inercia/edgeguard/internal/fileutil"
)

var (
	configOutputPath string
	configForce      bool
)

// configCmd represents the config parent command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the security configuration",
	Long: `Manage edgeguard configuration files.

Use the subcommands to create, validate or inspect a configuration.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration file",
	Long: `Write the built-in default configuration to security.yaml in the data
directory, or to the path given with --output.

The default starts in DRY_RUN mode with a memory store, so it is safe to
deploy before tuning the limits.

Examples:
  edgeguard config init
  edgeguard config init --output ./security.yaml
  edgeguard config init --force`,
	Annotations: map[string]string{"config": "none"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configOutputPath
		if path == "" {
			if err := appdir.EnsureDir(); err != nil {
				return err
			}
			p, err := appdir.ConfigPath()
			if err != nil {
				return err
			}
			path = p
		}
		return writeDefaultConfig(cmd.OutOrStdout(), path, configForce)
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Check a configuration file for errors",
	Long: `Parse and validate a configuration file without starting anything.
With no argument, the file resolved by --config (or the data directory) is
checked. Exits non-zero when the file is invalid.`,
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{"config": "none"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			p, err := appdir.ConfigPath()
			if err != nil {
				return err
			}
			path = p
		}
		return validateConfig(cmd.OutOrStdout(), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration edgeguard would run with, after defaults and
environment overrides are applied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "# source: %s\n", sourceName())
		return showConfig(cmd.OutOrStdout(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configValidateCmd, configShowCmd)

	configInitCmd.Flags().StringVarP(&configOutputPath, "output", "o", "",
		"File to write (default: security.yaml in the data directory)")
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false,
		"Overwrite an existing configuration file")
}

func writeDefaultConfig(w io.Writer, path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		fmt.Fprintf(w, "Configuration file already exists: %s\n", path)
		fmt.Fprintln(w, "Use --force to overwrite it.")
		return nil
	}
	if err := fileutil.WriteAtomic(path, embeddedconfig.DefaultSecurityYAML, 0o644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	fmt.Fprintf(w, "Configuration file created: %s\n", path)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Next steps:")
	fmt.Fprintln(w, "  1. Review the limits and protected paths")
	fmt.Fprintln(w, "  2. Run 'edgeguard serve --upstream <url>' and watch the DRY_RUN events")
	fmt.Fprintln(w, "  3. Switch mode to LIVE once the would-block rate looks right")
	return nil
}

func validateConfig(w io.Writer, path string) error {
	c, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: OK (mode %s, %d rate limit paths, %d auth paths, bot %s, ddos %s)\n",
		path, c.Mode,
		len(c.RateLimit.Paths), len(c.AuthFailure.Paths),
		enabled(c.Bot != nil), enabled(c.DDoS != nil),
	)
	return nil
}

// showConfig prints c as YAML with credentials masked.
func showConfig(w io.Writer, c *config.Config) error {
	shown := *c
	shown.Store.URL = redactURL(c.Store.URL)
	if shown.Store.Token != "" {
		shown.Store.Token = redacted
	}
	if c.Logging.Slack != nil {
		slack := *c.Logging.Slack
		slack.Webhook = redacted
		shown.Logging.Slack = &slack
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&shown); err != nil {
		return err
	}
	return enc.Close()
}

func enabled(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

const redacted = "<redacted>"

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
