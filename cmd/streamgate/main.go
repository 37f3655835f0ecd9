package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/streamgate/streamgate/internal/config"
)

const defaultURL = "http://localhost:3040"

// Build-time variables set via ldflags.
var (
	commit    = ""
	buildDate = ""
)

var (
	flagURL    string
	flagToken  string
	flagSecret string
)

func versionString() string {
	if commit != "" && buildDate != "" {
		return fmt.Sprintf("streamgate version %s (commit: %s, built: %s)", config.Version, commit, buildDate)
	}
	return fmt.Sprintf("streamgate version %s", config.Version)
}

type configFile struct {
	Profiles      map[string]configProfile `yaml:"profiles"`
	ActiveProfile string                   `yaml:"active_profile"`
}

type configProfile struct {
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	PublishSecret string `yaml:"publish_secret"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:     "streamgate",
		Short:   "Streamgate: real-time event delivery with replay and connection admission",
		Version: versionString(),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			resolveConfig()
		},
		SilenceUsage: true,
	}
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&flagURL, "url", defaultURL, "Streamgate server URL (env: STREAMGATE_URL)")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "User token for stream endpoints (env: STREAMGATE_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&flagSecret, "publish-secret", "", "Secret signing internal publish calls (env: PUBLISH_SECRET)")

	serveCmd := newServeCmd()
	serveCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {} // server reads its own env config

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newAuditCmd())
	rootCmd.AddCommand(newPublishCmd())
	rootCmd.AddCommand(newTailCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionString())
		},
	}
}

// resolveConfig fills unset flags from the environment, then from the
// active profile of ~/.streamgate/config.yaml.
func resolveConfig() {
	if flagURL == defaultURL {
		if v := os.Getenv("STREAMGATE_URL"); v != "" {
			flagURL = v
		}
	}
	if flagToken == "" {
		flagToken = os.Getenv("STREAMGATE_TOKEN")
	}
	if flagSecret == "" {
		flagSecret = os.Getenv("PUBLISH_SECRET")
	}

	p, ok := loadProfile()
	if !ok {
		return
	}

	if flagURL == defaultURL && p.URL != "" {
		flagURL = p.URL
	}
	if flagToken == "" {
		flagToken = p.Token
	}
	if flagSecret == "" {
		flagSecret = p.PublishSecret
	}
}

func loadProfile() (configProfile, bool) {
	home, err := os.UserHomeDir()
	if err != nil {
		return configProfile{}, false
	}

	data, err := os.ReadFile(filepath.Join(home, ".streamgate", "config.yaml"))
	if err != nil {
		return configProfile{}, false
	}

	var cfg configFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return configProfile{}, false
	}

	name := cfg.ActiveProfile
	if name == "" {
		name = "default"
	}

	p, ok := cfg.Profiles[name]
	return p, ok
}
