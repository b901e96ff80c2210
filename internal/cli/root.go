// Package cli implements the echod command-line interface.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aidanlsb/echo/internal/config"
	"github.com/aidanlsb/echo/internal/logging"
)

var (
	configPath    string
	statePathFlag string
	logLevel      string
	jsonOutput    bool

	resolvedConfigPath string
	resolvedStatePath  string
	cfg                *config.Config
	logger             = logging.Discard()
)

var rootCmd = &cobra.Command{
	Use:   "echod",
	Short: "echod - replicated object graph peer and relay",
	Long: `echod runs echo peers and relays.

Objects live in CRDT documents grouped into spaces. Peers keep spaces on
disk and exchange changes with a relay or with each other.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch cmd.Name() {
		case "version", "help", "completion", "init":
			return nil
		}
		return loadGlobals(cmd.ErrOrStderr())
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&statePathFlag, "state", "", "Path to state file (overrides state_file in config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level from config")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func loadGlobals(stderr io.Writer) error {
	resolvedConfigPath = config.ResolveConfigPath(configPath)

	var err error
	if strings.TrimSpace(configPath) != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	resolvedStatePath = config.ResolveStatePath(statePathFlag, resolvedConfigPath, cfg)

	logger, err = logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Writer: stderr})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

// output writes v as indented JSON under --json and calls text otherwise.
func output(w io.Writer, v any, text func(io.Writer)) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func loadState() (*config.State, error) {
	state, err := config.LoadState(resolvedStatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return state, nil
}
