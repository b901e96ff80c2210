package cli

import (
	"bytes"
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/aidanlsb/echo/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage echod configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file if none exists",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.ResolveConfigPath(configPath)
		if err := config.CreateDefault(path); err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), map[string]string{"path": path}, func(w io.Writer) {
			fmt.Fprintf(w, "config: %s\n", path)
		})
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput {
			return output(cmd.OutOrStdout(), map[string]any{
				"config_path": resolvedConfigPath,
				"state_path":  resolvedStatePath,
				"config":      cfg,
			}, nil)
		}
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "# config: %s\n# state:  %s\n\n", resolvedConfigPath, resolvedStatePath)
		_, err := buf.WriteTo(w)
		return err
	},
}

func init() {
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
