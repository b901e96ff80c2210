package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/aidanlsb/echo/internal/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := buildinfo.Read()
		return output(cmd.OutOrStdout(), info, func(w io.Writer) {
			fmt.Fprintf(w, "echod %s\n", info)
		})
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
