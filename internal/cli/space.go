package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/aidanlsb/echo/internal/config"
	"github.com/aidanlsb/echo/internal/keys"
	"github.com/aidanlsb/echo/internal/peer"
)

var spaceCmd = &cobra.Command{
	Use:   "space",
	Short: "Manage the spaces this peer keeps",
}

type spaceItem struct {
	Key     string `json:"key"`
	SpaceID string `json:"space_id"`
	RootURL string `json:"root_url"`
}

var spaceCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new space and remember it in state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := loadState()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		p, err := peer.Open(ctx, cfg, state, logger)
		if err != nil {
			return err
		}
		key := keys.RandomSpaceKey()
		db, err := p.CreateDatabase(ctx, key)
		if err != nil {
			_ = p.Close(ctx)
			return err
		}
		item := spaceItem{Key: key.Hex(), SpaceID: db.SpaceID().String(), RootURL: db.RootURL()}
		p.RememberSpaces(state)
		if err := closePeer(ctx, p, state); err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), item, func(w io.Writer) {
			fmt.Fprintf(w, "created space %s\n  id:   %s\n  root: %s\n", item.Key, item.SpaceID, item.RootURL)
		})
	},
}

var spaceJoinCmd = &cobra.Command{
	Use:   "join <key> <root-url>",
	Short: "Remember a space created on another peer",
	Long: `Records a space key and root document URL in state. The next
"echod peer" run loads the space from the configured relay.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := keys.ParseSpaceKey(args[0])
		if err != nil {
			return err
		}
		state, err := loadState()
		if err != nil {
			return err
		}
		state.RememberSpace(key, args[1])
		if err := config.SaveState(resolvedStatePath, state); err != nil {
			return err
		}
		item := spaceItem{Key: key.Hex(), SpaceID: key.SpaceID().String(), RootURL: args[1]}
		return output(cmd.OutOrStdout(), item, func(w io.Writer) {
			fmt.Fprintf(w, "remembered space %s\n", item.Key)
		})
	},
}

var spaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List remembered spaces",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := loadState()
		if err != nil {
			return err
		}
		items := []spaceItem{}
		for _, key := range state.SpaceKeys() {
			root, _ := state.SpaceRoot(key)
			items = append(items, spaceItem{Key: key.Hex(), SpaceID: key.SpaceID().String(), RootURL: root})
		}
		return output(cmd.OutOrStdout(), items, func(w io.Writer) {
			if len(items) == 0 {
				fmt.Fprintln(w, "no spaces")
				return
			}
			for _, it := range items {
				fmt.Fprintf(w, "%s  %s  %s\n", it.Key, it.SpaceID, it.RootURL)
			}
		})
	},
}

// closePeer flushes and closes p, then saves state.
func closePeer(ctx context.Context, p *peer.Peer, state *config.State) error {
	if err := p.Flush(ctx); err != nil {
		_ = p.Close(ctx)
		return err
	}
	if err := p.Close(ctx); err != nil {
		return err
	}
	return config.SaveState(resolvedStatePath, state)
}

func init() {
	spaceCmd.AddCommand(spaceCreateCmd, spaceJoinCmd, spaceListCmd)
	rootCmd.AddCommand(spaceCmd)
}
