package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/aidanlsb/echo/internal/index"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Inspect the persisted query indexes",
}

type indexListItem struct {
	Identifier string    `json:"identifier"`
	Kind       string    `json:"kind"`
	Bytes      int       `json:"bytes"`
	UpdatedAt  time.Time `json:"updated_at"`
}

var indexListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored indexes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openIndexStore()
		if err != nil {
			return err
		}
		defer store.Close()

		stored, err := store.LoadIndexes(cmd.Context())
		if err != nil {
			return err
		}
		items := make([]indexListItem, len(stored))
		for i, si := range stored {
			items[i] = indexListItem{Identifier: si.Identifier, Kind: si.Kind.String(), Bytes: len(si.Data), UpdatedAt: si.UpdatedAt}
		}
		return output(cmd.OutOrStdout(), items, func(w io.Writer) {
			if len(items) == 0 {
				fmt.Fprintln(w, "no stored indexes")
				return
			}
			for _, it := range items {
				fmt.Fprintf(w, "%s  %-24s %8d bytes  %s\n", it.Identifier, it.Kind, it.Bytes, it.UpdatedAt.Format(time.RFC3339))
			}
		})
	},
}

var indexResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete stored indexes so the next peer start rebuilds them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openIndexStore()
		if err != nil {
			return err
		}
		defer store.Close()

		stored, err := store.LoadIndexes(cmd.Context())
		if err != nil {
			return err
		}
		for _, si := range stored {
			if err := store.RemoveIndex(cmd.Context(), si.Identifier); err != nil {
				return err
			}
		}
		result := map[string]int{"removed": len(stored)}
		return output(cmd.OutOrStdout(), result, func(w io.Writer) {
			fmt.Fprintf(w, "removed %d indexes\n", len(stored))
		})
	},
}

func openIndexStore() (*index.Store, error) {
	if cfg.Index.Dir == "" {
		return nil, errors.New("index.dir is not configured")
	}
	store, err := index.OpenStore(cfg.Index.Dir)
	if errors.Is(err, index.ErrStoreLocked) {
		return nil, fmt.Errorf("%w: stop the running peer first", err)
	}
	return store, err
}

func init() {
	indexCmd.AddCommand(indexListCmd, indexResetCmd)
	rootCmd.AddCommand(indexCmd)
}
