package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aidanlsb/echo/internal/config"
	"github.com/aidanlsb/echo/internal/peer"
)

var peerFlushInterval time.Duration

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Run a peer that keeps its remembered spaces in sync",
	Long: `Opens every space remembered in state, connects to the configured
relay and keeps running until interrupted. Changes are flushed to storage
periodically and on exit.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		state, err := loadState()
		if err != nil {
			return err
		}
		p, err := peer.Open(ctx, cfg, state, logger)
		if err != nil {
			return err
		}
		opened := openRemembered(ctx, p, state)
		fmt.Fprintf(cmd.OutOrStdout(), "peer %s running with %d spaces\n", p.ID(), opened)
		if err := config.SaveState(resolvedStatePath, state); err != nil {
			logger.Warn("failed to save state", slog.Any("error", err))
		}

		runPeer(ctx, p, peerFlushInterval)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		p.RememberSpaces(state)
		return closePeer(shutdownCtx, p, state)
	},
}

// openRemembered opens the spaces in state and returns how many opened.
// A space whose root cannot be loaded is logged and skipped.
func openRemembered(ctx context.Context, p *peer.Peer, state *config.State) int {
	opened := 0
	for _, key := range state.SpaceKeys() {
		root, _ := state.SpaceRoot(key)
		if _, err := p.OpenDatabase(ctx, key, root); err != nil {
			logger.Warn("failed to open space", slog.String("space", key.SpaceID().String()), slog.Any("error", err))
			continue
		}
		opened++
	}
	return opened
}

func runPeer(ctx context.Context, p *peer.Peer, interval time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Flush(ctx); err != nil {
				logger.Warn("flush failed", slog.Any("error", err))
			}
		}
	}
}

func init() {
	peerCmd.Flags().DurationVar(&peerFlushInterval, "flush-interval", 10*time.Second, "How often documents and indexes are written to storage")
	rootCmd.AddCommand(peerCmd)
}
