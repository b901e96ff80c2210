package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/aidanlsb/echo/internal/crdt"
	"github.com/aidanlsb/echo/internal/replication"
)

var (
	relayListen        string
	relayDataDir       string
	relayFlushInterval time.Duration
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run an edge relay",
	Long: `Serves the edge relay over WebSocket. Peers connect to
ws://<listen>/<space-id> and exchange document changes through the relay.

Documents are kept under storage.dir, or in memory when it is empty.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		listen := flagOr(cmd.Flags(), "listen", relayListen, cfg.Replication.Listen)
		dataDir := flagOr(cmd.Flags(), "data", relayDataDir, cfg.Storage.Dir)

		r, err := newRelay(dataDir)
		if err != nil {
			return err
		}
		ln, err := net.Listen("tcp", listen)
		if err != nil {
			_ = r.close(context.Background())
			return fmt.Errorf("failed to listen on %s: %w", listen, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "relay listening on ws://%s/\n", ln.Addr())
		return r.serve(ctx, ln, relayFlushInterval)
	},
}

func init() {
	relayCmd.Flags().StringVar(&relayListen, "listen", "", "Address to listen on (overrides replication.listen)")
	relayCmd.Flags().StringVar(&relayDataDir, "data", "", "Document storage directory (overrides storage.dir)")
	relayCmd.Flags().DurationVar(&relayFlushInterval, "flush-interval", 10*time.Second, "How often documents are written to storage")
	rootCmd.AddCommand(relayCmd)
}

// flagOr returns flagValue when the named flag was set on the command
// line and configured otherwise.
func flagOr(fs *pflag.FlagSet, name, flagValue, configured string) string {
	if fs.Changed(name) {
		return flagValue
	}
	return configured
}

// relay bundles the stores and servers behind echod relay.
type relay struct {
	repo   *crdt.Repo
	host   *replication.Host
	server *replication.RelayServer
	logger *slog.Logger
}

func newRelay(dataDir string) (*relay, error) {
	l := logger.With(slog.String("component", "relay"))
	var storage crdt.Storage
	if dataDir != "" {
		bc := crdt.DefaultBadgerConfig(dataDir)
		bc.SyncWrites = cfg.Storage.SyncWrites
		bc.Logger = logger.With(slog.String("component", "badger"))
		bs, err := crdt.OpenBadgerStorage(bc)
		if err != nil {
			return nil, err
		}
		storage = bs
	}
	repo := crdt.NewRepo(crdt.RepoOptions{Storage: storage, Logger: logger})
	host := replication.NewHost(replication.HostOptions{Repo: repo, Logger: logger})
	host.Start()
	return &relay{
		repo:   repo,
		host:   host,
		server: replication.NewRelayServer(replication.RelayOptions{Host: host, Logger: logger}),
		logger: l,
	}, nil
}

// handler routes relay sockets, metrics and health checks.
func (r *relay) handler() http.Handler {
	mux := http.NewServeMux()
	if path := cfg.Replication.MetricsPath; path != "" {
		mux.Handle(path, promhttp.Handler())
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/", r.server)
	return mux
}

// serve runs until ctx ends, flushing documents every interval, then
// shuts the server down and persists what is left.
func (r *relay) serve(ctx context.Context, ln net.Listener, interval time.Duration) error {
	srv := &http.Server{Handler: r.handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var serveErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				serveErr = err
			}
			break loop
		case <-tick:
			if err := r.repo.Flush(ctx); err != nil {
				r.logger.Warn("flush failed", slog.Any("error", err))
			}
		}
	}

	r.logger.Info("relay shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = r.server.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		r.logger.Warn("http shutdown failed", slog.Any("error", err))
	}
	return errors.Join(serveErr, r.close(shutdownCtx))
}

func (r *relay) close(ctx context.Context) error {
	_ = r.server.Close()
	r.host.Stop()
	return r.repo.Close(ctx)
}
