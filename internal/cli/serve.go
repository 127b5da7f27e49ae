package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/trickstertwo/xrelay"
	_ "github.com/trickstertwo/xrelay/adapter/memory"
	mongoadapter "github.com/trickstertwo/xrelay/adapter/mongo"
	_ "github.com/trickstertwo/xrelay/adapter/redispubsub"
	_ "github.com/trickstertwo/xrelay/adapter/redisstream"
	"github.com/trickstertwo/xrelay/adapter/sqlitedlq"
	"github.com/trickstertwo/xrelay/adapter/websocket"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay and the websocket server",
		Long: `Connect to MongoDB, watch the configured collections and serve websocket
clients until SIGINT or SIGTERM.

Examples:
  xrelayd serve
  xrelayd serve -c /etc/xrelay.yaml
  XRELAY_REDIS_ADDR=redis:6379 xrelayd serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	cfg, logger := opts.Config, opts.Logger

	store, err := mongoadapter.Connect(ctx, cfg.mongoConfig(), logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "connect mongo", err)
	}
	defer func() { _ = store.Close(context.Background()) }()

	b := xrelay.NewRelayBuilder().
		WithLogger(logger).
		WithTransport(cfg.Transport.Name, cfg.Transport.Options).
		WithChangeSource(store).
		WithSessions(store, store.TxConfig()).
		WithBatching(xrelay.BatchConfig{MaxSize: cfg.Queue.BatchSize, MaxTime: cfg.Queue.BatchTime}).
		WithMaxPublishAttempts(cfg.Queue.MaxAttempts).
		WithIdempotencyWindow(cfg.Queue.IdempotencySize, cfg.Queue.IdempotencyTTL).
		WithPollInterval(cfg.Watcher.PollInterval).
		WithResumeBackoff(cfg.Watcher.ResumeBackoff).
		WithObserverPool(cfg.Observers.Workers, cfg.Observers.Buffer)
	if targets := cfg.targets(); len(targets) > 0 {
		b.WithTargets(targets...)
	}
	if cfg.DLQ.Path != "" {
		dlq, err := sqlitedlq.Open(cfg.DLQ.Path)
		if err != nil {
			return WrapExitError(ExitCommandError, "open dead-letter log", err)
		}
		defer dlq.Close()
		b.WithDeadLetters(dlq)
	}

	relay, err := b.Build()
	if err != nil {
		return WrapExitError(ExitCommandError, "build relay", err)
	}
	if err := relay.Start(ctx); err != nil {
		_ = relay.Close(context.Background())
		return err
	}

	sockets := websocket.NewHandler(relay.Rooms(), websocket.Config{}, logger)
	mux := http.NewServeMux()
	mux.Handle(cfg.HTTP.SocketPath, sockets)
	mux.HandleFunc(cfg.HTTP.HealthPath, healthHandler(relay))
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("xrelayd: listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info().Msg("xrelayd: shutting down")
		// hijacked websocket connections are not closed by Shutdown
		_ = sockets.Close()
		return errors.Join(srv.Shutdown(sctx), relay.Close(sctx))
	})
	return g.Wait()
}

func healthHandler(relay *xrelay.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := relay.Health(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if st.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = printJSON(w, st)
	}
}
