package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/investotype/sim-engine/internal/api"
	"github.com/investotype/sim-engine/internal/engine"
	"github.com/investotype/sim-engine/internal/history"
	"github.com/investotype/sim-engine/internal/marketdata"
	"github.com/investotype/sim-engine/internal/store"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the simulator API with in-memory storage",
	Long: `Serve the simulator HTTP and WebSocket API on a local port. Sessions and
price history live in memory only; use the server binary for Postgres and
Redis backed deployments.`,
	RunE: runServe,
}

var (
	servePort       string
	serveSessionTTL time.Duration
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&servePort, "port", "8080", "Listen port")
	serveCmd.Flags().DurationVar(&serveSessionTTL, "session-ttl", 2*time.Hour, "Evict sessions idle for longer than this")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	yahoo := marketdata.NewClient()
	hub := api.NewHub()
	go hub.Run(ctx)

	sessions := store.NewMemorySessionStore()
	eng := engine.New(sessions, history.NewProvider(yahoo),
		engine.WithSearcher(yahoo),
		engine.WithIntel(marketdata.NewIntel(yahoo)),
		engine.WithNotifier(hub),
	)

	janitor := store.NewJanitor(sessions, serveSessionTTL, eng.InUse)
	if err := janitor.Start(store.DefaultSweepSchedule); err != nil {
		return err
	}
	defer janitor.Stop()

	srv := &http.Server{
		Addr:        ":" + servePort,
		Handler:     api.NewRouter(api.NewHandler(eng), hub, 30*time.Second),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		slog.Warn("simctl serving", "port", servePort)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
