package commands

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/panelbroker/gamebroker/pkg/metrics"
	"github.com/panelbroker/gamebroker/pkg/sweeper"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the expiry sweeper, resume interrupted durable approvals and expose /metrics until interrupted",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("metrics-addr", ":9090", "Listen address for /metrics and /healthz")
	viper.BindPFlag("metrics-addr", serveCmd.Flags().Lookup("metrics-addr"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, resumeRuns)
	if err != nil {
		return err
	}
	defer a.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.repo.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sw := sweeper.New(a.orchestrator, a.cfg.SweepInterval, a.cfg.RequestMaxAge)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sw.Run(gctx)
	})

	g.Go(func() error {
		slog.Info("metrics_server_listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slog.Info("metrics_server_shutdown")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
