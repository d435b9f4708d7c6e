package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pipeline API server and job scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Orch.Start(ctx); err != nil {
			return err
		}
		defer env.Orch.Stop()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env.Orch),
		}

		go func() { _ = shutdownOnDone(ctx, srv, 10*time.Second) }()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// shutdownOnDone waits for ctx cancellation, then drains in-flight requests
// on a fresh context. The signal context is already cancelled at that point,
// so passing it to Shutdown would abort the drain immediately.
func shutdownOnDone(ctx context.Context, srv *http.Server, timeout time.Duration) error {
	<-ctx.Done()
	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
