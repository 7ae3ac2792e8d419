package commands

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/maltedev/catalog-monitor/internal/api"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serves the HTTP API for triggering runs and browsing stored snapshots.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		opts := api.Options{
			OpenStore: a.openStore,
			FolderID:  a.cfg.Store.FolderID,
		}
		if a.db != nil {
			opts.History = a.db
		}

		handlers := api.NewHandlers(ctx, a.pipeline, opts, a.logger)

		server := &http.Server{
			Addr:         net.JoinHostPort(a.cfg.Server.Host, a.cfg.Server.Port),
			Handler:      api.NewRouter(handlers, a.cfg.Server.AllowedOrigins),
			ReadTimeout:  a.cfg.Server.ReadTimeout,
			WriteTimeout: a.cfg.Server.WriteTimeout,
			IdleTimeout:  2 * a.cfg.Server.ReadTimeout,
		}

		errCh := make(chan error, 1)
		go func() {
			a.logger.Info("starting server", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		a.logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown failed", "error", err)
		}
		handlers.Wait()

		a.logger.Info("server stopped")
		return nil
	},
}
