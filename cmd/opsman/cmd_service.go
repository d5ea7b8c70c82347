package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"opsmanager/internal/logging"
	"opsmanager/internal/service"
)

// EnvServiceToken names the shared secret the sprite service requires.
const EnvServiceToken = "OPS_MANAGER_SERVICE_TOKEN"

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the sprite HTTP facade over this repository",
	Long: `Exposes /ops/snapshot, /ops/events, /ops/control, and /healthz.
Responses are canonicalized so a sprite_service client sees exactly the
bytes a local transport would produce. The token comes from
` + EnvServiceToken + `; the service refuses to start without one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		token := os.Getenv(EnvServiceToken)
		if token == "" {
			return fmt.Errorf("%s is unset; refusing to serve unauthenticated", EnvServiceToken)
		}
		log := logFor(logging.CategoryService)
		srv, err := service.New(newLocalTransport(r), token, log)
		if err != nil {
			return err
		}

		httpSrv := &http.Server{
			Addr:              serveAddr,
			Handler:           srv.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			log.Info("sprite service listening", zap.String("addr", serveAddr))
			errCh <- httpSrv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			log.Info("shutting down")
			return httpSrv.Shutdown(shutdownCtx)
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:8787", "listen address")
	rootCmd.AddCommand(serveCmd)
}
