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
	"go.uber.org/zap"

	"github.com/lazypower/questlog/internal/config"
	"github.com/lazypower/questlog/internal/logging"
	"github.com/lazypower/questlog/internal/remote"
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Run a development document store",
}

var (
	remoteAddr  string
	remoteToken string
)

var remoteServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve an in-memory document store over HTTP",
	Long: "Serve an in-memory document store speaking the remote protocol.\n" +
		"Data lives only as long as the process; use it to exercise sync locally.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log, err := logging.New(cfg.Log)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := &http.Server{
			Addr:              remoteAddr,
			Handler:           remote.NewHandler(remote.NewMemoryStore(), remoteToken, log),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errc := make(chan error, 1)
		go func() {
			log.Info("remote store serving", zap.String("addr", remoteAddr), zap.Bool("auth", remoteToken != ""))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
			close(errc)
		}()

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	remoteServeCmd.Flags().StringVar(&remoteAddr, "addr", "127.0.0.1:37779", "listen address")
	remoteServeCmd.Flags().StringVar(&remoteToken, "token", "", "bearer token clients must present")
	remoteCmd.AddCommand(remoteServeCmd)
}
