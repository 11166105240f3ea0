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

	"github.com/lazypower/questlog/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server and background sync",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	log := rt.logger

	rt.monitor.Start(ctx)
	rt.queue.Start(ctx)

	go func() {
		refreshCtx, cancel := context.WithTimeout(ctx, rt.cfg.Remote.Timeout)
		defer cancel()
		if err := rt.cache.Refresh(refreshCtx, false); err != nil {
			log.Warn("initial cache refresh failed, serving cached graph", zap.Error(err))
		}
	}()

	srv := server.New(rt.db, rt.engine, rt.cache, rt.queue, VersionString(), log)
	httpServer := &http.Server{
		Addr:              rt.cfg.ListenAddr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("questlog serving",
			zap.String("addr", httpServer.Addr),
			zap.String("db", rt.db.Path),
			zap.String("remote", rt.cfg.Remote.URL),
			zap.String("llm", rt.cfg.LLM.Provider))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
