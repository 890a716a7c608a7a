// Command engine runs the task graph runner and job queue as an HTTP/
// WebSocket service, configured entirely from the environment via
// config.LoadEngineConfig.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eve.evalgo.org/common"
	"eve.evalgo.org/config"
	"eve.evalgo.org/engine"
)

func main() {
	logger := common.NewLogger(common.LoggerConfig{
		Level:   common.LogLevelInfo,
		Format:  os.Getenv("ENGINE_LOG_FORMAT"),
		Service: "engine",
	})

	cfg := config.LoadEngineConfig("ENGINE")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to construct engine")
	}

	if err := eng.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start queues")
	}
	defer eng.Stop()

	srv := &http.Server{
		Addr:    cfg.TransportBindAddr,
		Handler: eng.TransportHandler(),
	}

	go func() {
		logger.WithField("addr", cfg.TransportBindAddr).Info("transport listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("transport server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("transport server shutdown error")
	}
}
