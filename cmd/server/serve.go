package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/hookcatch/internal/capture"
	"github.com/PipeOpsHQ/hookcatch/internal/handler"
	"github.com/PipeOpsHQ/hookcatch/internal/notify"
	"github.com/PipeOpsHQ/hookcatch/internal/retention"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the capture server and the retention sweeper",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, s, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	hub := notify.NewHub(cfg.Notify.Buffer, logger)
	var pub notify.Publisher = hub
	if cfg.Notify.RedisURL != "" {
		client, err := notify.DialRedis(ctx, cfg.Notify.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()

		relay := notify.NewRedisRelay(client, hub, logger)
		pub = relay
		go func() {
			if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("redis relay stopped")
			}
		}()
		logger.Info("notifications relayed through redis")
	}

	pipeline := capture.NewPipeline(s, pub, capture.Options{
		SignatureHeader: cfg.Capture.SignatureHeader,
	}, logger)

	retention.New(s, retention.Options{
		Period: cfg.Retention.Period,
		MaxAge: cfg.Retention.MaxAge,
	}, logger).Start(ctx)

	h := handler.NewHandler(s, pipeline, hub, handler.Options{
		MaxReadBytes: cfg.Capture.MaxReadBytes,
		TrustProxy:   cfg.Server.TrustProxy,
	}, logger)

	errorLog := logger.WriterLevel(logrus.WarnLevel)
	defer errorLog.Close()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      h.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		ErrorLog:     log.New(errorLog, "", 0),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Server.Addr).Info("starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown incomplete")
		return srv.Close()
	}
	return nil
}
