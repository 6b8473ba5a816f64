package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/lilith/internal/config"
)

const janitorInterval = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var bindAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, bindAddr)
		},
	}
	cmd.Flags().StringVar(&bindAddr, "addr", "", "Listen address (overrides APP_BIND_ADDR)")
	return cmd
}

func runServe(ctx context.Context, opts *rootOptions, bindAddr string) error {
	res, err := opts.build(ctx, func(cfg *config.Config) {
		if bindAddr != "" {
			cfg.BindAddr = bindAddr
		}
	})
	if err != nil {
		return err
	}
	cfg := res.Config
	logger := res.Logger

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           res.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer.RegisterOnShutdown(res.API.CloseStreams)

	g, gctx := errgroup.WithContext(ctx)
	res.Conversations.StartJanitor(gctx, janitorInterval)

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
			_ = httpServer.Close()
		}
		// Streaming turns may still be persisting; the store closes after.
		if err := res.API.WaitStreams(shutdownCtx); err != nil {
			logger.Warn("websocket turns still running at shutdown", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error { return res.Sweeper.Run(gctx) })

	runErr := g.Wait()

	cleanupCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := res.Cleanup(cleanupCtx); err != nil {
		logger.Warn("cleanup failed", zap.Error(err))
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
