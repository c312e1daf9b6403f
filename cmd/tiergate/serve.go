package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/tiergate/pkg/api"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var reconcileEvery time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and membership API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, reconcileEvery)
		},
	}
	cmd.Flags().DurationVar(&reconcileEvery, "reconcile-every", 0,
		"retry unresolved subscriptions on this interval (0 disables)")
	return cmd
}

func runServe(ctx context.Context, opts *rootOptions, reconcileEvery time.Duration) error {
	cfg, logger := opts.cfg, opts.logger

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error().Err(err).Msg("shutdown cleanup failed")
		}
	}()

	if _, err := a.Migrate(ctx); err != nil {
		return err
	}
	if err := a.settings.Load(ctx); err != nil {
		return err
	}

	rt, err := a.buildRoutes(api.NewMemoryCatalog(), api.NewMemoryConversations())
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      a.newRouter(rt),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("storage", cfg.Storage.Driver).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info().Msg("shutting down server")
		return srv.Shutdown(shutdownCtx)
	})

	if reconcileEvery > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(reconcileEvery)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if _, err := a.reconciler.ReconcileUnresolved(gctx, cfg.Reconcile.BatchSize); err != nil &&
						!errors.Is(err, context.Canceled) {
						logger.Error().Err(err).Msg("scheduled reconcile failed")
					}
				}
			}
		})
	}

	return g.Wait()
}
