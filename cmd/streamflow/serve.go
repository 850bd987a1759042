package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/R3E-Network/streamflow/internal/domain/stream"
	"github.com/R3E-Network/streamflow/internal/httpapi"
	"github.com/R3E-Network/streamflow/internal/keeper"
	"github.com/R3E-Network/streamflow/internal/middleware"
	"github.com/R3E-Network/streamflow/internal/vault"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the liquidation keeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := loadApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg

	skip := []string{"/health", "/metrics"}
	exposeVault := cfg.Vault.ExposeAPI && a.memVault != nil
	if exposeVault {
		// Custody routes check the vault service token themselves.
		skip = append(skip, "/vault/")
	}
	auth := middleware.NewAuthMiddleware([]byte(cfg.Auth.Secret), cfg.Auth.Issuer, a.logger, skip)
	if cfg.Auth.PublicReads {
		auth = auth.WithPublicReads()
	}

	opts := httpapi.RouterOptions{
		Logger:      a.logger,
		Auth:        auth,
		CORSOrigins: cfg.Server.CORSOrigins,
		Version:     version,
	}
	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, a.logger)
		limiter.StartCleanup(5*time.Minute, ctx.Done())
		opts.RateLimiter = limiter
	}
	if exposeVault {
		opts.Extra = append(opts.Extra, vault.NewHandler(a.memVault, cfg.Vault.Token))
	}

	handler := httpapi.NewHandler(a.ledger, cfg.Decimals, a.logger)
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      httpapi.NewRouter(handler, opts),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.WithField("addr", server.Addr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.Keeper.Enabled {
		k, err := keeper.New(a.ledger, keeper.Options{
			Schedule:     cfg.Keeper.Schedule,
			Workers:      cfg.Keeper.Workers,
			Identity:     stream.ActorID(cfg.Keeper.Identity),
			SweepTimeout: cfg.Keeper.SweepTimeout,
			Logger:       a.logger,
		})
		if err != nil {
			return err
		}
		if err := k.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			k.Stop()
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
