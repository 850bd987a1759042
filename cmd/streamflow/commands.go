package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/streamflow/internal/config"
	"github.com/R3E-Network/streamflow/internal/domain/stream"
	"github.com/R3E-Network/streamflow/internal/keeper"
	"github.com/R3E-Network/streamflow/internal/middleware"
	"github.com/R3E-Network/streamflow/internal/platform/migrations"
)

func newMigrateCommand(configPath *string) *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != "postgres" {
				return fmt.Errorf("migrate requires storage.driver postgres, got %q", cfg.Storage.Driver)
			}
			if down {
				err = migrations.Down(cfg.Storage.DSN)
			} else {
				err = migrations.Up(cfg.Storage.DSN)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back all migrations")
	return cmd
}

func newKeeperCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "keeper",
		Short: "Run one liquidation sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			k, err := keeper.New(a.ledger, keeper.Options{
				Workers:  a.cfg.Keeper.Workers,
				Identity: stream.ActorID(a.cfg.Keeper.Identity),
				Logger:   a.logger,
			})
			if err != nil {
				return err
			}
			res, err := k.SweepOnce(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}

func newTokenCommand(configPath *string) *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <actor>",
		Short: "Mint a caller token signed with the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			actor, err := stream.ParseActorID(args[0])
			if err != nil {
				return err
			}
			tok, err := middleware.IssueToken([]byte(cfg.Auth.Secret), cfg.Auth.Issuer, string(actor), role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
