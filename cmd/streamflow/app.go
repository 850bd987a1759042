package main

import (
	"context"
	"fmt"
	"net/url"

	"github.com/R3E-Network/streamflow/internal/config"
	"github.com/R3E-Network/streamflow/internal/domain/stream"
	"github.com/R3E-Network/streamflow/internal/events"
	"github.com/R3E-Network/streamflow/internal/ledger"
	"github.com/R3E-Network/streamflow/internal/logging"
	"github.com/R3E-Network/streamflow/internal/platform/migrations"
	"github.com/R3E-Network/streamflow/internal/storage"
	"github.com/R3E-Network/streamflow/internal/storage/memory"
	pebblestore "github.com/R3E-Network/streamflow/internal/storage/pebble"
	"github.com/R3E-Network/streamflow/internal/storage/postgres"
	"github.com/R3E-Network/streamflow/internal/vault"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	store     storage.Store
	vault     vault.Gateway
	memVault  *vault.Memory
	publisher events.Publisher
	ledger    *ledger.Ledger
}

func loadApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:    cfg,
		logger: logging.New("streamflow", cfg.Log.Level, cfg.Log.Format),
	}

	if a.store, err = openStore(ctx, cfg.Storage, a.logger); err != nil {
		return nil, err
	}

	vaultAddress := cfg.Ledger.VaultAddress
	var resolveVault func(string) (vault.Gateway, error)
	switch cfg.Vault.Mode {
	case "http":
		resolveVault = func(address string) (vault.Gateway, error) {
			return newVaultClient(cfg.Vault, address)
		}
		if a.vault, err = resolveVault(cfg.Vault.BaseURL); err != nil {
			a.Close()
			return nil, err
		}
		vaultAddress = cfg.Vault.BaseURL
	default:
		a.memVault = vault.NewMemory(stream.ActorID(cfg.Ledger.Admin))
		a.vault = a.memVault
	}

	a.publisher = newPublisher(cfg.Events, a.logger)

	liquidators := make([]stream.ActorID, 0, len(cfg.Ledger.Liquidators))
	for _, id := range cfg.Ledger.Liquidators {
		liquidators = append(liquidators, stream.ActorID(id))
	}
	a.ledger, err = ledger.New(ctx, ledger.Options{
		Store:            a.store,
		Vault:            a.vault,
		Publisher:        a.publisher,
		Logger:           a.logger,
		Admin:            stream.ActorID(cfg.Ledger.Admin),
		VaultAddress:     vaultAddress,
		ResolveVault:     resolveVault,
		MinBufferSeconds: cfg.Ledger.MinBufferSeconds,
		RefundOnStop:     cfg.Ledger.RefundOnStop,
		Liquidators:      liquidators,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// newVaultClient builds a remote custody client for a vault address, which
// must be an absolute http or https URL.
func newVaultClient(cfg config.VaultConfig, address string) (vault.Gateway, error) {
	u, err := url.Parse(address)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("vault address %q is not an http(s) URL", address)
	}
	return vault.NewClient(vault.ClientConfig{
		BaseURL:    address,
		Token:      cfg.Token,
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
	}), nil
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *logging.Logger) (storage.Store, error) {
	switch cfg.Driver {
	case "postgres":
		store, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := migrations.Apply(ctx, store.DB()); err != nil {
				store.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		logger.Info("Using postgres storage")
		return store, nil
	case "pebble":
		store, err := pebblestore.Open(pebblestore.Options{DataDir: cfg.DataDir, Sync: true})
		if err != nil {
			return nil, err
		}
		logger.WithField("data_dir", cfg.DataDir).Info("Using pebble storage")
		return store, nil
	default:
		logger.Warn("Using in-memory storage; state is lost on exit")
		return memory.New(), nil
	}
}

func newPublisher(cfg config.EventsConfig, logger *logging.Logger) events.Publisher {
	var sink events.Publisher
	switch cfg.Sink {
	case "none":
		return events.Nop{}
	case "redis":
		sink = events.NewRedisPublisher(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisStream, cfg.RedisMaxLen)
	case "kafka":
		sink = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	default:
		sink = events.NewLogPublisher(logger)
	}
	return events.NewAsyncPublisher(sink, cfg.Workers, logger)
}

// Close flushes the publisher and closes storage.
func (a *app) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close event publisher")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close store")
		}
	}
}
