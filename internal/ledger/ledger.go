// Package ledger implements the stream lifecycle: creation, rate changes,
// pause and resume, stop, top-up, withdrawal and liquidation. A Ledger
// serializes every mutation, settles accrual before any change that
// depends on it, talks to custody before persisting, and publishes an
// event after each commit.
package ledger

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/R3E-Network/streamflow/internal/domain/stream"
	"github.com/R3E-Network/streamflow/internal/errors"
	"github.com/R3E-Network/streamflow/internal/events"
	"github.com/R3E-Network/streamflow/internal/logging"
	"github.com/R3E-Network/streamflow/internal/metrics"
	"github.com/R3E-Network/streamflow/internal/storage"
	"github.com/R3E-Network/streamflow/internal/vault"
)

// Options configures a Ledger.
type Options struct {
	Store     storage.Store
	Vault     vault.Gateway
	Clock     Clock
	Publisher events.Publisher
	Logger    *logging.Logger

	// Admin and VaultAddress seed the configuration record the first time
	// the store is used. An existing record is left as is.
	Admin        stream.ActorID
	VaultAddress string
	// MinBufferSeconds overrides the default solvency window for a new
	// configuration record. Zero keeps the default.
	MinBufferSeconds uint64

	// RefundOnStop releases the unstreamed deposit to the sender when a
	// stream is stopped.
	RefundOnStop bool
	// Liquidators restricts LiquidateStream to the listed actors. Empty
	// means anyone may liquidate.
	Liquidators []stream.ActorID

	// ResolveVault maps a vault address to a Gateway. When set,
	// SetVaultAddress moves custody calls to the resolved gateway, and New
	// resolves a stored address that differs from VaultAddress. When nil the
	// address is recorded only and Vault serves every call.
	ResolveVault func(address string) (vault.Gateway, error)
}

// Ledger is safe for concurrent use; mutations are serialized.
type Ledger struct {
	mu sync.RWMutex

	store        storage.Store
	vault        vault.Gateway
	clock        Clock
	publisher    events.Publisher
	logger       *logging.Logger
	refundOnStop bool
	liquidators  map[stream.ActorID]bool
	resolveVault func(address string) (vault.Gateway, error)
}

// New builds a ledger and initializes the configuration record if the store
// has none.
func New(ctx context.Context, opts Options) (*Ledger, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("ledger: store is required")
	}
	if opts.Vault == nil {
		return nil, fmt.Errorf("ledger: vault is required")
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("streamflow", "info", "json")
	}

	l := &Ledger{
		store:        opts.Store,
		vault:        opts.Vault,
		clock:        opts.Clock,
		publisher:    opts.Publisher,
		logger:       opts.Logger,
		refundOnStop: opts.RefundOnStop,
		liquidators:  make(map[stream.ActorID]bool, len(opts.Liquidators)),
		resolveVault: opts.ResolveVault,
	}
	for _, id := range opts.Liquidators {
		l.liquidators[id] = true
	}

	existing, err := opts.Store.GetConfig(ctx)
	switch {
	case err == nil:
		if opts.ResolveVault != nil && existing.VaultAddress != "" && existing.VaultAddress != opts.VaultAddress {
			gw, rerr := opts.ResolveVault(existing.VaultAddress)
			if rerr != nil {
				return nil, fmt.Errorf("ledger: resolve vault %q: %w", existing.VaultAddress, rerr)
			}
			l.vault = gw
			l.logger.WithContext(ctx).WithField("vault_address", existing.VaultAddress).Info("Using stored vault address")
		}
	case stderrors.Is(err, storage.ErrNotFound):
		admin, perr := stream.ParseActorID(string(opts.Admin))
		if perr != nil {
			return nil, fmt.Errorf("ledger: admin: %w", perr)
		}
		cfg := stream.NewConfig(admin, opts.VaultAddress)
		if opts.MinBufferSeconds > 0 {
			cfg.MinBufferSeconds = opts.MinBufferSeconds
		}
		if err := opts.Store.SaveConfig(ctx, cfg); err != nil {
			return nil, fmt.Errorf("ledger: init config: %w", err)
		}
		l.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"admin":              cfg.Admin,
			"min_buffer_seconds": cfg.MinBufferSeconds,
		}).Info("Initialized ledger configuration")
	default:
		return nil, fmt.Errorf("ledger: load config: %w", err)
	}

	if n, err := opts.Store.ActiveCount(ctx); err == nil {
		metrics.SetActiveStreams(n)
	}
	return l, nil
}

// Now returns the ledger clock reading.
func (l *Ledger) Now() uint64 { return l.clock.Now() }

func (l *Ledger) loadConfig(ctx context.Context) (stream.Config, error) {
	cfg, err := l.store.GetConfig(ctx)
	if err != nil {
		return stream.Config{}, errors.Internal("Failed to load configuration", err)
	}
	return cfg, nil
}

func (l *Ledger) load(ctx context.Context, id uint64) (stream.Stream, error) {
	rec, err := l.store.GetStream(ctx, id)
	if stderrors.Is(err, storage.ErrNotFound) {
		return stream.Stream{}, errors.NotFound("stream", strconv.FormatUint(id, 10))
	}
	if err != nil {
		return stream.Stream{}, errors.Internal("Failed to load stream", err)
	}
	return rec, nil
}

func (l *Ledger) persist(ctx context.Context, rec stream.Stream, activeDelta int) error {
	if err := rec.CheckInvariants(); err != nil {
		return errors.Internal("Stream invariant violated", err)
	}
	if err := l.store.UpdateStream(ctx, rec, activeDelta); err != nil {
		return errors.Internal("Failed to persist stream", err)
	}
	if activeDelta != 0 {
		l.refreshActiveGauge(ctx)
	}
	return nil
}

func (l *Ledger) refreshActiveGauge(ctx context.Context) {
	if n, err := l.store.ActiveCount(ctx); err == nil {
		metrics.SetActiveStreams(n)
	}
}

func requireCaller(caller stream.ActorID) error {
	if _, err := stream.ParseActorID(string(caller)); err != nil {
		return errors.Unauthorized("Caller identity is required")
	}
	return nil
}

func requireSender(rec stream.Stream, caller stream.ActorID) error {
	if caller != rec.Sender {
		return errors.Unauthorized("Only the sender may perform this operation").
			WithDetails("stream_id", rec.ID)
	}
	return nil
}

func transition(ctx context.Context, rec stream.Stream, event stream.Event) (stream.Status, error) {
	next, err := stream.Transition(ctx, rec.Status, event)
	if err != nil {
		return rec.Status, errors.InvalidState(err.Error()).
			WithDetails("stream_id", rec.ID).
			WithDetails("status", rec.Status.String())
	}
	return next, nil
}

// observe records metrics and logs the outcome of an operation.
func (l *Ledger) observe(ctx context.Context, op string, streamID uint64, caller stream.ActorID, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = string(errors.CodeOf(err))
	}
	metrics.RecordLedgerOperation(op, result, time.Since(start))

	entry := l.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"operation": op,
		"stream_id": streamID,
		"caller":    caller,
	})
	switch {
	case err == nil:
		entry.Info("Ledger operation committed")
	case errors.IsCode(err, errors.ErrCodeCustodyFailure):
		entry.WithError(err).Warn("Custody rejected ledger operation")
	case errors.IsCode(err, errors.ErrCodeInternal):
		entry.WithError(err).Error("Ledger operation failed")
	default:
		entry.WithError(err).Debug("Ledger operation rejected")
	}
}

func (l *Ledger) publish(ctx context.Context, e events.Event) {
	if err := l.publisher.Publish(ctx, e); err != nil {
		l.logger.WithContext(ctx).WithError(err).WithField("event_type", e.Type).Warn("Failed to publish event")
	}
}
