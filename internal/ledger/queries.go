package ledger

import (
	"context"

	"github.com/R3E-Network/streamflow/internal/accrual"
	"github.com/R3E-Network/streamflow/internal/amount"
	"github.com/R3E-Network/streamflow/internal/domain/stream"
	"github.com/R3E-Network/streamflow/internal/errors"
)

// GetStream returns the stored record. Balances are not settled.
func (l *Ledger) GetStream(ctx context.Context, id uint64) (stream.Stream, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.load(ctx, id)
}

// GetWithdrawableBalance evaluates what the receiver could withdraw now.
func (l *Ledger) GetWithdrawableBalance(ctx context.Context, id uint64) (amount.Amount, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, err := l.load(ctx, id)
	if err != nil {
		return amount.Zero(), err
	}
	return accrual.WithdrawableBalance(rec, l.clock.Now()), nil
}

// GetRemainingBuffer evaluates the unstreamed deposit now.
func (l *Ledger) GetRemainingBuffer(ctx context.Context, id uint64) (amount.Amount, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, err := l.load(ctx, id)
	if err != nil {
		return amount.Zero(), err
	}
	return accrual.RemainingBuffer(rec, l.clock.Now()), nil
}

// GetSnapshot evaluates every accrual figure for a stream at one instant.
func (l *Ledger) GetSnapshot(ctx context.Context, id uint64) (accrual.Snapshot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, err := l.load(ctx, id)
	if err != nil {
		return accrual.Snapshot{}, err
	}
	cfg, err := l.loadConfig(ctx)
	if err != nil {
		return accrual.Snapshot{}, err
	}
	return accrual.Snap(rec, l.clock.Now(), cfg.MinBufferSeconds), nil
}

// GetStreamsBySender lists stream ids created by sender, oldest first.
func (l *Ledger) GetStreamsBySender(ctx context.Context, sender stream.ActorID) ([]uint64, error) {
	ids, err := l.store.ListBySender(ctx, sender)
	if err != nil {
		return nil, errors.Internal("Failed to list streams", err)
	}
	if ids == nil {
		ids = []uint64{}
	}
	return ids, nil
}

// GetStreamsByReceiver lists stream ids paying receiver, oldest first.
func (l *Ledger) GetStreamsByReceiver(ctx context.Context, receiver stream.ActorID) ([]uint64, error) {
	ids, err := l.store.ListByReceiver(ctx, receiver)
	if err != nil {
		return nil, errors.Internal("Failed to list streams", err)
	}
	if ids == nil {
		ids = []uint64{}
	}
	return ids, nil
}

// TotalStreams counts every stream ever created.
func (l *Ledger) TotalStreams(ctx context.Context) (uint64, error) {
	cfg, err := l.loadConfig(ctx)
	if err != nil {
		return 0, err
	}
	return cfg.NextStreamID - 1, nil
}

// ActiveStreams returns the active stream counter.
func (l *Ledger) ActiveStreams(ctx context.Context) (uint64, error) {
	n, err := l.store.ActiveCount(ctx)
	if err != nil {
		return 0, errors.Internal("Failed to read active counter", err)
	}
	return n, nil
}

// GetConfig returns the ledger configuration.
func (l *Ledger) GetConfig(ctx context.Context) (stream.Config, error) {
	return l.loadConfig(ctx)
}

// LiquidationCandidates returns the active streams that LiquidateStream
// would accept at the current clock reading.
func (l *Ledger) LiquidationCandidates(ctx context.Context) ([]uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	cfg, err := l.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := l.store.ListActive(ctx)
	if err != nil {
		return nil, errors.Internal("Failed to list active streams", err)
	}

	now := l.clock.Now()
	var out []uint64
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		rec, err := l.load(ctx, id)
		if err != nil {
			return out, err
		}
		if accrual.ShouldLiquidate(rec, now, cfg.MinBufferSeconds) {
			out = append(out, id)
		}
	}
	return out, nil
}
