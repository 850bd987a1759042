// Package keeper runs the scheduled liquidation sweep. It sits outside the
// ledger and acts like any other liquidator: it asks which streams are under
// buffer and calls LiquidateStream on each with its own identity.
package keeper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/streamflow/internal/domain/stream"
	"github.com/R3E-Network/streamflow/internal/errors"
	"github.com/R3E-Network/streamflow/internal/logging"
	"github.com/R3E-Network/streamflow/internal/metrics"
)

// DefaultSchedule sweeps once a minute.
const DefaultSchedule = "@every 1m"

// Liquidator is the slice of the ledger the keeper needs.
type Liquidator interface {
	LiquidationCandidates(ctx context.Context) ([]uint64, error)
	LiquidateStream(ctx context.Context, caller stream.ActorID, id uint64) error
}

// Options configures a Keeper.
type Options struct {
	// Schedule is a cron spec, for example "@every 30s" or "*/5 * * * *".
	Schedule string
	// Workers bounds concurrent LiquidateStream calls within one sweep.
	Workers int
	// Identity is the caller id used for liquidations.
	Identity stream.ActorID
	// SweepTimeout bounds a single scheduled sweep. Zero means no bound.
	SweepTimeout time.Duration
	Logger       *logging.Logger
}

// Result summarizes one sweep.
type Result struct {
	Candidates int `json:"candidates"`
	Liquidated int `json:"liquidated"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Keeper schedules liquidation sweeps.
type Keeper struct {
	ledger Liquidator
	opts   Options
	logger *logging.Logger

	cron    *cron.Cron
	entryID cron.EntryID
	running sync.Mutex
}

// New validates opts and builds a stopped keeper.
func New(l Liquidator, opts Options) (*Keeper, error) {
	if l == nil {
		return nil, fmt.Errorf("keeper: ledger is required")
	}
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Identity == "" {
		opts.Identity = "keeper"
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("keeper", "info", "json")
	}
	if _, err := cron.ParseStandard(opts.Schedule); err != nil {
		return nil, fmt.Errorf("keeper: invalid schedule %q: %w", opts.Schedule, err)
	}

	return &Keeper{
		ledger: l,
		opts:   opts,
		logger: opts.Logger,
		cron:   cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(opts.Logger)))),
	}, nil
}

// Start registers the sweep and starts the scheduler. Scheduled sweeps run
// with ctx; cancelling it aborts an in-flight sweep but does not stop the
// scheduler. Use Stop for that.
func (k *Keeper) Start(ctx context.Context) error {
	id, err := k.cron.AddFunc(k.opts.Schedule, func() { k.scheduledSweep(ctx) })
	if err != nil {
		return fmt.Errorf("keeper: schedule: %w", err)
	}
	k.entryID = id
	k.cron.Start()

	k.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"schedule": k.opts.Schedule,
		"workers":  k.opts.Workers,
		"identity": k.opts.Identity,
	}).Info("Keeper started")
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (k *Keeper) Stop() {
	<-k.cron.Stop().Done()
	k.logger.Info("Keeper stopped")
}

// Next reports the next scheduled sweep time, zero before Start.
func (k *Keeper) Next() time.Time {
	if k.entryID == 0 {
		return time.Time{}
	}
	return k.cron.Entry(k.entryID).Next
}

func (k *Keeper) scheduledSweep(ctx context.Context) {
	if !k.running.TryLock() {
		k.logger.WithContext(ctx).Warn("Previous sweep still running, skipping")
		return
	}
	defer k.running.Unlock()

	if k.opts.SweepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.opts.SweepTimeout)
		defer cancel()
	}
	ctx = logging.WithTraceID(ctx, logging.NewTraceID())

	if _, err := k.sweep(ctx); err != nil {
		k.logger.WithContext(ctx).WithError(err).Error("Liquidation sweep failed")
	}
}

// SweepOnce runs a single sweep immediately.
func (k *Keeper) SweepOnce(ctx context.Context) (Result, error) {
	k.running.Lock()
	defer k.running.Unlock()
	return k.sweep(ctx)
}

func (k *Keeper) sweep(ctx context.Context) (Result, error) {
	start := time.Now()
	var res Result

	ids, err := k.ledger.LiquidationCandidates(ctx)
	if err != nil {
		metrics.RecordKeeperSweep(time.Since(start), 0, false)
		return res, fmt.Errorf("list candidates: %w", err)
	}
	res.Candidates = len(ids)

	var liquidated, skipped, failed int64
	wp := workerpool.New(k.opts.Workers)
	for _, id := range ids {
		id := id
		wp.Submit(func() {
			if ctx.Err() != nil {
				atomic.AddInt64(&skipped, 1)
				return
			}
			err := k.ledger.LiquidateStream(ctx, k.opts.Identity, id)
			switch {
			case err == nil:
				atomic.AddInt64(&liquidated, 1)
			case errors.IsCode(err, errors.ErrCodeNotEligibleForLiquidation),
				errors.IsCode(err, errors.ErrCodeInvalidState):
				// Changed between listing and liquidation.
				atomic.AddInt64(&skipped, 1)
			default:
				atomic.AddInt64(&failed, 1)
				k.logger.WithContext(ctx).WithError(err).WithField("stream_id", id).Warn("Failed to liquidate stream")
			}
		})
	}
	wp.StopWait()

	res.Liquidated = int(liquidated)
	res.Skipped = int(skipped)
	res.Failed = int(failed)
	metrics.RecordKeeperSweep(time.Since(start), res.Liquidated, res.Failed == 0)

	entry := k.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"candidates": res.Candidates,
		"liquidated": res.Liquidated,
		"skipped":    res.Skipped,
		"failed":     res.Failed,
		"duration":   time.Since(start).String(),
	})
	if res.Candidates > 0 {
		entry.Info("Liquidation sweep finished")
	} else {
		entry.Debug("Liquidation sweep found nothing to do")
	}
	return res, ctx.Err()
}
