package ledger

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/R3E-Network/streamflow/internal/accrual"
	"github.com/R3E-Network/streamflow/internal/amount"
	"github.com/R3E-Network/streamflow/internal/domain/stream"
	"github.com/R3E-Network/streamflow/internal/errors"
	"github.com/R3E-Network/streamflow/internal/events"
	"github.com/R3E-Network/streamflow/internal/metrics"
	"github.com/R3E-Network/streamflow/internal/storage"
	"github.com/R3E-Network/streamflow/internal/vault"
)

// CreateStreamRequest describes a new stream funded by the caller.
type CreateStreamRequest struct {
	Receiver       stream.ActorID
	Token          string
	FlowRate       amount.Amount
	InitialDeposit amount.Amount
}

// CreateStream opens an active stream from caller to req.Receiver. The
// initial deposit must cover at least the minimum buffer and is allocated in
// custody before the record is written.
func (l *Ledger) CreateStream(ctx context.Context, caller stream.ActorID, req CreateStreamRequest) (id uint64, err error) {
	start := time.Now()
	defer func() { l.observe(ctx, "create", id, caller, start, err) }()

	if err := requireCaller(caller); err != nil {
		return 0, err
	}
	receiver, perr := stream.ParseActorID(string(req.Receiver))
	if perr != nil {
		return 0, errors.InvalidArgument("receiver is required")
	}
	if receiver == caller {
		return 0, errors.InvalidArgument("sender and receiver must differ")
	}
	if req.Token == "" {
		return 0, errors.InvalidArgument("token is required")
	}
	if req.FlowRate.IsZero() {
		return 0, errors.InvalidArgument("flow_rate must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := l.loadConfig(ctx)
	if err != nil {
		return 0, err
	}
	required := accrual.RequiredBuffer(req.FlowRate, cfg.MinBufferSeconds)
	if req.InitialDeposit.LessThan(required) {
		return 0, errors.InvalidArgument("initial_deposit below minimum buffer").
			WithDetails("required", required.String())
	}

	now := l.clock.Now()
	rec := stream.Stream{
		ID:         cfg.NextStreamID,
		Sender:     caller,
		Receiver:   receiver,
		Token:      req.Token,
		FlowRate:   req.FlowRate,
		StartTime:  now,
		LastUpdate: now,
		Deposited:  req.InitialDeposit,
		Streamed:   amount.Zero(),
		Withdrawn:  amount.Zero(),
		Status:     stream.StatusActive,
	}

	if !rec.Deposited.IsZero() {
		if err := l.vault.Allocate(ctx, caller, rec.Token, rec.Deposited, rec.ID); err != nil {
			return 0, errors.CustodyFailure("allocate", err)
		}
	}
	if err := l.store.CreateStream(ctx, rec); err != nil {
		l.compensateAllocation(ctx, rec, rec.Deposited)
		if stderrors.Is(err, storage.ErrConflict) {
			return 0, errors.Internal("Stream id already in use", err)
		}
		return 0, errors.Internal("Failed to persist stream", err)
	}
	l.refreshActiveGauge(ctx)

	l.publish(ctx, events.New(ctx, events.EventStreamCreated, rec.ID, caller, now).
		WithAmount(rec.Deposited).
		WithStatus(rec.Status).
		WithMetadata("receiver", string(rec.Receiver)).
		WithMetadata("token", rec.Token).
		WithMetadata("flow_rate", rec.FlowRate.String()))
	return rec.ID, nil
}

// UpdateStream settles accrual at the old rate and switches to newRate.
// Paused streams keep their status and pick up the new rate on resume.
func (l *Ledger) UpdateStream(ctx context.Context, caller stream.ActorID, id uint64, newRate amount.Amount) (err error) {
	start := time.Now()
	defer func() { l.observe(ctx, "update", id, caller, start, err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.load(ctx, id)
	if err != nil {
		return err
	}
	if err := requireSender(rec, caller); err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return errors.InvalidState("stream is stopped").WithDetails("stream_id", id)
	}
	if newRate.IsZero() {
		return errors.InvalidArgument("flow_rate must be positive")
	}

	now := l.clock.Now()
	old := rec.FlowRate
	rec = accrual.Settle(rec, now)
	rec.FlowRate = newRate
	if err := l.persist(ctx, rec, 0); err != nil {
		return err
	}

	l.publish(ctx, events.New(ctx, events.EventStreamUpdated, id, caller, now).
		WithStatus(rec.Status).
		WithMetadata("old_flow_rate", old.String()).
		WithMetadata("flow_rate", newRate.String()))
	return nil
}

// PauseStream settles and halts accrual.
func (l *Ledger) PauseStream(ctx context.Context, caller stream.ActorID, id uint64) (err error) {
	start := time.Now()
	defer func() { l.observe(ctx, "pause", id, caller, start, err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.load(ctx, id)
	if err != nil {
		return err
	}
	if err := requireSender(rec, caller); err != nil {
		return err
	}
	next, err := transition(ctx, rec, stream.EventPause)
	if err != nil {
		return err
	}

	now := l.clock.Now()
	rec = accrual.Settle(rec, now)
	rec.Status = next
	if err := l.persist(ctx, rec, -1); err != nil {
		return err
	}

	l.publish(ctx, events.New(ctx, events.EventStreamPaused, id, caller, now).WithStatus(next))
	return nil
}

// ResumeStream restarts accrual from now. Time spent paused never accrues.
func (l *Ledger) ResumeStream(ctx context.Context, caller stream.ActorID, id uint64) (err error) {
	start := time.Now()
	defer func() { l.observe(ctx, "resume", id, caller, start, err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.load(ctx, id)
	if err != nil {
		return err
	}
	if err := requireSender(rec, caller); err != nil {
		return err
	}
	next, err := transition(ctx, rec, stream.EventResume)
	if err != nil {
		return err
	}

	now := l.clock.Now()
	if now > rec.LastUpdate {
		rec.LastUpdate = now
	}
	rec.Status = next
	if err := l.persist(ctx, rec, +1); err != nil {
		return err
	}

	l.publish(ctx, events.New(ctx, events.EventStreamResumed, id, caller, now).WithStatus(next))
	return nil
}

// StopStream settles, zeroes the rate and closes the stream permanently. The
// receiver can still withdraw what was streamed. With RefundOnStop the
// unstreamed deposit is released back to the sender.
func (l *Ledger) StopStream(ctx context.Context, caller stream.ActorID, id uint64) (err error) {
	start := time.Now()
	defer func() { l.observe(ctx, "stop", id, caller, start, err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.load(ctx, id)
	if err != nil {
		return err
	}
	if err := requireSender(rec, caller); err != nil {
		return err
	}
	next, err := transition(ctx, rec, stream.EventStop)
	if err != nil {
		return err
	}

	now := l.clock.Now()
	wasActive := rec.Status.IsActive()
	rec = accrual.Settle(rec, now)
	rec.FlowRate = amount.Zero()
	rec.Status = next

	refund := amount.Zero()
	if l.refundOnStop {
		refund = rec.Deposited.Sub(rec.Streamed)
		if !refund.IsZero() {
			if err := l.vault.Release(ctx, rec.Sender, rec.Token, refund, rec.ID); err != nil {
				return errors.CustodyFailure("release", err)
			}
		}
	}

	delta := 0
	if wasActive {
		delta = -1
	}
	if err := l.persist(ctx, rec, delta); err != nil {
		if !refund.IsZero() {
			l.logger.WithContext(ctx).WithFields(map[string]interface{}{
				"stream_id": id,
				"refund":    refund.String(),
			}).Error("Refund released but stop not persisted")
		}
		return err
	}

	ev := events.New(ctx, events.EventStreamStopped, id, caller, now).
		WithStatus(next).
		WithMetadata("streamed", rec.Streamed.String())
	if !refund.IsZero() {
		ev = ev.WithAmount(refund)
	}
	l.publish(ctx, ev)
	return nil
}

// DepositToStream tops up a non-stopped stream. Accrual is not settled: the
// larger deposit applies to the whole period since the last settlement.
func (l *Ledger) DepositToStream(ctx context.Context, caller stream.ActorID, id uint64, amt amount.Amount) (err error) {
	start := time.Now()
	defer func() { l.observe(ctx, "deposit", id, caller, start, err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.load(ctx, id)
	if err != nil {
		return err
	}
	if err := requireSender(rec, caller); err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return errors.InvalidState("stream is stopped").WithDetails("stream_id", id)
	}
	if amt.IsZero() {
		return errors.InvalidArgument("amount must be positive")
	}

	if err := l.vault.Allocate(ctx, caller, rec.Token, amt, rec.ID); err != nil {
		return errors.CustodyFailure("allocate", err)
	}
	rec.Deposited = rec.Deposited.Add(amt)
	if err := l.persist(ctx, rec, 0); err != nil {
		l.compensateAllocation(ctx, rec, amt)
		return err
	}

	l.publish(ctx, events.New(ctx, events.EventStreamDeposited, id, caller, l.clock.Now()).
		WithAmount(amt).
		WithStatus(rec.Status).
		WithMetadata("deposited", rec.Deposited.String()))
	return nil
}

// WithdrawFromStream settles and pays the receiver everything withdrawable.
func (l *Ledger) WithdrawFromStream(ctx context.Context, caller stream.ActorID, id uint64) (paid amount.Amount, err error) {
	start := time.Now()
	defer func() { l.observe(ctx, "withdraw", id, caller, start, err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.load(ctx, id)
	if err != nil {
		return amount.Zero(), err
	}
	if caller != rec.Receiver {
		return amount.Zero(), errors.Unauthorized("Only the receiver may withdraw").WithDetails("stream_id", id)
	}

	now := l.clock.Now()
	rec = accrual.Settle(rec, now)
	payout := accrual.WithdrawableBalance(rec, now)
	if payout.IsZero() {
		return amount.Zero(), errors.NothingToWithdraw(id)
	}

	if err := l.vault.TransferToReceiver(ctx, rec.Token, rec.Receiver, payout, rec.ID); err != nil {
		return amount.Zero(), errors.CustodyFailure("transfer", err)
	}
	rec.Withdrawn = rec.Withdrawn.Add(payout)
	if err := l.persist(ctx, rec, 0); err != nil {
		l.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"stream_id": id,
			"receiver":  rec.Receiver,
			"amount":    payout.String(),
		}).Error("Payout transferred but withdrawal not persisted")
		return amount.Zero(), err
	}
	metrics.AddWithdrawn(rec.Token, payout.Float64())

	l.publish(ctx, events.New(ctx, events.EventStreamWithdrawn, id, caller, now).
		WithAmount(payout).
		WithStatus(rec.Status))
	return payout, nil
}

// LiquidateStream pauses an active stream whose remaining buffer has dropped
// below flow_rate * min_buffer_seconds.
func (l *Ledger) LiquidateStream(ctx context.Context, caller stream.ActorID, id uint64) (err error) {
	start := time.Now()
	defer func() { l.observe(ctx, "liquidate", id, caller, start, err) }()

	if err := requireCaller(caller); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.load(ctx, id)
	if err != nil {
		return err
	}
	if len(l.liquidators) > 0 && !l.liquidators[caller] {
		return errors.Unauthorized("Caller is not an authorized liquidator").
			WithDetails("stream_id", id)
	}
	cfg, err := l.loadConfig(ctx)
	if err != nil {
		return err
	}

	now := l.clock.Now()
	if !accrual.ShouldLiquidate(rec, now, cfg.MinBufferSeconds) {
		return errors.NotEligibleForLiquidation(id)
	}
	next, err := transition(ctx, rec, stream.EventLiquidate)
	if err != nil {
		return err
	}

	remaining := accrual.RemainingBuffer(rec, now)
	rec = accrual.Settle(rec, now)
	rec.Status = next
	if err := l.persist(ctx, rec, -1); err != nil {
		return err
	}

	l.publish(ctx, events.New(ctx, events.EventStreamLiquidated, id, caller, now).
		WithStatus(next).
		WithMetadata("remaining_buffer", remaining.String()).
		WithMetadata("sender", string(rec.Sender)))
	return nil
}

// SetVaultAddress replaces the custody address. Admin only. With a vault
// resolver configured, later custody calls go to the gateway at the new
// address; an address the resolver rejects is InvalidArgument. Without one
// the address is recorded and published only.
func (l *Ledger) SetVaultAddress(ctx context.Context, caller stream.ActorID, address string) (err error) {
	start := time.Now()
	defer func() { l.observe(ctx, "set_vault", 0, caller, start, err) }()

	if address == "" {
		return errors.InvalidArgument("vault address is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := l.loadConfig(ctx)
	if err != nil {
		return err
	}
	if caller != cfg.Admin {
		return errors.Unauthorized("Only the admin may change the vault address")
	}
	var next vault.Gateway
	if l.resolveVault != nil {
		if next, err = l.resolveVault(address); err != nil {
			return errors.InvalidArgument("Unknown vault address").
				WithDetails("vault_address", address).
				WithDetails("reason", err.Error())
		}
	}
	old := cfg.VaultAddress
	cfg.VaultAddress = address
	if err := l.store.SaveConfig(ctx, cfg); err != nil {
		return errors.Internal("Failed to persist configuration", err)
	}
	if next != nil {
		l.vault = next
	}

	l.publish(ctx, events.New(ctx, events.EventVaultUpdated, 0, caller, l.clock.Now()).
		WithMetadata("old_vault_address", old).
		WithMetadata("vault_address", address))
	return nil
}

func (l *Ledger) compensateAllocation(ctx context.Context, rec stream.Stream, amt amount.Amount) {
	if amt.IsZero() {
		return
	}
	if err := l.vault.Release(ctx, rec.Sender, rec.Token, amt, rec.ID); err != nil {
		l.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"stream_id": rec.ID,
			"amount":    amt.String(),
		}).Error("Failed to release allocation after persist failure")
	}
}
