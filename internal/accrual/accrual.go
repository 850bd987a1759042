// Package accrual computes how much of a stream has flowed at a given
// instant. Everything here is a pure function of the record and the time;
// nothing is persisted.
package accrual

import (
	"github.com/R3E-Network/streamflow/internal/amount"
	"github.com/R3E-Network/streamflow/internal/domain/stream"
)

// AccruedSinceLastUpdate returns flow_rate * (now - last_update) for an
// active stream, or zero when the stream is not active or now has not
// advanced past the watermark.
func AccruedSinceLastUpdate(s stream.Stream, now uint64) amount.Amount {
	if s.Status != stream.StatusActive || now <= s.LastUpdate {
		return amount.Zero()
	}
	return s.FlowRate.MulUint64(now - s.LastUpdate)
}

// TotalStreamed returns the settled amount plus pending accrual. The result
// may exceed deposited; callers that need a claimable figure cap it.
func TotalStreamed(s stream.Stream, now uint64) amount.Amount {
	return s.Streamed.Add(AccruedSinceLastUpdate(s, now))
}

// WithdrawableBalance returns what the receiver could claim at now.
func WithdrawableBalance(s stream.Stream, now uint64) amount.Amount {
	capped := amount.Min(TotalStreamed(s, now), s.Deposited)
	return capped.Sub(s.Withdrawn)
}

// RemainingBuffer returns the part of the deposit not yet streamed at now.
func RemainingBuffer(s stream.Stream, now uint64) amount.Amount {
	return s.Deposited.Sub(TotalStreamed(s, now))
}

// RequiredBuffer returns flow_rate * bufferSeconds.
func RequiredBuffer(flowRate amount.Amount, bufferSeconds uint64) amount.Amount {
	return flowRate.MulUint64(bufferSeconds)
}

// Settle folds pending accrual into Streamed, capped at Deposited, and moves
// LastUpdate to now. Non-active streams and a now at or before LastUpdate
// are returned unchanged, so the watermark never moves backwards.
func Settle(s stream.Stream, now uint64) stream.Stream {
	if s.Status != stream.StatusActive || now < s.LastUpdate {
		return s
	}
	s.Streamed = amount.Min(TotalStreamed(s, now), s.Deposited)
	s.LastUpdate = now
	return s
}

// ShouldLiquidate reports whether an active stream has fallen below the
// required buffer of flow_rate * minBufferSeconds.
func ShouldLiquidate(s stream.Stream, now, minBufferSeconds uint64) bool {
	if s.Status != stream.StatusActive || s.FlowRate.IsZero() {
		return false
	}
	return RemainingBuffer(s, now).LessThan(RequiredBuffer(s.FlowRate, minBufferSeconds))
}

// Snapshot is a read-only view of a stream's balances at an instant.
type Snapshot struct {
	StreamID        uint64        `json:"stream_id"`
	At              uint64        `json:"at"`
	TotalStreamed   amount.Amount `json:"total_streamed"`
	Withdrawable    amount.Amount `json:"withdrawable"`
	RemainingBuffer amount.Amount `json:"remaining_buffer"`
	Liquidatable    bool          `json:"liquidatable"`
}

// Snap evaluates all accrual figures for s at now.
func Snap(s stream.Stream, now, minBufferSeconds uint64) Snapshot {
	return Snapshot{
		StreamID:        s.ID,
		At:              now,
		TotalStreamed:   TotalStreamed(s, now),
		Withdrawable:    WithdrawableBalance(s, now),
		RemainingBuffer: RemainingBuffer(s, now),
		Liquidatable:    ShouldLiquidate(s, now, minBufferSeconds),
	}
}
