package accrual

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/R3E-Network/streamflow/internal/amount"
	"github.com/R3E-Network/streamflow/internal/domain/stream"
)

func activeStream(rate, deposited uint64, at uint64) stream.Stream {
	return stream.Stream{
		ID:         1,
		Sender:     "alice",
		Receiver:   "bob",
		Token:      "USDC",
		FlowRate:   amount.New(rate),
		StartTime:  at,
		LastUpdate: at,
		Deposited:  amount.New(deposited),
		Status:     stream.StatusActive,
	}
}

func TestAccruedSinceLastUpdate(t *testing.T) {
	s := activeStream(10, 100000, 1000)

	assert.Equal(t, "0", AccruedSinceLastUpdate(s, 1000).String())
	assert.Equal(t, "0", AccruedSinceLastUpdate(s, 500).String())
	assert.Equal(t, "100", AccruedSinceLastUpdate(s, 1010).String())

	s.Status = stream.StatusPaused
	assert.Equal(t, "0", AccruedSinceLastUpdate(s, 5000).String())
}

func TestAccrualSaturates(t *testing.T) {
	s := activeStream(0, 0, 0)
	s.FlowRate = amount.Max()
	s.Deposited = amount.Max()

	assert.True(t, AccruedSinceLastUpdate(s, 1<<63).Equal(amount.Max()))
	assert.True(t, TotalStreamed(s, 1<<63).Equal(amount.Max()))
	assert.True(t, RemainingBuffer(s, 1<<63).IsZero())
	assert.True(t, WithdrawableBalance(s, 1<<63).Equal(amount.Max()))
}

// Create at t=1000 with rate 10 and deposit 100000; at t=1100 the receiver
// can claim 1000 and the buffer is 99000.
func TestLinearAccrualScenario(t *testing.T) {
	s := activeStream(10, 100000, 1000)

	assert.Equal(t, "1000", WithdrawableBalance(s, 1100).String())
	assert.Equal(t, "99000", RemainingBuffer(s, 1100).String())
	assert.False(t, ShouldLiquidate(s, 1100, 3600))
}

func TestWithdrawableCappedAtDeposit(t *testing.T) {
	s := activeStream(10, 36000, 0)
	s.Withdrawn = amount.New(1000)
	s.Streamed = amount.New(1000)

	// Far beyond exhaustion: claimable is deposit minus withdrawn.
	assert.Equal(t, "35000", WithdrawableBalance(s, 1_000_000).String())
	assert.True(t, RemainingBuffer(s, 1_000_000).IsZero())
}

func TestSettle(t *testing.T) {
	s := activeStream(10, 100000, 1000)

	settled := Settle(s, 1100)
	assert.Equal(t, "1000", settled.Streamed.String())
	assert.Equal(t, uint64(1100), settled.LastUpdate)

	// Idempotent for a fixed now.
	again := Settle(settled, 1100)
	assert.Equal(t, settled, again)

	// Earlier now leaves the record untouched.
	assert.Equal(t, settled, Settle(settled, 1050))

	// Capped at deposited.
	capped := Settle(s, 1_000_000)
	assert.Equal(t, "100000", capped.Streamed.String())
	assert.Equal(t, uint64(1_000_000), capped.LastUpdate)

	// Paused streams are not settled.
	s.Status = stream.StatusPaused
	assert.Equal(t, s, Settle(s, 5000))
}

func TestShouldLiquidate(t *testing.T) {
	s := activeStream(10, 36000, 0)

	assert.False(t, ShouldLiquidate(s, 0, 3600), "buffer equal to threshold is healthy")
	assert.True(t, ShouldLiquidate(s, 1, 3600))

	paused := s
	paused.Status = stream.StatusPaused
	assert.False(t, ShouldLiquidate(paused, 1_000_000, 3600))

	stopped := s
	stopped.Status = stream.StatusStopped
	stopped.FlowRate = amount.Zero()
	assert.False(t, ShouldLiquidate(stopped, 1_000_000, 3600))
}

func TestSnap(t *testing.T) {
	s := activeStream(10, 100000, 1000)
	snap := Snap(s, 1100, 3600)
	assert.Equal(t, uint64(1), snap.StreamID)
	assert.Equal(t, "1000", snap.TotalStreamed.String())
	assert.Equal(t, "1000", snap.Withdrawable.String())
	assert.Equal(t, "99000", snap.RemainingBuffer.String())
	assert.False(t, snap.Liquidatable)
}

func TestAccrualProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		start := uint64(rng.Int63n(1_000_000))
		rate := uint64(rng.Int63n(1000) + 1)
		deposit := uint64(rng.Int63n(10_000_000))
		s := activeStream(rate, deposit, start)

		now := start
		prevTotal := amount.Zero()
		for step := 0; step < 20; step++ {
			now += uint64(rng.Int63n(5000))
			if rng.Intn(3) == 0 {
				s = Settle(s, now)
				assert.NoError(t, s.CheckInvariants())
				assert.Equal(t, s, Settle(s, now))
			}
			total := amount.Min(TotalStreamed(s, now), s.Deposited)
			assert.False(t, total.LessThan(prevTotal), "streamed must be monotonic")
			prevTotal = total

			w := WithdrawableBalance(s, now)
			assert.False(t, w.Add(s.Withdrawn).GreaterThan(s.Deposited))

			if !ShouldLiquidate(s, now, 3600) {
				assert.False(t, RemainingBuffer(s, now).LessThan(RequiredBuffer(s.FlowRate, 3600)))
			}
		}
	}
}
