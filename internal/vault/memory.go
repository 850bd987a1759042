package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/R3E-Network/streamflow/internal/amount"
	"github.com/R3E-Network/streamflow/internal/domain/stream"
)

// Balance is an owner's holdings of one token.
type Balance struct {
	Owner          stream.ActorID `json:"owner"`
	Token          string         `json:"token"`
	TotalDeposited amount.Amount  `json:"total_deposited"`
	TotalAllocated amount.Amount  `json:"total_allocated"`
	Available      amount.Amount  `json:"available"`
}

// Allocation is the portion of an owner's balance reserved for one stream.
type Allocation struct {
	StreamID uint64         `json:"stream_id"`
	Owner    stream.ActorID `json:"owner"`
	Token    string         `json:"token"`
	Amount   amount.Amount  `json:"amount"`
}

type balanceKey struct {
	owner stream.ActorID
	token string
}

// Memory is an in-process custody book. It is safe for concurrent use.
type Memory struct {
	mu          sync.RWMutex
	admin       stream.ActorID
	paused      bool
	balances    map[balanceKey]*Balance
	allocations map[uint64]*Allocation
}

var _ Gateway = (*Memory)(nil)

// NewMemory creates an empty custody book administered by admin.
func NewMemory(admin stream.ActorID) *Memory {
	return &Memory{
		admin:       admin,
		balances:    make(map[balanceKey]*Balance),
		allocations: make(map[uint64]*Allocation),
	}
}

func (m *Memory) balance(owner stream.ActorID, token string) *Balance {
	key := balanceKey{owner: owner, token: token}
	b, ok := m.balances[key]
	if !ok {
		b = &Balance{Owner: owner, Token: token}
		m.balances[key] = b
	}
	return b
}

// DepositTokens credits owner's free balance.
func (m *Memory) DepositTokens(ctx context.Context, owner stream.ActorID, token string, amt amount.Amount) error {
	if amt.IsZero() {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return ErrPaused
	}

	b := m.balance(owner, token)
	b.TotalDeposited = b.TotalDeposited.Add(amt)
	b.Available = b.Available.Add(amt)
	return nil
}

// WithdrawTokens debits owner's free balance.
func (m *Memory) WithdrawTokens(ctx context.Context, owner stream.ActorID, token string, amt amount.Amount) error {
	if amt.IsZero() {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return ErrPaused
	}

	b := m.balance(owner, token)
	if b.Available.LessThan(amt) {
		return fmt.Errorf("%w: available %s, requested %s", ErrInsufficientFunds, b.Available, amt)
	}
	b.Available = b.Available.Sub(amt)
	b.TotalDeposited = b.TotalDeposited.Sub(amt)
	return nil
}

// Allocate implements Gateway.
func (m *Memory) Allocate(ctx context.Context, owner stream.ActorID, token string, amt amount.Amount, streamID uint64) error {
	if amt.IsZero() {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return ErrPaused
	}

	b := m.balance(owner, token)
	if b.Available.LessThan(amt) {
		return fmt.Errorf("%w: available %s, requested %s", ErrInsufficientFunds, b.Available, amt)
	}

	alloc, ok := m.allocations[streamID]
	if !ok {
		alloc = &Allocation{StreamID: streamID, Owner: owner, Token: token}
		m.allocations[streamID] = alloc
	} else if alloc.Owner != owner || alloc.Token != token {
		return fmt.Errorf("stream %d is allocated to %s/%s", streamID, alloc.Owner, alloc.Token)
	}

	b.Available = b.Available.Sub(amt)
	b.TotalAllocated = b.TotalAllocated.Add(amt)
	alloc.Amount = alloc.Amount.Add(amt)
	return nil
}

// Release implements Gateway.
func (m *Memory) Release(ctx context.Context, owner stream.ActorID, token string, amt amount.Amount, streamID uint64) error {
	if amt.IsZero() {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return ErrPaused
	}

	alloc, ok := m.allocations[streamID]
	if !ok || alloc.Owner != owner || alloc.Token != token || alloc.Amount.LessThan(amt) {
		return fmt.Errorf("%w: stream %d", ErrOverRelease, streamID)
	}

	b := m.balance(owner, token)
	alloc.Amount = alloc.Amount.Sub(amt)
	b.TotalAllocated = b.TotalAllocated.Sub(amt)
	b.Available = b.Available.Add(amt)
	return nil
}

// TransferToReceiver implements Gateway. The payout is credited to the
// receiver's free balance in the same book.
func (m *Memory) TransferToReceiver(ctx context.Context, token string, receiver stream.ActorID, amt amount.Amount, streamID uint64) error {
	if amt.IsZero() {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return ErrPaused
	}

	alloc, ok := m.allocations[streamID]
	if !ok || alloc.Token != token || alloc.Amount.LessThan(amt) {
		return fmt.Errorf("%w: stream %d allocation too small", ErrTransferFailed, streamID)
	}

	owner := m.balance(alloc.Owner, token)
	alloc.Amount = alloc.Amount.Sub(amt)
	owner.TotalAllocated = owner.TotalAllocated.Sub(amt)
	owner.TotalDeposited = owner.TotalDeposited.Sub(amt)

	recv := m.balance(receiver, token)
	recv.TotalDeposited = recv.TotalDeposited.Add(amt)
	recv.Available = recv.Available.Add(amt)
	return nil
}

// Balance returns a copy of owner's balance for token.
func (m *Memory) Balance(owner stream.ActorID, token string) Balance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.balances[balanceKey{owner: owner, token: token}]; ok {
		return *b
	}
	return Balance{Owner: owner, Token: token}
}

// StreamAllocation returns the amount currently reserved for streamID.
func (m *Memory) StreamAllocation(streamID uint64) amount.Amount {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.allocations[streamID]; ok {
		return a.Amount
	}
	return amount.Zero()
}

// EmergencyPause blocks all custody calls until Unpause.
func (m *Memory) EmergencyPause(caller stream.ActorID) error {
	return m.setPaused(caller, true)
}

// Unpause lifts an emergency pause.
func (m *Memory) Unpause(caller stream.ActorID) error {
	return m.setPaused(caller, false)
}

func (m *Memory) setPaused(caller stream.ActorID, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if caller != m.admin {
		return ErrUnauthorized
	}
	m.paused = paused
	return nil
}

// Paused reports whether the vault is paused.
func (m *Memory) Paused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused
}
