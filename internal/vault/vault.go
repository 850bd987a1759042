// Package vault defines the custody contract the ledger relies on and ships
// two implementations: an in-process custody book and an HTTP client for a
// remote custody service.
package vault

import (
	"context"
	"errors"

	"github.com/R3E-Network/streamflow/internal/amount"
	"github.com/R3E-Network/streamflow/internal/domain/stream"
)

var (
	// ErrInsufficientFunds is returned when the owner's free balance cannot
	// cover an allocation.
	ErrInsufficientFunds = errors.New("vault: insufficient funds")
	// ErrOverRelease is returned when a release exceeds the stream allocation.
	ErrOverRelease = errors.New("vault: release exceeds allocation")
	// ErrTransferFailed is returned when a payout cannot be made.
	ErrTransferFailed = errors.New("vault: transfer failed")
	// ErrPaused is returned by every custody call while the vault is paused.
	ErrPaused = errors.New("vault: paused")
	// ErrUnauthorized is returned when a non-admin calls an admin operation.
	ErrUnauthorized = errors.New("vault: unauthorized")
	// ErrInvalidAmount is returned for zero amounts.
	ErrInvalidAmount = errors.New("vault: amount must be positive")
)

// Gateway is the custody contract. Calls are synchronous; a returned error
// means custody state did not change.
type Gateway interface {
	// Allocate reserves amount of owner's token balance for a stream.
	Allocate(ctx context.Context, owner stream.ActorID, token string, amount amount.Amount, streamID uint64) error
	// Release returns amount of a stream allocation to its owner.
	Release(ctx context.Context, owner stream.ActorID, token string, amount amount.Amount, streamID uint64) error
	// TransferToReceiver pays amount out of a stream allocation.
	TransferToReceiver(ctx context.Context, token string, receiver stream.ActorID, amount amount.Amount, streamID uint64) error
}
