// Package storage defines the persistence contract for stream records, the
// per-actor indices, the active-stream counter and the ledger configuration.
package storage

import (
	"context"
	"errors"

	"github.com/R3E-Network/streamflow/internal/domain/stream"
)

var (
	// ErrNotFound is returned when a stream or the config record is absent.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when an insert collides with an existing id.
	ErrConflict = errors.New("storage: conflict")
)

// Store persists streams and configuration. Every mutating method is
// atomic: either all of its writes land or none do.
type Store interface {
	// GetConfig returns the ledger configuration, or ErrNotFound before
	// SaveConfig has ever been called.
	GetConfig(ctx context.Context) (stream.Config, error)
	SaveConfig(ctx context.Context, cfg stream.Config) error

	// CreateStream inserts s, appends its id to the sender and receiver
	// indices, sets next_stream_id to s.ID+1 and increments the active
	// counter when s is active.
	CreateStream(ctx context.Context, s stream.Stream) error

	GetStream(ctx context.Context, id uint64) (stream.Stream, error)

	// UpdateStream replaces an existing record and adjusts the active
	// counter by activeDelta (-1, 0 or +1).
	UpdateStream(ctx context.Context, s stream.Stream, activeDelta int) error

	// ListBySender and ListByReceiver return ids in insertion order.
	ListBySender(ctx context.Context, sender stream.ActorID) ([]uint64, error)
	ListByReceiver(ctx context.Context, receiver stream.ActorID) ([]uint64, error)

	// ListActive returns the ids of every active stream in ascending order.
	ListActive(ctx context.Context) ([]uint64, error)

	// ActiveCount returns the incrementally maintained active counter.
	ActiveCount(ctx context.Context) (uint64, error)

	Close() error
}
