// Package storagetest holds the behavioural suite every storage.Store
// implementation must pass.
package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/streamflow/internal/amount"
	"github.com/R3E-Network/streamflow/internal/domain/stream"
	"github.com/R3E-Network/streamflow/internal/storage"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) storage.Store

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("ConfigRoundTrip", func(t *testing.T) { testConfigRoundTrip(t, newStore(t)) })
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("IndicesKeepInsertionOrder", func(t *testing.T) { testIndices(t, newStore(t)) })
	t.Run("UpdateAdjustsActiveCounter", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("DuplicateIDRejected", func(t *testing.T) { testDuplicate(t, newStore(t)) })
}

// Sample builds an active stream record for tests.
func Sample(id uint64, sender, receiver stream.ActorID) stream.Stream {
	return stream.Stream{
		ID:         id,
		Sender:     sender,
		Receiver:   receiver,
		Token:      "USDC",
		FlowRate:   amount.New(10),
		StartTime:  1000,
		LastUpdate: 1000,
		Deposited:  amount.MustParse("340282366920938463463374607431768211455"),
		Streamed:   amount.New(0),
		Withdrawn:  amount.New(0),
		Status:     stream.StatusActive,
	}
}

func initConfig(t *testing.T, s storage.Store) {
	t.Helper()
	require.NoError(t, s.SaveConfig(context.Background(), stream.NewConfig("admin", "vault")))
}

func testConfigRoundTrip(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	_, err := s.GetConfig(ctx)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)

	cfg := stream.NewConfig("admin", "vault-a")
	require.NoError(t, s.SaveConfig(ctx, cfg))
	got, err := s.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	cfg.VaultAddress = "vault-b"
	require.NoError(t, s.SaveConfig(ctx, cfg))
	got, err = s.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "vault-b", got.VaultAddress)
}

func testCreateAndGet(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	initConfig(t, s)

	_, err := s.GetStream(ctx, 1)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)

	rec := Sample(1, "alice", "bob")
	require.NoError(t, s.CreateStream(ctx, rec))

	got, err := s.GetStream(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	cfg, err := s.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cfg.NextStreamID)

	n, err := s.ActiveCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func testIndices(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	initConfig(t, s)

	require.NoError(t, s.CreateStream(ctx, Sample(1, "alice", "bob")))
	require.NoError(t, s.CreateStream(ctx, Sample(2, "carol", "bob")))
	require.NoError(t, s.CreateStream(ctx, Sample(3, "alice", "dave")))
	require.NoError(t, s.CreateStream(ctx, Sample(10, "alice", "bob")))

	ids, err := s.ListBySender(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 3, 10}, ids)

	ids, err = s.ListByReceiver(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 10}, ids)

	ids, err = s.ListBySender(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = s.ListActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3, 10}, ids)
}

func testUpdate(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	initConfig(t, s)

	rec := Sample(1, "alice", "bob")
	require.NoError(t, s.CreateStream(ctx, rec))
	require.NoError(t, s.CreateStream(ctx, Sample(2, "alice", "bob")))

	rec.Status = stream.StatusPaused
	rec.Streamed = amount.New(500)
	rec.LastUpdate = 1050
	require.NoError(t, s.UpdateStream(ctx, rec, -1))

	got, err := s.GetStream(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	n, err := s.ActiveCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	ids, err := s.ListActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, ids)

	missing := Sample(99, "x", "y")
	err = s.UpdateStream(ctx, missing, 0)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
}

func testDuplicate(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	initConfig(t, s)

	require.NoError(t, s.CreateStream(ctx, Sample(1, "alice", "bob")))
	err := s.CreateStream(ctx, Sample(1, "alice", "bob"))
	assert.True(t, errors.Is(err, storage.ErrConflict), "got %v", err)

	ids, err := s.ListBySender(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, ids)
}
