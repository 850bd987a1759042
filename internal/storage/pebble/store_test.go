package pebblestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/streamflow/internal/domain/stream"
	"github.com/R3E-Network/streamflow/internal/storage"
	"github.com/R3E-Network/streamflow/internal/storage/storagetest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	return s
}

func TestStoreSuite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return openTemp(t) })
}

func TestOpenRequiresDir(t *testing.T) {
	_, err := Open(Options{})
	assert.Error(t, err)
}

func TestReopenPreservesState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(Options{DataDir: dir, Sync: true})
	require.NoError(t, err)
	require.NoError(t, s.SaveConfig(ctx, stream.NewConfig("admin", "vault")))
	require.NoError(t, s.CreateStream(ctx, storagetest.Sample(1, "alice", "bob")))
	require.NoError(t, s.Close())

	s, err = Open(Options{DataDir: dir})
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.GetStream(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, stream.ActorID("alice"), rec.Sender)

	n, err := s.ActiveCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestActorPrefixesDoNotOverlap(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	defer s.Close()
	require.NoError(t, s.SaveConfig(ctx, stream.NewConfig("admin", "")))

	require.NoError(t, s.CreateStream(ctx, storagetest.Sample(1, "al", "bob")))
	require.NoError(t, s.CreateStream(ctx, storagetest.Sample(2, "alice", "bob")))

	ids, err := s.ListBySender(ctx, "al")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, ids)
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte("s0"), prefixEnd([]byte("s/")))
	assert.Equal(t, []byte{0x02}, prefixEnd([]byte{0x01, 0xff}))
	assert.Nil(t, prefixEnd([]byte{0xff}))
}
