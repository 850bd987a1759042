// Package memory provides an in-memory storage.Store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/R3E-Network/streamflow/internal/domain/stream"
	"github.com/R3E-Network/streamflow/internal/storage"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	config     *stream.Config
	streams    map[uint64]stream.Stream
	bySender   map[stream.ActorID][]uint64
	byReceiver map[stream.ActorID][]uint64
	active     uint64
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		streams:    make(map[uint64]stream.Stream),
		bySender:   make(map[stream.ActorID][]uint64),
		byReceiver: make(map[stream.ActorID][]uint64),
	}
}

func (s *Store) GetConfig(_ context.Context) (stream.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.config == nil {
		return stream.Config{}, storage.ErrNotFound
	}
	return *s.config, nil
}

func (s *Store) SaveConfig(_ context.Context, cfg stream.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = &cfg
	return nil
}

func (s *Store) CreateStream(_ context.Context, rec stream.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config == nil {
		return fmt.Errorf("create stream %d: config: %w", rec.ID, storage.ErrNotFound)
	}
	if _, exists := s.streams[rec.ID]; exists {
		return fmt.Errorf("create stream %d: %w", rec.ID, storage.ErrConflict)
	}

	s.streams[rec.ID] = rec
	s.bySender[rec.Sender] = append(s.bySender[rec.Sender], rec.ID)
	s.byReceiver[rec.Receiver] = append(s.byReceiver[rec.Receiver], rec.ID)
	s.config.NextStreamID = rec.ID + 1
	if rec.Status == stream.StatusActive {
		s.active++
	}
	return nil
}

func (s *Store) GetStream(_ context.Context, id uint64) (stream.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.streams[id]
	if !ok {
		return stream.Stream{}, fmt.Errorf("stream %d: %w", id, storage.ErrNotFound)
	}
	return rec, nil
}

func (s *Store) UpdateStream(_ context.Context, rec stream.Stream, activeDelta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[rec.ID]; !ok {
		return fmt.Errorf("stream %d: %w", rec.ID, storage.ErrNotFound)
	}
	s.streams[rec.ID] = rec
	s.active = applyDelta(s.active, activeDelta)
	return nil
}

func (s *Store) ListBySender(_ context.Context, sender stream.ActorID) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneIDs(s.bySender[sender]), nil
}

func (s *Store) ListByReceiver(_ context.Context, receiver stream.ActorID) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneIDs(s.byReceiver[receiver]), nil
}

func (s *Store) ListActive(_ context.Context) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint64, 0, s.active)
	for id, rec := range s.streams {
		if rec.Status == stream.StatusActive {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) ActiveCount(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, nil
}

func (s *Store) Close() error { return nil }

func applyDelta(n uint64, delta int) uint64 {
	switch {
	case delta > 0:
		return n + uint64(delta)
	case delta < 0 && uint64(-delta) > n:
		return 0
	default:
		return n - uint64(-delta)
	}
}

func cloneIDs(ids []uint64) []uint64 {
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out
}
