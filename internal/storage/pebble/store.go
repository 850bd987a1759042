// Package pebblestore provides a storage.Store on an embedded Pebble
// database for single-node deployments.
package pebblestore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/R3E-Network/streamflow/internal/domain/stream"
	"github.com/R3E-Network/streamflow/internal/storage"
)

// Key layout:
//
//	m/config                    JSON stream.Config
//	m/active                    uint64 big-endian
//	s/<id:8>                    JSON stream.Stream
//	x/snd/<actor>\x00<id:8>     empty
//	x/rcv/<actor>\x00<id:8>     empty
var (
	keyConfig      = []byte("m/config")
	keyActive      = []byte("m/active")
	prefixStream   = []byte("s/")
	prefixSender   = []byte("x/snd/")
	prefixReceiver = []byte("x/rcv/")
)

// Options configures the store.
type Options struct {
	// DataDir is the Pebble directory. Required.
	DataDir string
	// Sync forces a WAL fsync on every commit.
	Sync bool
	// PebbleOptions allows advanced tuning. Nil uses defaults.
	PebbleOptions *pebble.Options
}

// Store implements storage.Store on Pebble.
type Store struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	// mu serializes read-modify-write of the config and counter keys.
	mu sync.Mutex
}

var _ storage.Store = (*Store)(nil)

// Open creates or opens a store.
func Open(opts Options) (*Store, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble at %s", opts.DataDir)
	}
	wo := pebble.NoSync
	if opts.Sync {
		wo = pebble.Sync
	}
	return &Store{db: db, writeOpts: wo}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func streamKey(id uint64) []byte {
	k := make([]byte, len(prefixStream)+8)
	copy(k, prefixStream)
	binary.BigEndian.PutUint64(k[len(prefixStream):], id)
	return k
}

func indexPrefix(prefix []byte, actor stream.ActorID) []byte {
	k := make([]byte, 0, len(prefix)+len(actor)+1)
	k = append(k, prefix...)
	k = append(k, actor...)
	return append(k, 0)
}

func indexKey(prefix []byte, actor stream.ActorID, id uint64) []byte {
	k := indexPrefix(prefix, actor)
	var idb [8]byte
	binary.BigEndian.PutUint64(idb[:], id)
	return append(k, idb[:]...)
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (s *Store) GetConfig(_ context.Context) (stream.Config, error) {
	raw, err := s.get(keyConfig)
	if err != nil {
		return stream.Config{}, err
	}
	var cfg stream.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return stream.Config{}, errors.Wrap(err, "decode config")
	}
	return cfg, nil
}

func (s *Store) SaveConfig(_ context.Context, cfg stream.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	return errors.Wrap(s.db.Set(keyConfig, raw, s.writeOpts), "save config")
}

func (s *Store) activeCount() (uint64, error) {
	raw, err := s.get(keyActive)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, errors.Errorf("corrupt active counter: %d bytes", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func encodeCount(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

func (s *Store) CreateStream(ctx context.Context, rec stream.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.GetConfig(ctx)
	if err != nil {
		return errors.Wrapf(err, "create stream %d: config", rec.ID)
	}
	if _, err := s.get(streamKey(rec.ID)); err == nil {
		return errors.Wrapf(storage.ErrConflict, "create stream %d", rec.ID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	active, err := s.activeCount()
	if err != nil {
		return err
	}
	if rec.Status == stream.StatusActive {
		active++
	}
	cfg.NextStreamID = rec.ID + 1

	rawStream, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode stream")
	}
	rawCfg, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}

	b := s.db.NewBatch()
	defer b.Close()
	for _, kv := range [][2][]byte{
		{streamKey(rec.ID), rawStream},
		{indexKey(prefixSender, rec.Sender, rec.ID), nil},
		{indexKey(prefixReceiver, rec.Receiver, rec.ID), nil},
		{keyConfig, rawCfg},
		{keyActive, encodeCount(active)},
	} {
		if err := b.Set(kv[0], kv[1], nil); err != nil {
			return errors.Wrap(err, "batch set")
		}
	}
	return errors.Wrapf(b.Commit(s.writeOpts), "commit stream %d", rec.ID)
}

func (s *Store) GetStream(_ context.Context, id uint64) (stream.Stream, error) {
	raw, err := s.get(streamKey(id))
	if err != nil {
		return stream.Stream{}, errors.Wrapf(err, "stream %d", id)
	}
	var rec stream.Stream
	if err := json.Unmarshal(raw, &rec); err != nil {
		return stream.Stream{}, errors.Wrapf(err, "decode stream %d", id)
	}
	return rec, nil
}

func (s *Store) UpdateStream(_ context.Context, rec stream.Stream, activeDelta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.get(streamKey(rec.ID)); err != nil {
		return errors.Wrapf(err, "stream %d", rec.ID)
	}
	active, err := s.activeCount()
	if err != nil {
		return err
	}
	switch {
	case activeDelta > 0:
		active += uint64(activeDelta)
	case activeDelta < 0 && uint64(-activeDelta) <= active:
		active -= uint64(-activeDelta)
	case activeDelta < 0:
		active = 0
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode stream")
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(streamKey(rec.ID), raw, nil); err != nil {
		return errors.Wrap(err, "batch set")
	}
	if err := b.Set(keyActive, encodeCount(active), nil); err != nil {
		return errors.Wrap(err, "batch set")
	}
	return errors.Wrapf(b.Commit(s.writeOpts), "commit stream %d", rec.ID)
}

func (s *Store) listIndex(prefix []byte, actor stream.ActorID) ([]uint64, error) {
	lower := indexPrefix(prefix, actor)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixEnd(lower)})
	if err != nil {
		return nil, errors.Wrap(err, "new iterator")
	}
	defer it.Close()

	ids := []uint64{}
	for it.First(); it.Valid(); it.Next() {
		k := it.Key()
		if len(k) != len(lower)+8 {
			continue
		}
		ids = append(ids, binary.BigEndian.Uint64(k[len(lower):]))
	}
	return ids, errors.Wrap(it.Error(), "iterate index")
}

func (s *Store) ListBySender(_ context.Context, sender stream.ActorID) ([]uint64, error) {
	return s.listIndex(prefixSender, sender)
}

func (s *Store) ListByReceiver(_ context.Context, receiver stream.ActorID) ([]uint64, error) {
	return s.listIndex(prefixReceiver, receiver)
}

func (s *Store) ListActive(_ context.Context) ([]uint64, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefixStream, UpperBound: prefixEnd(prefixStream)})
	if err != nil {
		return nil, errors.Wrap(err, "new iterator")
	}
	defer it.Close()

	ids := []uint64{}
	for it.First(); it.Valid(); it.Next() {
		var rec stream.Stream
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return nil, errors.Wrapf(err, "decode %x", it.Key())
		}
		if rec.Status == stream.StatusActive {
			ids = append(ids, rec.ID)
		}
	}
	return ids, errors.Wrap(it.Error(), "iterate streams")
}

func (s *Store) ActiveCount(_ context.Context) (uint64, error) {
	return s.activeCount()
}
