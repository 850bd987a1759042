// Package postgres provides a storage.Store backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/streamflow/internal/domain/stream"
	"github.com/R3E-Network/streamflow/internal/storage"
)

const uniqueViolation = "23505"

const streamColumns = `id, sender, receiver, token, flow_rate, start_time, last_update,
	deposited, streamed, withdrawn, status`

// Store implements storage.Store on PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for migrations.
func (s *Store) DB() *sql.DB { return s.db.DB }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) GetConfig(ctx context.Context) (stream.Config, error) {
	var cfg stream.Config
	err := s.db.GetContext(ctx, &cfg, `
		SELECT admin, min_buffer_seconds, next_stream_id, vault_address
		FROM ledger_config
		WHERE id = 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return stream.Config{}, storage.ErrNotFound
	}
	if err != nil {
		return stream.Config{}, fmt.Errorf("get config: %w", err)
	}
	return cfg, nil
}

func (s *Store) SaveConfig(ctx context.Context, cfg stream.Config) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_config (id, admin, min_buffer_seconds, next_stream_id, vault_address)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET admin = EXCLUDED.admin,
		    min_buffer_seconds = EXCLUDED.min_buffer_seconds,
		    next_stream_id = EXCLUDED.next_stream_id,
		    vault_address = EXCLUDED.vault_address,
		    updated_at = NOW()
	`, cfg.Admin, cfg.MinBufferSeconds, cfg.NextStreamID, cfg.VaultAddress)
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

func (s *Store) CreateStream(ctx context.Context, rec stream.Stream) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO streams (`+streamColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.ID, rec.Sender, rec.Receiver, rec.Token, rec.FlowRate, rec.StartTime, rec.LastUpdate,
		rec.Deposited, rec.Streamed, rec.Withdrawn, rec.Status)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("create stream %d: %w", rec.ID, storage.ErrConflict)
		}
		return fmt.Errorf("insert stream %d: %w", rec.ID, err)
	}

	delta := 0
	if rec.Status == stream.StatusActive {
		delta = 1
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE ledger_config
		SET next_stream_id = $1, active_streams = active_streams + $2, updated_at = NOW()
		WHERE id = 1
	`, rec.ID+1, delta)
	if err != nil {
		return fmt.Errorf("advance stream id: %w", err)
	}
	if err = expectOneRow(result); err != nil {
		return fmt.Errorf("create stream %d: config: %w", rec.ID, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) GetStream(ctx context.Context, id uint64) (stream.Stream, error) {
	var rec stream.Stream
	err := s.db.GetContext(ctx, &rec, `SELECT `+streamColumns+` FROM streams WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return stream.Stream{}, fmt.Errorf("stream %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return stream.Stream{}, fmt.Errorf("get stream %d: %w", id, err)
	}
	return rec, nil
}

func (s *Store) UpdateStream(ctx context.Context, rec stream.Stream, activeDelta int) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	result, err := tx.ExecContext(ctx, `
		UPDATE streams
		SET flow_rate = $2, last_update = $3, deposited = $4, streamed = $5,
		    withdrawn = $6, status = $7, updated_at = NOW()
		WHERE id = $1
	`, rec.ID, rec.FlowRate, rec.LastUpdate, rec.Deposited, rec.Streamed, rec.Withdrawn, rec.Status)
	if err != nil {
		return fmt.Errorf("update stream %d: %w", rec.ID, err)
	}
	if err = expectOneRow(result); err != nil {
		return fmt.Errorf("stream %d: %w", rec.ID, err)
	}

	if activeDelta != 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE ledger_config
			SET active_streams = GREATEST(active_streams + $1, 0), updated_at = NOW()
			WHERE id = 1
		`, activeDelta)
		if err != nil {
			return fmt.Errorf("adjust active counter: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) listIDs(ctx context.Context, query string, args ...interface{}) ([]uint64, error) {
	ids := []uint64{}
	if err := s.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) ListBySender(ctx context.Context, sender stream.ActorID) ([]uint64, error) {
	ids, err := s.listIDs(ctx, `SELECT id FROM streams WHERE sender = $1 ORDER BY id`, sender)
	if err != nil {
		return nil, fmt.Errorf("list by sender: %w", err)
	}
	return ids, nil
}

func (s *Store) ListByReceiver(ctx context.Context, receiver stream.ActorID) ([]uint64, error) {
	ids, err := s.listIDs(ctx, `SELECT id FROM streams WHERE receiver = $1 ORDER BY id`, receiver)
	if err != nil {
		return nil, fmt.Errorf("list by receiver: %w", err)
	}
	return ids, nil
}

func (s *Store) ListActive(ctx context.Context) ([]uint64, error) {
	ids, err := s.listIDs(ctx, `SELECT id FROM streams WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	return ids, nil
}

func (s *Store) ActiveCount(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.db.GetContext(ctx, &n, `SELECT active_streams FROM ledger_config WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("active count: %w", err)
	}
	return n, nil
}

func expectOneRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}
