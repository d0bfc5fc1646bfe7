// Package postgres stores the upload state of each client in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/derektruong/fxupload/internal/upstate"
	"github.com/derektruong/fxupload/storage"
	"github.com/derektruong/fxupload/storage/postgres/migrations"
	"github.com/go-logr/logr"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Store implements storage.Store over a *sql.DB opened with the pgx driver.
type Store struct {
	logger logr.Logger
	db     *sql.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore binds a store to an open database.
func NewStore(logger logr.Logger, db *sql.DB) *Store {
	return &Store{
		logger: logger.WithName("postgres.store"),
		db:     db,
	}
}

// Open connects to dsn, checks the connection and applies the migrations.
func Open(ctx context.Context, logger logr.Logger, dsn string) (s *Store, err error) {
	var db *sql.DB
	if db, err = sql.Open("pgx", dsn); err != nil {
		return
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return
	}
	s = NewStore(logger, db)
	if err = s.RunMigrations(ctx); err != nil {
		db.Close()
		s = nil
		return
	}
	return
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations applies the embedded migrations.
func (s *Store) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, s.db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	if err := s.db.Close(); err != nil {
		s.logger.Error(err, "failed to close database")
		return
	}
	s.logger.Info("closed postgres store")
}

func (s *Store) GetState(ctx context.Context, clientID string) (state upstate.State, err error) {
	var exists int
	if err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM upload_clients WHERE client_id = $1`, clientID,
	).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = storage.ErrStateNotExists
			return
		}
		err = fmt.Errorf("db error: %w", err)
		return
	}

	var rows *sql.Rows
	if rows, err = s.db.QueryContext(ctx, `
		SELECT file_id, original_name, size, path, validated_bytes, rate_kbps, paused, first_chunk_checksum, created_at
		FROM upload_records
		WHERE client_id = $1`, clientID,
	); err != nil {
		err = fmt.Errorf("db error: %w", err)
		return
	}
	defer rows.Close()

	state = upstate.NewState(clientID)
	for rows.Next() {
		var (
			rec  upstate.Record
			rate sql.NullInt64
		)
		if err = rows.Scan(
			&rec.ID, &rec.OriginalName, &rec.Size, &rec.Path,
			&rec.ValidatedBytes, &rate, &rec.Paused, &rec.FirstChunkChecksum, &rec.CreatedAt,
		); err != nil {
			err = fmt.Errorf("scan error: %w", err)
			return
		}
		if rate.Valid {
			rec.RateKBps = &rate.Int64
		}
		state.Put(rec)
	}
	if err = rows.Err(); err != nil {
		err = fmt.Errorf("rows error: %w", err)
	}
	return
}

func (s *Store) Persist(ctx context.Context, clientID string, state upstate.State) (err error) {
	var tx *sql.Tx
	if tx, err = s.db.BeginTx(ctx, nil); err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Error(rbErr, "failed to rollback", "clientID", clientID)
			}
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO upload_clients (client_id, updated_at)
		VALUES ($1, $2)
		ON CONFLICT (client_id) DO UPDATE SET updated_at = EXCLUDED.updated_at`,
		clientID, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM upload_records WHERE client_id = $1`, clientID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	for _, rec := range state.Records {
		var rate sql.NullInt64
		if rec.RateKBps != nil {
			rate = sql.NullInt64{Int64: *rec.RateKBps, Valid: true}
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO upload_records
				(client_id, file_id, original_name, size, path, validated_bytes, rate_kbps, paused, first_chunk_checksum, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			clientID, rec.ID, rec.OriginalName, rec.Size, rec.Path,
			rec.ValidatedBytes, rate, rec.Paused, rec.FirstChunkChecksum, rec.CreatedAt,
		); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) DeleteAll(ctx context.Context, clientID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM upload_clients WHERE client_id = $1`, clientID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
