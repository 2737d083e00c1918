// Package postgres implements storage.Store backed by PostgreSQL.
//
// The serial counter is a single row updated with UPDATE ... RETURNING, so
// the row lock taken by PostgreSQL orders concurrent allocations across every
// process sharing the database. Identity fields are stored as individual
// columns rather than a JSON blob so nonce and ciphertext use native BYTEA.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironca/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given pgx connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Store.
func NewStoreFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewStore(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) LoadCAIdentity(ctx context.Context) (*storage.Identity, error) {
	var id storage.Identity
	var env storage.Envelope
	var kdfTime, kdfMemory, kdfKeyLen int32
	var kdfParallelism int16
	err := s.pool.QueryRow(ctx,
		`SELECT key_algorithm, kdf_time, kdf_memory, kdf_parallelism, kdf_key_len,
		        salt, key_ver, key_scheme, key_nonce, key_ciphertext, certificate, created_at
		 FROM ca_identity WHERE id = 1`).Scan(
		&id.KeyAlgorithm, &kdfTime, &kdfMemory, &kdfParallelism, &kdfKeyLen,
		&id.Salt, &env.Ver, &env.Scheme, &env.Nonce, &env.Ciphertext, &id.Certificate, &id.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	id.KDFParams.Time = uint32(kdfTime)
	id.KDFParams.MemoryKiB = uint32(kdfMemory)
	id.KDFParams.Parallelism = uint8(kdfParallelism)
	id.KDFParams.KeyLen = uint32(kdfKeyLen)
	id.Key = &env
	return &id, nil
}

func (s *Store) SaveCAIdentity(ctx context.Context, id *storage.Identity) error {
	if id.Key == nil {
		return fmt.Errorf("CA identity has no sealed key")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO ca_identity (id, key_algorithm, kdf_time, kdf_memory, kdf_parallelism, kdf_key_len,
		                          salt, key_ver, key_scheme, key_nonce, key_ciphertext, certificate, created_at)
		 VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		id.KeyAlgorithm,
		int32(id.KDFParams.Time), int32(id.KDFParams.MemoryKiB), int16(id.KDFParams.Parallelism), int32(id.KDFParams.KeyLen),
		id.Salt, id.Key.Ver, id.Key.Scheme, id.Key.Nonce, id.Key.Ciphertext, id.Certificate, id.CreatedAt)
	if err != nil {
		return mapError(err, "CA identity")
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO certificates (serial, der) VALUES ($1, $2)`,
		storage.CASerial, id.Certificate)
	if err != nil {
		return mapError(err, fmt.Sprintf("serial %d", storage.CASerial))
	}
	return tx.Commit(ctx)
}

func (s *Store) NextSerial(ctx context.Context) (int64, error) {
	var next int64
	err := s.pool.QueryRow(ctx,
		`UPDATE serial_counter SET last_serial = GREATEST(last_serial, $1) + 1
		 WHERE id = 1 RETURNING last_serial`,
		storage.CASerial).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("allocating serial: %w", err)
	}
	return next, nil
}

func (s *Store) SaveCertificate(ctx context.Context, serial int64, der []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO certificates (serial, der) VALUES ($1, $2)`, serial, der)
	if err != nil {
		return mapError(err, fmt.Sprintf("serial %d", serial))
	}
	return nil
}

func (s *Store) ListCertificates(ctx context.Context) ([][]byte, error) {
	rows, err := s.pool.Query(ctx, `SELECT der FROM certificates ORDER BY serial`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var der []byte
		if err := rows.Scan(&der); err != nil {
			return nil, err
		}
		out = append(out, der)
	}
	return out, rows.Err()
}

// mapError translates PostgreSQL unique violations into storage.ErrAlreadyExists.
func mapError(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return fmt.Errorf("%s: %w", what, storage.ErrAlreadyExists)
	}
	return err
}
