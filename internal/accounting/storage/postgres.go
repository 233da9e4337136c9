package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/ilp-node/internal/accounting"
)

// PostgresSchema creates the tables used by PostgresStorage.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS ilp_accounts (
    path           TEXT PRIMARY KEY,
    debits_posted  NUMERIC(78, 0) NOT NULL DEFAULT 0,
    credits_posted NUMERIC(78, 0) NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS ilp_posted_transfers (
    id             BIGSERIAL PRIMARY KEY,
    debit_account  TEXT NOT NULL REFERENCES ilp_accounts(path),
    credit_account TEXT NOT NULL REFERENCES ilp_accounts(path),
    amount         NUMERIC(78, 0) NOT NULL,
    posted_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// DB is the subset of *pgxpool.Pool used by PostgresStorage.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// PostgresStorage persists posted totals in PostgreSQL using SERIALIZABLE
// transactions, retrying serialization failures.
type PostgresStorage struct {
	db         DB
	maxRetries int
}

// NewPostgresStorage wraps an existing pool or connection.
func NewPostgresStorage(db DB) *PostgresStorage {
	return &PostgresStorage{db: db, maxRetries: 3}
}

// ConnectPostgres opens a pool for dsn and makes sure the schema exists.
func ConnectPostgres(ctx context.Context, dsn string) (*PostgresStorage, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewPostgresStorage(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

func (s *PostgresStorage) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *PostgresStorage) LoadAccount(ctx context.Context, path accounting.AccountPath) (accounting.PostedTotals, bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var debits, credits string
	err := s.db.QueryRow(queryCtx,
		`SELECT debits_posted::text, credits_posted::text FROM ilp_accounts WHERE path = $1`,
		string(path)).Scan(&debits, &credits)
	if errors.Is(err, pgx.ErrNoRows) {
		return accounting.PostedTotals{}, false, nil
	}
	if err != nil {
		return accounting.PostedTotals{}, false, fmt.Errorf("query account: %w", err)
	}

	totals, err := parseTotals(debits, credits)
	if err != nil {
		return accounting.PostedTotals{}, false, fmt.Errorf("account %s: %w", path, err)
	}
	return totals, true, nil
}

func (s *PostgresStorage) InsertAccount(ctx context.Context, path accounting.AccountPath) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := s.db.Exec(queryCtx,
		`INSERT INTO ilp_accounts (path) VALUES ($1) ON CONFLICT (path) DO NOTHING`,
		string(path)); err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ApplyPostedTransfer(ctx context.Context, debit, credit accounting.AccountPath, amount *big.Int) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.applyOnce(ctx, debit, credit, amount)
		if err == nil {
			return nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "40001" && attempt < s.maxRetries-1 {
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
			continue
		}
		return fmt.Errorf("apply posted transfer: %w", err)
	}
	return fmt.Errorf("apply posted transfer: serialization retries exhausted")
}

func (s *PostgresStorage) applyOnce(ctx context.Context, debit, credit accounting.AccountPath, amount *big.Int) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(queryCtx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(queryCtx)

	value := amount.String()
	tag, err := tx.Exec(queryCtx,
		`UPDATE ilp_accounts SET debits_posted = debits_posted + $1::numeric, updated_at = now() WHERE path = $2`,
		value, string(debit))
	if err != nil {
		return fmt.Errorf("update debit account: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, debit)
	}

	tag, err = tx.Exec(queryCtx,
		`UPDATE ilp_accounts SET credits_posted = credits_posted + $1::numeric, updated_at = now() WHERE path = $2`,
		value, string(credit))
	if err != nil {
		return fmt.Errorf("update credit account: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, credit)
	}

	if _, err := tx.Exec(queryCtx,
		`INSERT INTO ilp_posted_transfers (debit_account, credit_account, amount) VALUES ($1, $2, $3::numeric)`,
		string(debit), string(credit), value); err != nil {
		return fmt.Errorf("record posted transfer: %w", err)
	}

	return tx.Commit(queryCtx)
}
