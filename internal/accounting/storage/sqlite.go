package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/example/ilp-node/internal/accounting"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	ErrAccountNotFound = errors.New("account not found")
	errBadAmount       = errors.New("stored amount is not an integer")
)

// SQLiteStorage persists posted totals in a SQLite database. Amounts are kept
// as decimal TEXT so they are not limited to 64 bits.
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and runs migrations.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteStorage, error) {
	inMemory := path == ":memory:" || strings.Contains(path, "mode=memory")
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migrate driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Close() error { return s.db.Close() }

func (s *SQLiteStorage) LoadAccount(ctx context.Context, path accounting.AccountPath) (accounting.PostedTotals, bool, error) {
	var debits, credits string
	err := s.db.QueryRowContext(ctx,
		`SELECT debits_posted, credits_posted FROM accounts WHERE path = ?`, string(path)).
		Scan(&debits, &credits)
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLiteStorage) InsertAccount(ctx context.Context, path accounting.AccountPath) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (path) VALUES (?) ON CONFLICT(path) DO NOTHING`, string(path))
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ApplyPostedTransfer(ctx context.Context, debit, credit accounting.AccountPath, amount *big.Int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := addToColumn(ctx, tx, debit, "debits_posted", amount); err != nil {
		return err
	}
	if err := addToColumn(ctx, tx, credit, "credits_posted", amount); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO posted_transfers (debit_account, credit_account, amount) VALUES (?, ?, ?)`,
		string(debit), string(credit), amount.String()); err != nil {
		return fmt.Errorf("record posted transfer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// addToColumn reads, adds and writes back one total inside tx. column is
// one of two constants, never user input.
func addToColumn(ctx context.Context, tx *sql.Tx, path accounting.AccountPath, column string, amount *big.Int) error {
	var stored string
	err := tx.QueryRowContext(ctx, `SELECT `+column+` FROM accounts WHERE path = ?`, string(path)).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("read %s of %s: %w", column, path, err)
	}

	value, ok := new(big.Int).SetString(stored, 10)
	if !ok {
		return fmt.Errorf("%s of %s: %w", column, path, errBadAmount)
	}
	value.Add(value, amount)

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET `+column+` = ?, updated_at = CURRENT_TIMESTAMP WHERE path = ?`,
		value.String(), string(path)); err != nil {
		return fmt.Errorf("update %s of %s: %w", column, path, err)
	}
	return nil
}

func parseTotals(debits, credits string) (accounting.PostedTotals, error) {
	d, ok := new(big.Int).SetString(debits, 10)
	if !ok {
		return accounting.PostedTotals{}, errBadAmount
	}
	c, ok := new(big.Int).SetString(credits, 10)
	if !ok {
		return accounting.PostedTotals{}, errBadAmount
	}
	return accounting.PostedTotals{DebitsPosted: d, CreditsPosted: c}, nil
}
