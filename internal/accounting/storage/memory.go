// Package storage holds the durable backends for accounting.Ledger.
package storage

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/example/ilp-node/internal/accounting"
)

// MemoryStorage keeps posted totals in process memory. Used for tests and
// for nodes that do not need to survive a restart.
type MemoryStorage struct {
	mu   sync.Mutex
	rows map[accounting.AccountPath]accounting.PostedTotals
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{rows: make(map[accounting.AccountPath]accounting.PostedTotals)}
}

func (s *MemoryStorage) LoadAccount(_ context.Context, path accounting.AccountPath) (accounting.PostedTotals, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[path]
	if !ok {
		return accounting.PostedTotals{}, false, nil
	}
	return accounting.PostedTotals{
		DebitsPosted:  new(big.Int).Set(row.DebitsPosted),
		CreditsPosted: new(big.Int).Set(row.CreditsPosted),
	}, true, nil
}

func (s *MemoryStorage) InsertAccount(_ context.Context, path accounting.AccountPath) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[path]; !ok {
		s.rows[path] = accounting.PostedTotals{DebitsPosted: new(big.Int), CreditsPosted: new(big.Int)}
	}
	return nil
}

func (s *MemoryStorage) ApplyPostedTransfer(_ context.Context, debit, credit accounting.AccountPath, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.rows[debit]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, debit)
	}
	c, ok := s.rows[credit]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, credit)
	}
	s.rows[debit] = accounting.PostedTotals{
		DebitsPosted:  new(big.Int).Add(d.DebitsPosted, amount),
		CreditsPosted: d.CreditsPosted,
	}
	c = s.rows[credit]
	s.rows[credit] = accounting.PostedTotals{
		DebitsPosted:  c.DebitsPosted,
		CreditsPosted: new(big.Int).Add(c.CreditsPosted, amount),
	}
	return nil
}
