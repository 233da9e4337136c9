package accounting

import (
	"context"
	"math/big"
)

// PostedTotals are the durable part of an account.
type PostedTotals struct {
	DebitsPosted  *big.Int
	CreditsPosted *big.Int
}

// Storage persists account paths and posted totals. Pending amounts are
// never persisted; a restart voids everything that was in flight.
type Storage interface {
	// LoadAccount returns the stored totals and whether the path exists.
	LoadAccount(ctx context.Context, path AccountPath) (PostedTotals, bool, error)
	// InsertAccount stores path with zero totals.
	InsertAccount(ctx context.Context, path AccountPath) error
	// ApplyPostedTransfer adds amount to debit's debits_posted and credit's
	// credits_posted in a single transaction.
	ApplyPostedTransfer(ctx context.Context, debit, credit AccountPath, amount *big.Int) error
}
