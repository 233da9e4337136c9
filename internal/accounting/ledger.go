// Package accounting is the node's in-memory double-entry ledger. Posted
// totals are written through to a Storage; pending reservations live only in
// memory.
package accounting

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"
)

// Ledger holds every account and the set of pending transfers.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[AccountPath]*Account
	pending  map[*Transfer]struct{}

	storage Storage
	logger  *slog.Logger
	now     func() time.Time

	pendingTopic Topic[Transfer]
	postedTopic  Topic[Transfer]
	voidedTopic  Topic[Transfer]
}

// NewLedger creates an empty ledger backed by storage.
func NewLedger(storage Storage, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		accounts: make(map[AccountPath]*Account),
		pending:  make(map[*Transfer]struct{}),
		storage:  storage,
		logger:   logger,
		now:      time.Now,
	}
}

// Pending, Posted and Voided notify subscribers after the matching state
// change. Subscribers run outside the ledger lock and receive copies.
func (l *Ledger) Pending() *Topic[Transfer] { return &l.pendingTopic }
func (l *Ledger) Posted() *Topic[Transfer]  { return &l.postedTopic }
func (l *Ledger) Voided() *Topic[Transfer]  { return &l.voidedTopic }

func (l *Ledger) assert(cond bool, format string, args ...any) {
	if cond {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.logger.Error("ledger assertion failed", "error", msg)
	panic(&AssertionError{Message: msg})
}

// CreateAccount makes path known to the ledger. An account already in memory
// is left untouched. Otherwise the posted totals are loaded from storage, or
// the path is inserted with zero totals.
func (l *Ledger) CreateAccount(ctx context.Context, path AccountPath, opts ...AccountOption) error {
	o := accountOptions{limit: NoLimit}
	for _, opt := range opts {
		opt(&o)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.accounts[path]; ok {
		return nil
	}

	totals, found, err := l.storage.LoadAccount(ctx, path)
	if err != nil {
		return fmt.Errorf("load account %s: %w", path, err)
	}
	if !found {
		if err := l.storage.InsertAccount(ctx, path); err != nil {
			return fmt.Errorf("insert account %s: %w", path, err)
		}
		totals = PostedTotals{}
	}

	l.accounts[path] = newAccount(path, o.limit, totals.DebitsPosted, totals.CreditsPosted)
	l.logger.Debug("account created", "account", path, "limit", o.limit, "restored", found)
	return nil
}

// CreateTransfer validates and applies a transfer. The debit account is
// checked before the credit account; the first failure returns with no
// change to the ledger.
func (l *Ledger) CreateTransfer(ctx context.Context, params CreateTransferParams) (*Transfer, error) {
	debitPath, creditPath := params.DebitAccountPath, params.CreditAccountPath
	l.assert(debitPath != creditPath, "transfer debits and credits the same account %s", debitPath)
	l.assert(debitPath.LedgerID() == creditPath.LedgerID(),
		"transfer crosses ledgers: %s -> %s", debitPath, creditPath)
	l.assert(params.Amount != nil && params.Amount.Sign() >= 0, "transfer amount must be non-negative")

	amount := new(big.Int).Set(params.Amount)

	l.mu.Lock()
	debit, ok := l.accounts[debitPath]
	if !ok {
		l.mu.Unlock()
		return nil, &InvalidAccountFailure{Side: "debit", Path: debitPath}
	}
	if debit.Limit == DebitsMustNotExceedCredits {
		next := new(big.Int).Add(debit.DebitsPosted, debit.DebitsPending)
		if next.Add(next, amount).Cmp(debit.CreditsPosted) > 0 {
			l.mu.Unlock()
			return nil, ErrExceedsDebits
		}
	}

	credit, ok := l.accounts[creditPath]
	if !ok {
		l.mu.Unlock()
		return nil, &InvalidAccountFailure{Side: "credit", Path: creditPath}
	}
	if credit.Limit == CreditsMustNotExceedDebits {
		next := new(big.Int).Add(credit.CreditsPosted, credit.CreditsPending)
		if next.Add(next, amount).Cmp(credit.DebitsPosted) > 0 {
			l.mu.Unlock()
			return nil, ErrExceedsCredits
		}
	}

	t := &Transfer{
		DebitAccount:  debitPath,
		CreditAccount: creditPath,
		Amount:        amount,
		Immediate:     !params.Pending,
		CreatedAt:     l.now(),
	}

	if params.Pending {
		debit.DebitsPending.Add(debit.DebitsPending, amount)
		credit.CreditsPending.Add(credit.CreditsPending, amount)
		t.State = TransferPending
		l.pending[t] = struct{}{}
		snap := t.snapshot()
		l.mu.Unlock()

		l.pendingTopic.Emit(snap)
		return t, nil
	}

	if err := l.storage.ApplyPostedTransfer(ctx, debitPath, creditPath, amount); err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("persist transfer %s -> %s: %w", debitPath, creditPath, err)
	}
	debit.DebitsPosted.Add(debit.DebitsPosted, amount)
	credit.CreditsPosted.Add(credit.CreditsPosted, amount)
	t.State = TransferPosted
	snap := t.snapshot()
	l.mu.Unlock()

	l.postedTopic.Emit(snap)
	return t, nil
}

// PostPendingTransfer makes a pending transfer permanent. The posted totals
// are persisted first; if that fails the transfer stays pending.
func (l *Ledger) PostPendingTransfer(ctx context.Context, t *Transfer) error {
	l.mu.Lock()
	l.assertPending(t)

	if err := l.storage.ApplyPostedTransfer(ctx, t.DebitAccount, t.CreditAccount, t.Amount); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("persist posted transfer %s -> %s: %w", t.DebitAccount, t.CreditAccount, err)
	}

	debit := l.accounts[t.DebitAccount]
	credit := l.accounts[t.CreditAccount]
	debit.DebitsPending.Sub(debit.DebitsPending, t.Amount)
	debit.DebitsPosted.Add(debit.DebitsPosted, t.Amount)
	credit.CreditsPending.Sub(credit.CreditsPending, t.Amount)
	credit.CreditsPosted.Add(credit.CreditsPosted, t.Amount)
	delete(l.pending, t)
	t.State = TransferPosted
	snap := t.snapshot()
	l.mu.Unlock()

	l.postedTopic.Emit(snap)
	return nil
}

// VoidPendingTransfer releases the reservation held by a pending transfer.
func (l *Ledger) VoidPendingTransfer(t *Transfer) {
	l.mu.Lock()
	l.assertPending(t)

	debit := l.accounts[t.DebitAccount]
	credit := l.accounts[t.CreditAccount]
	debit.DebitsPending.Sub(debit.DebitsPending, t.Amount)
	credit.CreditsPending.Sub(credit.CreditsPending, t.Amount)
	delete(l.pending, t)
	t.State = TransferVoided
	snap := t.snapshot()
	l.mu.Unlock()

	l.voidedTopic.Emit(snap)
}

// assertPending must be called with l.mu held; it unlocks before panicking.
func (l *Ledger) assertPending(t *Transfer) {
	if t == nil {
		l.mu.Unlock()
		l.assert(false, "nil transfer")
	}
	_, tracked := l.pending[t]
	if t.State == TransferPending && tracked {
		return
	}
	l.mu.Unlock()
	l.assert(false, "transfer %s -> %s is %s, not pending", t.DebitAccount, t.CreditAccount, t.State)
}

// GetAccount returns a copy of the account at path.
func (l *Ledger) GetAccount(path AccountPath) (Account, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	a, ok := l.accounts[path]
	if !ok {
		return Account{}, false
	}
	return a.clone(), true
}

// GetAccounts returns copies of every account whose path starts with prefix,
// sorted by path.
func (l *Ledger) GetAccounts(prefix string) []Account {
	l.mu.RLock()
	out := make([]Account, 0, len(l.accounts))
	for path, a := range l.accounts {
		if strings.HasPrefix(string(path), prefix) {
			out = append(out, a.clone())
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// GetLedgerIDs returns the distinct ledger ids that have at least one account.
func (l *Ledger) GetLedgerIDs() []LedgerID {
	l.mu.RLock()
	seen := make(map[LedgerID]struct{})
	for path := range l.accounts {
		seen[path.LedgerID()] = struct{}{}
	}
	l.mu.RUnlock()

	out := make([]LedgerID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GetPendingTransfers returns copies of the transfers currently pending,
// oldest first.
func (l *Ledger) GetPendingTransfers() []Transfer {
	l.mu.RLock()
	out := make([]Transfer, 0, len(l.pending))
	for t := range l.pending {
		out = append(out, t.snapshot())
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
