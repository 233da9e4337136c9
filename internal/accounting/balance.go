package accounting

import (
	"log/slog"
	"math/big"
	"sync"
)

// CurrencyConverter converts an amount between the units of two ledgers.
type CurrencyConverter interface {
	ConvertCurrency(from, to LedgerID, amount *big.Int) (*big.Int, error)
}

// OwnerBalance keeps the owner's total position across every ledger,
// expressed in the owner ledger's units. It is recomputed after each posted
// transfer.
type OwnerBalance struct {
	ledger    *Ledger
	converter CurrencyConverter
	owner     LedgerID
	logger    *slog.Logger

	mu    sync.RWMutex
	total *big.Int
}

// NewOwnerBalance computes the initial total and returns a tracker that is
// not yet subscribed; call Attach to follow posted transfers.
func NewOwnerBalance(l *Ledger, converter CurrencyConverter, owner LedgerID, logger *slog.Logger) *OwnerBalance {
	if logger == nil {
		logger = slog.Default()
	}
	b := &OwnerBalance{ledger: l, converter: converter, owner: owner, logger: logger}
	b.Recompute()
	return b
}

// Attach subscribes to posted transfers and returns the unsubscribe func.
func (b *OwnerBalance) Attach() func() {
	return b.ledger.Posted().Subscribe(func(Transfer) { b.Recompute() })
}

// Total returns the last computed total.
func (b *OwnerBalance) Total() *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return new(big.Int).Set(b.total)
}

// Recompute sums, for every ledger, the balance of its assets, liabilities
// and contra accounts and converts the result into the owner ledger.
func (b *OwnerBalance) Recompute() *big.Int {
	total := new(big.Int)
	for _, id := range b.ledger.GetLedgerIDs() {
		sum := new(big.Int)
		for _, a := range b.ledger.GetAccounts(string(id) + ":") {
			switch a.Path.Category() {
			case CategoryAssets, CategoryLiabilities, CategoryContra:
				sum.Add(sum, a.Balance())
			}
		}
		converted, err := b.converter.ConvertCurrency(id, b.owner, sum)
		if err != nil {
			b.logger.Warn("owner balance: skipping ledger", "ledger", id, "error", err)
			continue
		}
		total.Add(total, converted)
	}

	b.mu.Lock()
	b.total = total
	b.mu.Unlock()
	return new(big.Int).Set(total)
}
