// Package exchange converts amounts between ledgers using a static rate table.
package exchange

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/example/ilp-node/internal/accounting"
)

var (
	ErrUnknownLedger = errors.New("unknown ledger")
	ErrNoRate        = errors.New("no exchange rate")
)

// Asset describes the unit of a ledger: amounts are integers of 10^-Scale
// Code.
type Asset struct {
	Code  string
	Scale int32
}

// RateTable holds, for each asset code, its value in a common reference unit.
type RateTable struct {
	mu      sync.RWMutex
	ledgers map[accounting.LedgerID]Asset
	rates   map[string]decimal.Decimal
}

func NewRateTable() *RateTable {
	return &RateTable{
		ledgers: make(map[accounting.LedgerID]Asset),
		rates:   make(map[string]decimal.Decimal),
	}
}

// AddLedger registers the asset carried by a ledger.
func (t *RateTable) AddLedger(id accounting.LedgerID, asset Asset) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ledgers[id] = asset
}

// SetRate sets the value of one unit of code. rate is a decimal string.
func (t *RateTable) SetRate(code, rate string) error {
	d, err := decimal.NewFromString(rate)
	if err != nil {
		return fmt.Errorf("rate for %s: %w", code, err)
	}
	if !d.IsPositive() {
		return fmt.Errorf("rate for %s must be positive", code)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rates[code] = d
	return nil
}

// Asset returns the asset registered for a ledger.
func (t *RateTable) Asset(id accounting.LedgerID) (Asset, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.ledgers[id]
	return a, ok
}

// Validate checks that every registered ledger can be converted.
func (t *RateTable) Validate() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var errs []error
	for id, asset := range t.ledgers {
		if _, ok := t.rates[asset.Code]; !ok && len(t.ledgers) > 1 {
			errs = append(errs, fmt.Errorf("%w for %s (ledger %s)", ErrNoRate, asset.Code, id))
		}
	}
	return errors.Join(errs...)
}

// ConvertAmount converts amount from the ledger of from into the ledger of to.
func (t *RateTable) ConvertAmount(from, to accounting.AccountPath, amount *big.Int) (*big.Int, error) {
	return t.ConvertCurrency(from.LedgerID(), to.LedgerID(), amount)
}

// ConvertCurrency converts between ledger units, rounding toward zero.
func (t *RateTable) ConvertCurrency(from, to accounting.LedgerID, amount *big.Int) (*big.Int, error) {
	if from == to {
		return new(big.Int).Set(amount), nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	src, ok := t.ledgers[from]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLedger, from)
	}
	dst, ok := t.ledgers[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLedger, to)
	}

	value := decimal.NewFromBigInt(amount, -src.Scale).Shift(dst.Scale)
	if src.Code == dst.Code {
		return value.Truncate(0).BigInt(), nil
	}
	srcRate, ok := t.rates[src.Code]
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoRate, src.Code)
	}
	dstRate, ok := t.rates[dst.Code]
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoRate, dst.Code)
	}
	// whole destination units, truncated exactly
	units, _ := value.Mul(srcRate).QuoRem(dstRate, 0)
	return units.BigInt(), nil
}
