package accounting

import (
	"fmt"
	"math/big"
	"strings"
)

// LedgerID names one ledger (one asset) inside the node, e.g. "xrpl-testnet".
type LedgerID string

// AccountPath is "<ledgerId>:<category>/<subpath>".
type AccountPath string

// Category is the first segment after the ledger id.
type Category string

const (
	CategoryAssets      Category = "assets"
	CategoryLiabilities Category = "liabilities"
	CategoryEquity      Category = "equity"
	CategoryRevenue     Category = "revenue"
	CategoryExpenses    Category = "expenses"
	CategoryContra      Category = "contra"
)

// NewAccountPath joins a ledger id, category and sub path segments.
func NewAccountPath(ledger LedgerID, category Category, sub ...string) AccountPath {
	parts := append([]string{string(category)}, sub...)
	return AccountPath(string(ledger) + ":" + strings.Join(parts, "/"))
}

// ParseAccountPath validates the ledger and category portions of raw.
func ParseAccountPath(raw string) (AccountPath, error) {
	ledger, rest, ok := strings.Cut(raw, ":")
	if !ok || ledger == "" || rest == "" {
		return "", fmt.Errorf("account path %q: expected <ledger>:<category>/<path>", raw)
	}
	category, _, _ := strings.Cut(rest, "/")
	switch Category(category) {
	case CategoryAssets, CategoryLiabilities, CategoryEquity, CategoryRevenue, CategoryExpenses, CategoryContra:
	default:
		return "", fmt.Errorf("account path %q: unknown category %q", raw, category)
	}
	return AccountPath(raw), nil
}

// LedgerID returns the ledger portion of the path.
func (p AccountPath) LedgerID() LedgerID {
	ledger, _, _ := strings.Cut(string(p), ":")
	return LedgerID(ledger)
}

// Category returns the category portion of the path.
func (p AccountPath) Category() Category {
	_, rest, _ := strings.Cut(string(p), ":")
	category, _, _ := strings.Cut(rest, "/")
	return Category(category)
}

func (p AccountPath) String() string { return string(p) }

// OwnerEquityPath is the owner's stake in ledger.
func OwnerEquityPath(ledger LedgerID) AccountPath {
	return NewAccountPath(ledger, CategoryEquity, "owner")
}

// SettlementPath holds the funds the node controls on ledger.
func SettlementPath(ledger LedgerID) AccountPath {
	return NewAccountPath(ledger, CategoryAssets, "settlement")
}

func FxRevenuePath(ledger LedgerID) AccountPath {
	return NewAccountPath(ledger, CategoryRevenue, "fx")
}

func FxExpensesPath(ledger LedgerID) AccountPath {
	return NewAccountPath(ledger, CategoryExpenses, "fx")
}

// PeerAssetsPath is the account that tracks what a peer owes us on ledger.
func PeerAssetsPath(ledger LedgerID, peer string) AccountPath {
	return NewAccountPath(ledger, CategoryAssets, "interledger", peer)
}

// PeerTrustPath tracks the credit extended to a peer.
func PeerTrustPath(ledger LedgerID, peer string) AccountPath {
	return NewAccountPath(ledger, CategoryContra, "trust", peer)
}

// Limit constrains how far one side of an account may grow.
type Limit string

const (
	NoLimit                    Limit = "no_limit"
	DebitsMustNotExceedCredits Limit = "debits_must_not_exceed_credits"
	CreditsMustNotExceedDebits Limit = "credits_must_not_exceed_debits"
)

// ParseLimit accepts the three limit names; empty means NoLimit.
func ParseLimit(s string) (Limit, error) {
	switch Limit(s) {
	case "", NoLimit:
		return NoLimit, nil
	case DebitsMustNotExceedCredits, CreditsMustNotExceedDebits:
		return Limit(s), nil
	default:
		return "", fmt.Errorf("unknown account limit %q", s)
	}
}

// Account is a snapshot of one ledger account.
type Account struct {
	Path           AccountPath `json:"path"`
	Limit          Limit       `json:"limit"`
	DebitsPending  *big.Int    `json:"debits_pending"`
	DebitsPosted   *big.Int    `json:"debits_posted"`
	CreditsPending *big.Int    `json:"credits_pending"`
	CreditsPosted  *big.Int    `json:"credits_posted"`
}

func newAccount(path AccountPath, limit Limit, debitsPosted, creditsPosted *big.Int) *Account {
	return &Account{
		Path:           path,
		Limit:          limit,
		DebitsPending:  new(big.Int),
		DebitsPosted:   cloneOrZero(debitsPosted),
		CreditsPending: new(big.Int),
		CreditsPosted:  cloneOrZero(creditsPosted),
	}
}

func (a *Account) clone() Account {
	return Account{
		Path:           a.Path,
		Limit:          a.Limit,
		DebitsPending:  cloneOrZero(a.DebitsPending),
		DebitsPosted:   cloneOrZero(a.DebitsPosted),
		CreditsPending: cloneOrZero(a.CreditsPending),
		CreditsPosted:  cloneOrZero(a.CreditsPosted),
	}
}

// Balance returns debitsPosted - creditsPosted - creditsPending.
func (a Account) Balance() *big.Int {
	b := new(big.Int).Sub(a.DebitsPosted, a.CreditsPosted)
	return b.Sub(b, a.CreditsPending)
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// AccountOption customizes CreateAccount.
type AccountOption func(*accountOptions)

type accountOptions struct {
	limit Limit
}

// WithLimit sets the account limit. It only applies when the account is first
// created in memory.
func WithLimit(l Limit) AccountOption {
	return func(o *accountOptions) { o.limit = l }
}
