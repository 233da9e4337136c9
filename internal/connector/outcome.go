package connector

import (
	"context"
	"math/big"
	"time"

	"github.com/example/ilp-node/internal/accounting"
	"github.com/example/ilp-node/pkg/ilp"
)

// Resolver finds the next hop for an ILP address.
type Resolver interface {
	Resolve(destination string) (Endpoint, error)
}

// Converter converts an amount between the ledgers of two accounts.
type Converter interface {
	ConvertAmount(from, to accounting.AccountPath, amount *big.Int) (*big.Int, error)
}

// Limits bound what the node accepts and forwards.
type Limits struct {
	// MessageWindow is the expected one-way latency; it is subtracted from
	// the incoming expiry and must remain available afterwards.
	MessageWindow time.Duration
	// MaxHoldTime caps how long the node reserves liquidity for one Prepare.
	MaxHoldTime time.Duration
	// MaxPacketAmount is the largest incoming amount accepted.
	MaxPacketAmount *big.Int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MessageWindow:   time.Second,
		MaxHoldTime:     20 * time.Second,
		MaxPacketAmount: big.NewInt(1_000_000_000_000),
	}
}

// OutcomeCalculator decides the destination, outgoing amount and expiry of a
// Prepare and reserves the ledger transfers that back it.
type OutcomeCalculator struct {
	ledger    *accounting.Ledger
	resolver  Resolver
	converter Converter
	accounts  EndpointAccounts
	limits    Limits
	now       func() time.Time
}

func NewOutcomeCalculator(l *accounting.Ledger, resolver Resolver, converter Converter, accounts EndpointAccounts, limits Limits) *OutcomeCalculator {
	return &OutcomeCalculator{
		ledger:    l,
		resolver:  resolver,
		converter: converter,
		accounts:  accounts,
		limits:    limits,
		now:       time.Now,
	}
}

// Calculate returns the outcome for prepare arriving from source, or an
// *IlpFailure. On failure no transfer created here is left pending.
func (c *OutcomeCalculator) Calculate(ctx context.Context, source Endpoint, prepare *ilp.Prepare) (PrepareOutcome, error) {
	destination, err := c.resolver.Resolve(prepare.Destination)
	if err != nil {
		return PrepareOutcome{}, unreachable(prepare.Destination, err)
	}

	incomingExpiry, err := ilp.ParseTimestamp(prepare.ExpiresAt)
	if err != nil {
		return PrepareOutcome{}, invalidPacket(err)
	}

	now := c.now()
	delta := incomingExpiry.Sub(now) - c.limits.MessageWindow
	if delta < c.limits.MessageWindow {
		return PrepareOutcome{}, insufficientTimeout()
	}
	outgoingExpiry := now.Add(min(delta, c.limits.MaxHoldTime))

	outcome := PrepareOutcome{
		Destination: destination,
		Amount:      new(big.Int).Set(prepare.Amount),
		ExpiresAt:   ilp.FormatTimestamp(outgoingExpiry),
	}
	if prepare.Amount.Sign() == 0 {
		return outcome, nil
	}

	if c.limits.MaxPacketAmount != nil && prepare.Amount.Cmp(c.limits.MaxPacketAmount) > 0 {
		return PrepareOutcome{}, amountTooLarge()
	}

	sourcePath := c.accounts.AccountFor(source)
	destinationPath := c.accounts.AccountFor(destination)

	outgoing, err := c.converter.ConvertAmount(sourcePath, destinationPath, prepare.Amount)
	if err != nil {
		return PrepareOutcome{}, internalError(err)
	}
	outcome.Amount = outgoing

	// Value moving between two endpoints that settle against the same
	// account (two local endpoints of the owner) leaves the books unchanged.
	if sourcePath == destinationPath {
		return outcome, nil
	}

	for _, params := range packetTransfers(sourcePath, destinationPath, prepare.Amount, outgoing) {
		t, err := c.ledger.CreateTransfer(ctx, params)
		if err != nil {
			for _, created := range outcome.Transfers {
				c.ledger.VoidPendingTransfer(created)
			}
			return PrepareOutcome{}, ledgerFailure(err)
		}
		outcome.Transfers = append(outcome.Transfers, t)
	}
	return outcome, nil
}

// packetTransfers returns the pending transfers backing one Prepare. Within a
// ledger value moves straight from source to destination. Across ledgers the
// incoming amount is booked as fx revenue on the source ledger and the
// outgoing amount as fx expense on the destination ledger.
func packetTransfers(source, destination accounting.AccountPath, incoming, outgoing *big.Int) []accounting.CreateTransferParams {
	sourceLedger, destinationLedger := source.LedgerID(), destination.LedgerID()
	if sourceLedger == destinationLedger {
		return []accounting.CreateTransferParams{{
			DebitAccountPath:  source,
			CreditAccountPath: destination,
			Amount:            incoming,
			Pending:           true,
		}}
	}
	return []accounting.CreateTransferParams{
		{
			DebitAccountPath:  source,
			CreditAccountPath: accounting.FxRevenuePath(sourceLedger),
			Amount:            incoming,
			Pending:           true,
		},
		{
			DebitAccountPath:  accounting.FxExpensesPath(destinationLedger),
			CreditAccountPath: destination,
			Amount:            outgoing,
			Pending:           true,
		},
	}
}
