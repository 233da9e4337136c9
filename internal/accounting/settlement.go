package accounting

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

var ErrNonPositiveAmount = errors.New("amount must be positive")

// ReportIncomingSettlement records that peer settled amount to us on ledger:
// our settlement asset grows and the peer owes us that much less.
func (l *Ledger) ReportIncomingSettlement(ctx context.Context, ledger LedgerID, peer string, amount *big.Int) (*Transfer, error) {
	return l.immediate(ctx, SettlementPath(ledger), PeerAssetsPath(ledger, peer), amount)
}

// ReportOutgoingSettlement records that we settled amount to peer on ledger.
func (l *Ledger) ReportOutgoingSettlement(ctx context.Context, ledger LedgerID, peer string, amount *big.Int) (*Transfer, error) {
	return l.immediate(ctx, PeerAssetsPath(ledger, peer), SettlementPath(ledger), amount)
}

// ReportDeposit records the owner funding the node's settlement account.
func (l *Ledger) ReportDeposit(ctx context.Context, ledger LedgerID, amount *big.Int) (*Transfer, error) {
	return l.immediate(ctx, SettlementPath(ledger), OwnerEquityPath(ledger), amount)
}

// ReportWithdrawal records the owner taking funds out of the node.
func (l *Ledger) ReportWithdrawal(ctx context.Context, ledger LedgerID, amount *big.Int) (*Transfer, error) {
	return l.immediate(ctx, OwnerEquityPath(ledger), SettlementPath(ledger), amount)
}

func (l *Ledger) immediate(ctx context.Context, debit, credit AccountPath, amount *big.Int) (*Transfer, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrNonPositiveAmount
	}
	t, err := l.CreateTransfer(ctx, CreateTransferParams{
		DebitAccountPath:  debit,
		CreditAccountPath: credit,
		Amount:            amount,
	})
	if err != nil {
		return nil, fmt.Errorf("settlement %s -> %s: %w", debit, credit, err)
	}
	return t, nil
}
