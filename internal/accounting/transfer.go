package accounting

import (
	"math/big"
	"time"
)

// TransferState is pending, posted or voided. Only pending transitions.
type TransferState string

const (
	TransferPending TransferState = "pending"
	TransferPosted  TransferState = "posted"
	TransferVoided  TransferState = "voided"
)

// Transfer moves Amount from DebitAccount to CreditAccount.
//
// The pointer returned by CreateTransfer is the handle passed back to
// PostPendingTransfer or VoidPendingTransfer; its fields must not be
// modified by callers.
type Transfer struct {
	State         TransferState `json:"state"`
	DebitAccount  AccountPath   `json:"debit_account"`
	CreditAccount AccountPath   `json:"credit_account"`
	Amount        *big.Int      `json:"amount"`
	Immediate     bool          `json:"immediate"`
	CreatedAt     time.Time     `json:"created_at"`
}

func (t *Transfer) snapshot() Transfer {
	out := *t
	out.Amount = cloneOrZero(t.Amount)
	return out
}

// CreateTransferParams describes a transfer to create.
type CreateTransferParams struct {
	DebitAccountPath  AccountPath
	CreditAccountPath AccountPath
	Amount            *big.Int
	// Pending reserves the amount until the transfer is posted or voided.
	// When false the transfer is posted immediately.
	Pending bool
}
