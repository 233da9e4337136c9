package accounting

import (
	"errors"
	"fmt"
)

var (
	// ErrExceedsDebits means the debit account would owe more than it has received.
	ErrExceedsDebits = errors.New("transfer exceeds debit account limit")
	// ErrExceedsCredits means the credit account would receive more than it has paid.
	ErrExceedsCredits = errors.New("transfer exceeds credit account limit")
)

// InvalidAccountFailure reports a transfer that names an unknown account.
type InvalidAccountFailure struct {
	Side string
	Path AccountPath
}

func (e *InvalidAccountFailure) Error() string {
	return fmt.Sprintf("invalid %s account %q", e.Side, e.Path)
}

// AssertionError is the panic value raised on programmer errors such as a
// transfer between two ledgers or posting a transfer that is not pending.
type AssertionError struct {
	Message string
}

func (e *AssertionError) Error() string { return "accounting assertion failed: " + e.Message }
