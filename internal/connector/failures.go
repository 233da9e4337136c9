package connector

import (
	"errors"
	"fmt"

	"github.com/example/ilp-node/internal/accounting"
	"github.com/example/ilp-node/pkg/ilp"
)

// IlpFailure is a failure that is reported upstream as an ILP Reject.
type IlpFailure struct {
	Code    ilp.ErrorCode
	Message string
	// Cause is logged but never put on the wire.
	Cause error
}

func (f *IlpFailure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s %s: %s: %v", f.Code, f.Code.Name(), f.Message, f.Cause)
	}
	return fmt.Sprintf("%s %s: %s", f.Code, f.Code.Name(), f.Message)
}

func (f *IlpFailure) Unwrap() error { return f.Cause }

// Is matches another *IlpFailure with the same code.
func (f *IlpFailure) Is(target error) bool {
	t, ok := target.(*IlpFailure)
	return ok && t.Code == f.Code && t.Message == ""
}

// Sentinels for errors.Is; they match any failure carrying the same code.
var (
	ErrUnreachable           = &IlpFailure{Code: ilp.CodeUnreachable}
	ErrAmountTooLarge        = &IlpFailure{Code: ilp.CodeAmountTooLarge}
	ErrInsufficientTimeout   = &IlpFailure{Code: ilp.CodeInsufficientTimeout}
	ErrInvalidPacket         = &IlpFailure{Code: ilp.CodeInvalidPacket}
	ErrInsufficientLiquidity = &IlpFailure{Code: ilp.CodeInsufficientLiquidity}
	ErrInternal              = &IlpFailure{Code: ilp.CodeInternalError}
)

func unreachable(dest string, cause error) *IlpFailure {
	return &IlpFailure{Code: ilp.CodeUnreachable, Message: "no route to " + dest, Cause: cause}
}

func invalidPacket(cause error) *IlpFailure {
	return &IlpFailure{Code: ilp.CodeInvalidPacket, Message: "invalid packet", Cause: cause}
}

func insufficientTimeout() *IlpFailure {
	return &IlpFailure{Code: ilp.CodeInsufficientTimeout, Message: "insufficient timeout"}
}

func amountTooLarge() *IlpFailure {
	return &IlpFailure{Code: ilp.CodeAmountTooLarge, Message: "amount too large"}
}

func internalError(cause error) *IlpFailure {
	return &IlpFailure{Code: ilp.CodeInternalError, Message: "internal error", Cause: cause}
}

// ledgerFailure maps a CreateTransfer error to the failure sent upstream.
// Unknown accounts are a configuration problem and surface as T00.
func ledgerFailure(err error) *IlpFailure {
	if errors.Is(err, accounting.ErrExceedsDebits) || errors.Is(err, accounting.ErrExceedsCredits) {
		return &IlpFailure{Code: ilp.CodeInsufficientLiquidity, Message: "insufficient liquidity", Cause: err}
	}
	return internalError(err)
}

// asFailure converts any error into an *IlpFailure.
func asFailure(err error) *IlpFailure {
	var f *IlpFailure
	if errors.As(err, &f) {
		return f
	}
	return internalError(err)
}
