package ilp

// ErrorCode is the three character ILP error code carried by a Reject.
type ErrorCode string

const (
	CodeBadRequest            ErrorCode = "F00"
	CodeInvalidPacket         ErrorCode = "F01"
	CodeUnreachable           ErrorCode = "F02"
	CodeAmountTooLarge        ErrorCode = "F08"
	CodeApplicationError      ErrorCode = "F99"
	CodeInternalError         ErrorCode = "T00"
	CodeInsufficientLiquidity ErrorCode = "T04"
	CodeTransferTimedOut      ErrorCode = "R00"
	CodeInsufficientTimeout   ErrorCode = "R02"
)

var codeNames = map[ErrorCode]string{
	CodeBadRequest:            "Bad Request",
	CodeInvalidPacket:         "Invalid Packet",
	CodeUnreachable:           "Unreachable",
	CodeAmountTooLarge:        "Amount Too Large",
	CodeApplicationError:      "Application Error",
	CodeInternalError:         "Internal Error",
	CodeInsufficientLiquidity: "Insufficient Liquidity",
	CodeTransferTimedOut:      "Transfer Timed Out",
	CodeInsufficientTimeout:   "Insufficient Timeout",
}

// Name returns the human readable name of the code.
func (c ErrorCode) Name() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "Unknown"
}

// Final reports whether the code is in the F (final) class.
func (c ErrorCode) Final() bool { return len(c) == 3 && c[0] == 'F' }

// Temporary reports whether the code is in the T (temporary) class.
func (c ErrorCode) Temporary() bool { return len(c) == 3 && c[0] == 'T' }

// Relative reports whether the code is in the R (relative) class.
func (c ErrorCode) Relative() bool { return len(c) == 3 && c[0] == 'R' }
