// Package ilp holds the Interledger packet types and their binary codec.
package ilp

import (
	"crypto/sha256"
	"crypto/subtle"
	"math/big"
)

// Type is the envelope type byte of an ILP packet.
type Type byte

const (
	TypePrepare Type = 12
	TypeFulfill Type = 13
	TypeReject  Type = 14
)

func (t Type) String() string {
	switch t {
	case TypePrepare:
		return "prepare"
	case TypeFulfill:
		return "fulfill"
	case TypeReject:
		return "reject"
	default:
		return "unknown"
	}
}

// Packet is implemented by *Prepare, *Fulfill and *Reject only.
type Packet interface {
	Type() Type
	sealed()
}

// Prepare is a conditional request to move Amount toward Destination.
type Prepare struct {
	Amount             *big.Int
	ExpiresAt          string
	ExecutionCondition [32]byte
	Destination        string
	Data               []byte
}

// Fulfill carries the preimage that satisfies a Prepare's condition.
type Fulfill struct {
	Fulfillment [32]byte
	Data        []byte
}

// Reject reports that a Prepare will not be fulfilled.
type Reject struct {
	Code        ErrorCode
	TriggeredBy string
	Message     string
	Data        []byte
}

func (*Prepare) Type() Type { return TypePrepare }
func (*Fulfill) Type() Type { return TypeFulfill }
func (*Reject) Type() Type  { return TypeReject }

func (*Prepare) sealed() {}
func (*Fulfill) sealed() {}
func (*Reject) sealed()  {}

// Matches reports whether sha256(fulfillment) equals condition.
func (f *Fulfill) Matches(condition [32]byte) bool {
	digest := sha256.Sum256(f.Fulfillment[:])
	return subtle.ConstantTimeCompare(digest[:], condition[:]) == 1
}

// ConditionFor returns the execution condition committed to by fulfillment.
func ConditionFor(fulfillment [32]byte) [32]byte {
	return sha256.Sum256(fulfillment[:])
}

// Clone returns a copy of p whose amount and data do not alias the original.
func (p *Prepare) Clone() *Prepare {
	out := *p
	if p.Amount != nil {
		out.Amount = new(big.Int).Set(p.Amount)
	}
	out.Data = append([]byte(nil), p.Data...)
	return &out
}
