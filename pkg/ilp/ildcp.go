package ilp

import (
	"bytes"
	"fmt"
)

// IL-DCP: a child asks its parent for its address by sending a zero amount
// Prepare to peer.config; the parent answers with a Fulfill whose data holds
// the assigned address and the asset details.
const (
	IldcpDestination = "peer.config"
	IldcpExpiryMs    = 60_000
)

// IldcpFulfillment is the all-zero preimage used by IL-DCP exchanges.
var IldcpFulfillment [32]byte

// IldcpCondition is sha256 of IldcpFulfillment.
var IldcpCondition = ConditionFor(IldcpFulfillment)

// IldcpResponse is the payload of a successful IL-DCP Fulfill.
type IldcpResponse struct {
	ClientAddress string
	AssetScale    uint8
	AssetCode     string
}

// Encode returns the OER encoding of the response.
func (r IldcpResponse) Encode() []byte {
	var b bytes.Buffer
	writeVarOctets(&b, []byte(r.ClientAddress))
	b.WriteByte(r.AssetScale)
	writeVarOctets(&b, []byte(r.AssetCode))
	return b.Bytes()
}

// DecodeIldcpResponse parses the data of an IL-DCP Fulfill.
func DecodeIldcpResponse(data []byte) (IldcpResponse, error) {
	r := &reader{buf: data}
	addr, err := r.varOctets()
	if err != nil {
		return IldcpResponse{}, fmt.Errorf("ildcp address: %w", err)
	}
	scale, err := r.fixed(1)
	if err != nil {
		return IldcpResponse{}, fmt.Errorf("ildcp scale: %w", err)
	}
	code, err := r.varOctets()
	if err != nil {
		return IldcpResponse{}, fmt.Errorf("ildcp asset code: %w", err)
	}
	return IldcpResponse{ClientAddress: string(addr), AssetScale: scale[0], AssetCode: string(code)}, nil
}
