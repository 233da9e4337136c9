// Package ildcp answers IL-DCP requests: a counterparty sends a zero amount
// Prepare to peer.config and learns its address and asset.
package ildcp

import (
	"context"
	"log/slog"

	"github.com/example/ilp-node/internal/accounting"
	"github.com/example/ilp-node/internal/connector"
	"github.com/example/ilp-node/internal/exchange"
	"github.com/example/ilp-node/pkg/ilp"
)

// Processor receives the IL-DCP answers.
type Processor interface {
	ProcessPacket(ctx context.Context, in connector.IncomingPacket)
}

// AssetLookup returns the asset of a ledger.
type AssetLookup interface {
	Asset(id accounting.LedgerID) (exchange.Asset, bool)
}

// Server is the sender for connector.KindIldcp.
type Server struct {
	processor   Processor
	nodeAddress string
	ownerLedger accounting.LedgerID
	assets      AssetLookup
	logger      *slog.Logger
}

func NewServer(processor Processor, nodeAddress string, ownerLedger accounting.LedgerID, assets AssetLookup, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		processor:   processor,
		nodeAddress: nodeAddress,
		ownerLedger: ownerLedger,
		assets:      assets,
		logger:      logger,
	}
}

// Route is the fixed route that sends IL-DCP requests to this server.
func (s *Server) Route() (string, connector.Endpoint) {
	return ilp.IldcpDestination, connector.IldcpEndpoint{}
}

// ClientAddress returns the ILP address assigned to e, or "" when e has none.
func ClientAddress(nodeAddress string, e connector.Endpoint) string {
	switch ep := e.(type) {
	case connector.PeerEndpoint:
		return nodeAddress + "." + ep.NodeID
	case connector.LocalEndpoint:
		return nodeAddress + "." + ep.LocalAddressPart
	case connector.BtpEndpoint:
		return nodeAddress + "." + ep.LocalAddressPart
	case connector.HTTPEndpoint:
		return nodeAddress + "." + ep.ID
	default:
		return ""
	}
}

// SendPrepare answers the request asynchronously.
func (s *Server) SendPrepare(out connector.OutgoingPrepare) {
	answer := s.answer(out)
	serialized, err := ilp.Serialize(answer)
	if err != nil {
		s.logger.Error("serialize il-dcp answer", "error", err)
		return
	}
	go s.processor.ProcessPacket(context.Background(), connector.IncomingPacket{
		Source:     connector.IldcpEndpoint{},
		Packet:     answer,
		Serialized: serialized,
		RequestID:  out.RequestID,
	})
}

func (s *Server) answer(out connector.OutgoingPrepare) ilp.Packet {
	if out.Prepare.Amount.Sign() != 0 {
		return s.reject(ilp.CodeBadRequest, "il-dcp requests must not carry value")
	}

	address := ClientAddress(s.nodeAddress, out.Source)
	if address == "" {
		return s.reject(ilp.CodeBadRequest, "no address for requesting endpoint")
	}

	ledger := s.ownerLedger
	if peer, ok := out.Source.(connector.PeerEndpoint); ok {
		ledger = peer.AccountPath.LedgerID()
	}
	asset, ok := s.assets.Asset(ledger)
	if !ok {
		s.logger.Error("no asset for il-dcp ledger", "ledger", ledger)
		return s.reject(ilp.CodeInternalError, "internal error")
	}

	s.logger.Debug("sending il-dcp response", "address", address, "asset", asset.Code)
	resp := ilp.IldcpResponse{
		ClientAddress: address,
		AssetScale:    uint8(asset.Scale),
		AssetCode:     asset.Code,
	}
	return &ilp.Fulfill{Fulfillment: ilp.IldcpFulfillment, Data: resp.Encode()}
}

func (s *Server) reject(code ilp.ErrorCode, msg string) *ilp.Reject {
	return &ilp.Reject{Code: code, TriggeredBy: s.nodeAddress, Message: msg}
}

// SendResult is never called: the IL-DCP endpoint does not send Prepares.
func (s *Server) SendResult(res connector.ResolvedPacket) {
	s.logger.Warn("unexpected result for il-dcp endpoint", "request_id", res.RequestID)
}
