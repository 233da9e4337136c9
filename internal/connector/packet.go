package connector

import (
	"log/slog"
	"math/big"
	"sync"

	"github.com/example/ilp-node/internal/accounting"
	"github.com/example/ilp-node/pkg/ilp"
)

// IncomingPacket is a packet received from an endpoint. RequestID is the id
// used on that endpoint's link.
type IncomingPacket struct {
	Source     Endpoint
	Packet     ilp.Packet
	Serialized []byte
	RequestID  string
}

// PreparedPacket is the correlation record of a forwarded Prepare.
type PreparedPacket struct {
	Source            Endpoint
	Prepare           *ilp.Prepare
	Serialized        []byte
	IncomingRequestID string
	Destination       Endpoint
	OutgoingRequestID string
	Transfers         []*accounting.Transfer

	timeout *TimeoutHandle
}

// PrepareOutcome is the result of deciding where and how a Prepare goes.
type PrepareOutcome struct {
	Destination Endpoint
	Amount      *big.Int
	ExpiresAt   string
	Transfers   []*accounting.Transfer
}

// OutgoingPrepare is a Prepare handed to the sender for Destination.
type OutgoingPrepare struct {
	Source      Endpoint
	Destination Endpoint
	RequestID   string
	Prepare     *ilp.Prepare
	Serialized  []byte
}

// ResolvedPacket is a Fulfill or Reject travelling back to Destination.
// RequestID is the id Destination used when it sent the Prepare.
type ResolvedPacket struct {
	Destination Endpoint
	RequestID   string
	Packet      ilp.Packet
	Serialized  []byte
	Prepare     *PreparedPacket
}

// PacketSender delivers packets to endpoints of one kind. Implementations
// must not call back into the processor synchronously.
type PacketSender interface {
	SendPrepare(OutgoingPrepare)
	SendResult(ResolvedPacket)
}

// SenderRegistry dispatches to the sender registered for each endpoint kind.
type SenderRegistry struct {
	mu      sync.RWMutex
	senders map[EndpointKind]PacketSender
	logger  *slog.Logger
}

func NewSenderRegistry(logger *slog.Logger) *SenderRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &SenderRegistry{senders: make(map[EndpointKind]PacketSender), logger: logger}
}

// Register installs s for kind, replacing any previous sender.
func (r *SenderRegistry) Register(kind EndpointKind, s PacketSender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[kind] = s
}

func (r *SenderRegistry) lookup(kind EndpointKind) (PacketSender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[kind]
	return s, ok
}

func (r *SenderRegistry) SendPrepare(p OutgoingPrepare) {
	s, ok := r.lookup(p.Destination.Kind())
	if !ok {
		r.logger.Error("no sender for endpoint kind, prepare will time out",
			"kind", p.Destination.Kind(), "request_id", p.RequestID)
		return
	}
	s.SendPrepare(p)
}

func (r *SenderRegistry) SendResult(p ResolvedPacket) {
	s, ok := r.lookup(p.Destination.Kind())
	if !ok {
		r.logger.Error("no sender for endpoint kind, result dropped",
			"kind", p.Destination.Kind(), "request_id", p.RequestID)
		return
	}
	s.SendResult(p)
}
