// Package local delivers ILP packets to handlers running inside the node.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/example/ilp-node/internal/connector"
	"github.com/example/ilp-node/pkg/ilp"
)

var (
	ErrHandlerRegistered = errors.New("endpoint already has a packet handler")
	ErrClosed            = errors.New("endpoint closed")
	ErrNotLinkLocal      = errors.New("link-local packets must carry no value")
)

// Processor is the part of the packet switch used by this transport.
type Processor interface {
	ProcessPacket(ctx context.Context, in connector.IncomingPacket)
	ProcessPrepareWithOutcome(ctx context.Context, in connector.IncomingPacket, outcome connector.PrepareOutcome)
}

// RouteRegistrar receives the routes of local endpoints.
type RouteRegistrar interface {
	AddFixedRoute(prefix string, destination connector.Endpoint)
	RemoveRoute(prefix string) bool
}

// Handler answers a Prepare with a *ilp.Fulfill or *ilp.Reject.
type Handler func(ctx context.Context, prepare *ilp.Prepare) ilp.Packet

// linkLocal is the source of packets sent with SendLinkLocalPacket.
var linkLocal = connector.LocalEndpoint{Hint: "link-local", LocalAddressPart: "link-local"}

// Transport owns every local endpoint and implements connector.PacketSender
// for connector.KindLocal.
type Transport struct {
	processor   Processor
	routes      RouteRegistrar
	nodeAddress string
	logger      *slog.Logger

	mu          sync.Mutex
	handlers    map[string]Handler
	outstanding map[string]chan ilp.Packet
}

func NewTransport(processor Processor, routes RouteRegistrar, nodeAddress string, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		processor:   processor,
		routes:      routes,
		nodeAddress: nodeAddress,
		logger:      logger,
		handlers:    make(map[string]Handler),
		outstanding: make(map[string]chan ilp.Packet),
	}
}

// Endpoint is an in-process ILP endpoint addressed at node.address + "." + id.
type Endpoint struct {
	transport *Transport
	info      connector.LocalEndpoint
	address   string

	mu     sync.Mutex
	closed bool
}

// CreateEndpoint registers a new local endpoint and a route to it.
func (t *Transport) CreateEndpoint(hint string) *Endpoint {
	part := strings.ReplaceAll(uuid.NewString(), "-", "")
	info := connector.LocalEndpoint{Hint: hint, LocalAddressPart: part}
	e := &Endpoint{
		transport: t,
		info:      info,
		address:   t.nodeAddress + "." + part,
	}
	t.routes.AddFixedRoute(e.address, info)
	t.logger.Info("local endpoint created", "hint", hint, "address", e.address)
	return e
}

func (e *Endpoint) Address() string               { return e.address }
func (e *Endpoint) Info() connector.LocalEndpoint { return e.info }

// HandlePackets installs handler for Prepares addressed to this endpoint.
// The returned func removes it.
func (e *Endpoint) HandlePackets(handler Handler) (func(), error) {
	t := e.transport
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handlers[e.info.LocalAddressPart]; ok {
		return nil, ErrHandlerRegistered
	}
	t.handlers[e.info.LocalAddressPart] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.handlers, e.info.LocalAddressPart)
			t.mu.Unlock()
		})
	}, nil
}

// SendPacket sends prepare into the node and waits for its Fulfill or Reject.
func (e *Endpoint) SendPacket(ctx context.Context, prepare *ilp.Prepare) (ilp.Packet, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return e.transport.send(ctx, e.info, prepare, nil)
}

// Close removes the endpoint's route and handler.
func (e *Endpoint) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.transport.routes.RemoveRoute(e.address)
	e.transport.mu.Lock()
	delete(e.transport.handlers, e.info.LocalAddressPart)
	e.transport.mu.Unlock()
}

// SendLinkLocalPacket sends a zero-amount Prepare straight to peer without
// routing or ledger entries and waits for the response.
func (t *Transport) SendLinkLocalPacket(ctx context.Context, peer connector.PeerEndpoint, prepare *ilp.Prepare) (ilp.Packet, error) {
	if prepare.Amount != nil && prepare.Amount.Sign() != 0 {
		return nil, ErrNotLinkLocal
	}
	outcome := &connector.PrepareOutcome{
		Destination: peer,
		Amount:      new(big.Int),
		ExpiresAt:   prepare.ExpiresAt,
	}
	return t.send(ctx, linkLocal, prepare, outcome)
}

func (t *Transport) send(ctx context.Context, source connector.LocalEndpoint, prepare *ilp.Prepare, outcome *connector.PrepareOutcome) (ilp.Packet, error) {
	serialized, err := ilp.Serialize(prepare)
	if err != nil {
		return nil, fmt.Errorf("serialize prepare: %w", err)
	}

	requestID := uuid.NewString()
	result := make(chan ilp.Packet, 1)
	t.mu.Lock()
	t.outstanding[requestID] = result
	t.mu.Unlock()

	in := connector.IncomingPacket{
		Source:     source,
		Packet:     prepare,
		Serialized: serialized,
		RequestID:  requestID,
	}
	if outcome != nil {
		t.processor.ProcessPrepareWithOutcome(ctx, in, *outcome)
	} else {
		t.processor.ProcessPacket(ctx, in)
	}

	select {
	case pkt := <-result:
		return pkt, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.outstanding, requestID)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

// SendPrepare runs the destination's handler asynchronously and feeds its
// answer back into the processor.
func (t *Transport) SendPrepare(out connector.OutgoingPrepare) {
	dest, ok := out.Destination.(connector.LocalEndpoint)
	if !ok {
		t.logger.Error("local transport got a non-local destination", "endpoint", out.Destination.UniqueID())
		return
	}

	t.mu.Lock()
	handler := t.handlers[dest.LocalAddressPart]
	t.mu.Unlock()

	go func() {
		ctx := context.Background()
		var answer ilp.Packet
		if handler == nil {
			answer = &ilp.Reject{
				Code:        ilp.CodeUnreachable,
				TriggeredBy: t.nodeAddress,
				Message:     "no packet handler",
			}
		} else {
			answer = handler(ctx, out.Prepare)
		}
		if answer == nil || answer.Type() == ilp.TypePrepare {
			answer = &ilp.Reject{
				Code:        ilp.CodeInternalError,
				TriggeredBy: t.nodeAddress,
				Message:     "handler returned no result",
			}
		}

		serialized, err := ilp.Serialize(answer)
		if err != nil {
			t.logger.Error("serialize local result", "error", err)
			return
		}
		t.processor.ProcessPacket(ctx, connector.IncomingPacket{
			Source:     dest,
			Packet:     answer,
			Serialized: serialized,
			RequestID:  out.RequestID,
		})
	}()
}

// SendResult completes the SendPacket call waiting on the request id.
func (t *Transport) SendResult(res connector.ResolvedPacket) {
	t.mu.Lock()
	ch, ok := t.outstanding[res.RequestID]
	delete(t.outstanding, res.RequestID)
	t.mu.Unlock()

	if !ok {
		t.logger.Warn("result for unknown local request", "request_id", res.RequestID)
		return
	}
	ch <- res.Packet
}
