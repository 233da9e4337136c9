// Package peer carries ILP packets between nodes over NATS. Every node
// listens on its own subject; messages are XDR envelopes naming the sender.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/davecgh/go-xdr/xdr"
	"github.com/nats-io/nats.go"

	"github.com/example/ilp-node/internal/accounting"
	"github.com/example/ilp-node/internal/connector"
	"github.com/example/ilp-node/pkg/ilp"
)

const subjectPrefix = "ilp.peer."

var (
	ErrUnknownPeer = errors.New("unknown peer")
	ErrStarted     = errors.New("peer transport already started")
)

// Subject returns the NATS subject node nodeID listens on.
func Subject(nodeID string) string { return subjectPrefix + nodeID }

// Envelope is the XDR message exchanged between peers.
type Envelope struct {
	Sender    string
	RequestID uint32
	Packet    []byte
}

// Conn is the part of *nats.Conn used by the transport.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Processor receives packets from peers.
type Processor interface {
	ProcessPacket(ctx context.Context, in connector.IncomingPacket)
}

// Directory holds the configured peers.
type Directory struct {
	mu    sync.RWMutex
	peers map[string]connector.PeerEndpoint
}

func NewDirectory() *Directory {
	return &Directory{peers: make(map[string]connector.PeerEndpoint)}
}

// Add registers nodeID with its account on ledger and returns its endpoint.
func (d *Directory) Add(nodeID string, ledger accounting.LedgerID) connector.PeerEndpoint {
	e := connector.PeerEndpoint{NodeID: nodeID, AccountPath: accounting.PeerAssetsPath(ledger, nodeID)}
	d.mu.Lock()
	d.peers[nodeID] = e
	d.mu.Unlock()
	return e
}

func (d *Directory) Get(nodeID string) (connector.PeerEndpoint, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.peers[nodeID]
	return e, ok
}

// List returns the peers sorted by node id.
func (d *Directory) List() []connector.PeerEndpoint {
	d.mu.RLock()
	out := make([]connector.PeerEndpoint, 0, len(d.peers))
	for _, e := range d.peers {
		out = append(out, e)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Transport is the sender for connector.KindPeer.
type Transport struct {
	conn      Conn
	nodeID    string
	processor Processor
	peers     *Directory
	logger    *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewTransport(conn Conn, nodeID string, processor Processor, peers *Directory, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{conn: conn, nodeID: nodeID, processor: processor, peers: peers, logger: logger}
}

// Start subscribes to the node's subject.
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub != nil {
		return ErrStarted
	}
	sub, err := t.conn.Subscribe(Subject(t.nodeID), func(msg *nats.Msg) {
		t.Receive(context.Background(), msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", Subject(t.nodeID), err)
	}
	t.sub = sub
	t.logger.Info("peer transport listening", "subject", Subject(t.nodeID))
	return nil
}

// Close drops the subscription.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub == nil {
		return nil
	}
	err := t.sub.Unsubscribe()
	t.sub = nil
	return err
}

// Receive handles one envelope published to this node.
func (t *Transport) Receive(ctx context.Context, data []byte) {
	var env Envelope
	if _, err := xdr.Unmarshal(data, &env); err != nil {
		t.logger.Warn("discarding malformed peer envelope", "error", err)
		return
	}
	source, ok := t.peers.Get(env.Sender)
	if !ok {
		t.logger.Warn("discarding packet from unknown peer", "peer", env.Sender)
		return
	}
	packet, err := ilp.Parse(env.Packet)
	if err != nil {
		t.logger.Warn("discarding malformed packet from peer", "peer", env.Sender, "error", err)
		return
	}
	t.processor.ProcessPacket(ctx, connector.IncomingPacket{
		Source:     source,
		Packet:     packet,
		Serialized: env.Packet,
		RequestID:  strconv.FormatUint(uint64(env.RequestID), 10),
	})
}

func (t *Transport) SendPrepare(out connector.OutgoingPrepare) {
	t.send(out.Destination, out.RequestID, out.Serialized)
}

func (t *Transport) SendResult(res connector.ResolvedPacket) {
	t.send(res.Destination, res.RequestID, res.Serialized)
}

func (t *Transport) send(destination connector.Endpoint, requestID string, packet []byte) {
	peer, ok := destination.(connector.PeerEndpoint)
	if !ok {
		t.logger.Error("peer transport got a non-peer destination", "endpoint", destination.UniqueID())
		return
	}
	id, err := strconv.ParseUint(requestID, 10, 32)
	if err != nil {
		t.logger.Error("peer request id is not a uint32", "request_id", requestID, "error", err)
		return
	}

	data, err := xdr.Marshal(Envelope{Sender: t.nodeID, RequestID: uint32(id), Packet: packet})
	if err != nil {
		t.logger.Error("marshal peer envelope", "error", err)
		return
	}
	if err := t.conn.Publish(Subject(peer.NodeID), data); err != nil {
		t.logger.Error("publish to peer failed", "peer", peer.NodeID, "error", err)
	}
}
