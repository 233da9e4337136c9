package local

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ilp-node/internal/accounting"
	"github.com/example/ilp-node/internal/accounting/storage"
	"github.com/example/ilp-node/internal/connector"
	"github.com/example/ilp-node/internal/exchange"
	"github.com/example/ilp-node/internal/routing"
	"github.com/example/ilp-node/pkg/ilp"
)

const nodeAddress = "test.node"

var preimage = [32]byte{9, 8, 7, 6, 5, 4, 3, 2, 1}

// answeringPeer fulfills or rejects every Prepare sent to a peer.
type answeringPeer struct {
	processor *connector.Processor
	reject    bool
	seen      chan *ilp.Prepare
}

func (a *answeringPeer) SendPrepare(out connector.OutgoingPrepare) {
	a.seen <- out.Prepare
	go func() {
		var answer ilp.Packet = &ilp.Fulfill{Fulfillment: preimage}
		if a.reject {
			answer = &ilp.Reject{Code: ilp.CodeApplicationError, TriggeredBy: "test.bob", Message: "no"}
		}
		serialized, _ := ilp.Serialize(answer)
		a.processor.ProcessPacket(context.Background(), connector.IncomingPacket{
			Source:     out.Destination,
			Packet:     answer,
			Serialized: serialized,
			RequestID:  out.RequestID,
		})
	}()
}

func (a *answeringPeer) SendResult(connector.ResolvedPacket) {}

type stack struct {
	ledger    *accounting.Ledger
	table     *routing.Table
	transport *Transport
	peer      *answeringPeer
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()
	l := accounting.NewLedger(storage.NewMemoryStorage(), nil)
	require.NoError(t, l.CreateAccount(ctx, accounting.OwnerEquityPath("usd")))
	require.NoError(t, l.CreateAccount(ctx, accounting.PeerAssetsPath("usd", "bob")))

	rates := exchange.NewRateTable()
	rates.AddLedger("usd", exchange.Asset{Code: "USD", Scale: 2})

	table := routing.NewTable(nil)
	table.AddPeerRoute("test.bob", "bob", "usd")

	senders := connector.NewSenderRegistry(nil)
	outcomes := connector.NewOutcomeCalculator(l, table, rates,
		connector.EndpointAccounts{OwnerLedger: "usd"}, connector.DefaultLimits())
	proc := connector.NewProcessor(connector.ProcessorConfig{
		NodeAddress:   nodeAddress,
		Ledger:        l,
		Outcomes:      outcomes,
		Sender:        senders,
		PacketTimeout: time.Second,
	})

	transport := NewTransport(proc, table, nodeAddress, nil)
	peer := &answeringPeer{processor: proc, seen: make(chan *ilp.Prepare, 4)}
	senders.Register(connector.KindLocal, transport)
	senders.Register(connector.KindPeer, peer)
	return &stack{ledger: l, table: table, transport: transport, peer: peer}
}

func prepare(destination string, amount int64) *ilp.Prepare {
	return &ilp.Prepare{
		Amount:             big.NewInt(amount),
		ExpiresAt:          ilp.FormatTimestamp(time.Now().Add(10 * time.Second)),
		ExecutionCondition: ilp.ConditionFor(preimage),
		Destination:        destination,
	}
}

func TestSendPacketToPeerPostsTransfer(t *testing.T) {
	s := newStack(t)
	e := s.transport.CreateEndpoint("wallet")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := e.SendPacket(ctx, prepare("test.bob.alice", 100))
	require.NoError(t, err)
	require.Equal(t, ilp.TypeFulfill, result.Type())

	bob, ok := s.ledger.GetAccount(accounting.PeerAssetsPath("usd", "bob"))
	require.True(t, ok)
	assert.Equal(t, "100", bob.CreditsPosted.String())
	owner, _ := s.ledger.GetAccount(accounting.OwnerEquityPath("usd"))
	assert.Equal(t, "100", owner.DebitsPosted.String())
	assert.Empty(t, s.ledger.GetPendingTransfers())
}

func TestSendPacketRejectedByPeerVoidsTransfer(t *testing.T) {
	s := newStack(t)
	s.peer.reject = true
	e := s.transport.CreateEndpoint("wallet")

	result, err := e.SendPacket(context.Background(), prepare("test.bob.alice", 40))
	require.NoError(t, err)
	reject, ok := result.(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeApplicationError, reject.Code)

	bob, _ := s.ledger.GetAccount(accounting.PeerAssetsPath("usd", "bob"))
	assert.Equal(t, "0", bob.CreditsPosted.String())
	assert.Equal(t, "0", bob.CreditsPending.String())
}

func TestLocalEndpointsExchangePackets(t *testing.T) {
	s := newStack(t)
	sender := s.transport.CreateEndpoint("sender")
	receiver := s.transport.CreateEndpoint("receiver")

	got := make(chan *ilp.Prepare, 1)
	unregister, err := receiver.HandlePackets(func(_ context.Context, p *ilp.Prepare) ilp.Packet {
		got <- p
		return &ilp.Fulfill{Fulfillment: preimage, Data: []byte("thanks")}
	})
	require.NoError(t, err)
	defer unregister()

	_, err = receiver.HandlePackets(func(context.Context, *ilp.Prepare) ilp.Packet { return nil })
	assert.ErrorIs(t, err, ErrHandlerRegistered)

	result, err := sender.SendPacket(context.Background(), prepare(receiver.Address()+".invoice", 5))
	require.NoError(t, err)
	fulfill, ok := result.(*ilp.Fulfill)
	require.True(t, ok)
	assert.Equal(t, []byte("thanks"), fulfill.Data)

	p := <-got
	assert.Equal(t, "5", p.Amount.String())
	assert.Equal(t, receiver.Address()+".invoice", p.Destination)
}

func TestSendPacketWithoutHandlerIsUnreachable(t *testing.T) {
	s := newStack(t)
	sender := s.transport.CreateEndpoint("sender")
	receiver := s.transport.CreateEndpoint("receiver")

	result, err := sender.SendPacket(context.Background(), prepare(receiver.Address(), 0))
	require.NoError(t, err)
	reject, ok := result.(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeUnreachable, reject.Code)
	assert.Equal(t, nodeAddress, reject.TriggeredBy)
}

func TestClosedEndpointLosesRoute(t *testing.T) {
	s := newStack(t)
	sender := s.transport.CreateEndpoint("sender")
	receiver := s.transport.CreateEndpoint("receiver")
	assert.Len(t, s.table.Routes(), 3)

	receiver.Close()
	receiver.Close()
	assert.Len(t, s.table.Routes(), 2)

	result, err := sender.SendPacket(context.Background(), prepare(receiver.Address(), 0))
	require.NoError(t, err)
	reject, ok := result.(*ilp.Reject)
	require.True(t, ok)
	assert.Equal(t, ilp.CodeUnreachable, reject.Code)

	_, err = receiver.SendPacket(context.Background(), prepare("test.bob", 0))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSendLinkLocalPacket(t *testing.T) {
	s := newStack(t)
	bob := connector.PeerEndpoint{NodeID: "bob", AccountPath: accounting.PeerAssetsPath("usd", "bob")}

	_, err := s.transport.SendLinkLocalPacket(context.Background(), bob, prepare("peer.route.control", 1))
	assert.ErrorIs(t, err, ErrNotLinkLocal)

	result, err := s.transport.SendLinkLocalPacket(context.Background(), bob, prepare("peer.route.control", 0))
	require.NoError(t, err)
	assert.Equal(t, ilp.TypeFulfill, result.Type())

	sent := <-s.peer.seen
	assert.Equal(t, "peer.route.control", sent.Destination)
	assert.Empty(t, s.ledger.GetPendingTransfers())
}

func TestSendPacketHonoursContext(t *testing.T) {
	s := newStack(t)
	sender := s.transport.CreateEndpoint("sender")
	receiver := s.transport.CreateEndpoint("receiver")

	block := make(chan struct{})
	defer close(block)
	_, err := receiver.HandlePackets(func(context.Context, *ilp.Prepare) ilp.Packet {
		<-block
		return &ilp.Fulfill{Fulfillment: preimage}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = sender.SendPacket(ctx, prepare(receiver.Address(), 0))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
