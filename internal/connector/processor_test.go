package connector

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ilp-node/internal/accounting"
	"github.com/example/ilp-node/internal/accounting/storage"
	"github.com/example/ilp-node/pkg/ilp"
)

const nodeAddress = "g.node"

var (
	alicePeer = PeerEndpoint{NodeID: "alice", AccountPath: accounting.PeerAssetsPath("usd", "alice")}
	bobPeer   = PeerEndpoint{NodeID: "bob", AccountPath: accounting.PeerAssetsPath("usd", "bob")}
	carolPeer = PeerEndpoint{NodeID: "carol", AccountPath: accounting.PeerAssetsPath("xrp", "carol")}
)

type staticResolver map[string]Endpoint

func (r staticResolver) Resolve(destination string) (Endpoint, error) {
	for prefix, e := range r {
		if strings.HasPrefix(destination, prefix) {
			return e, nil
		}
	}
	return nil, errors.New("no route")
}

// ratioConverter multiplies by num/den when the ledgers differ.
type ratioConverter struct{ num, den int64 }

func (c ratioConverter) ConvertAmount(from, to accounting.AccountPath, amount *big.Int) (*big.Int, error) {
	if from.LedgerID() == to.LedgerID() {
		return new(big.Int).Set(amount), nil
	}
	out := new(big.Int).Mul(amount, big.NewInt(c.num))
	return out.Quo(out, big.NewInt(c.den)), nil
}

// flakyStorage fails the next failPosts posted transfers.
type flakyStorage struct {
	*storage.MemoryStorage

	mu        sync.Mutex
	failPosts int
}

func (s *flakyStorage) failNext(n int) {
	s.mu.Lock()
	s.failPosts = n
	s.mu.Unlock()
}

func (s *flakyStorage) ApplyPostedTransfer(ctx context.Context, debit, credit accounting.AccountPath, amount *big.Int) error {
	s.mu.Lock()
	fail := s.failPosts > 0
	if fail {
		s.failPosts--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.MemoryStorage.ApplyPostedTransfer(ctx, debit, credit, amount)
}

type fakeSender struct {
	mu       sync.Mutex
	prepares []OutgoingPrepare
	results  []ResolvedPacket
	notify   chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{notify: make(chan struct{}, 16)}
}

func (s *fakeSender) SendPrepare(p OutgoingPrepare) {
	s.mu.Lock()
	s.prepares = append(s.prepares, p)
	s.mu.Unlock()
	s.notify <- struct{}{}
}

func (s *fakeSender) SendResult(r ResolvedPacket) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
	s.notify <- struct{}{}
}

func (s *fakeSender) lastPrepare(t *testing.T) OutgoingPrepare {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.prepares)
	return s.prepares[len(s.prepares)-1]
}

func (s *fakeSender) lastResult(t *testing.T) ResolvedPacket {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.results)
	return s.results[len(s.results)-1]
}

func (s *fakeSender) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prepares), len(s.results)
}

type harness struct {
	ledger    *accounting.Ledger
	sender    *fakeSender
	processor *Processor
	outcomes  *OutcomeCalculator
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	return newHarnessWithStorage(t, timeout, storage.NewMemoryStorage())
}

func newHarnessWithStorage(t *testing.T, timeout time.Duration, store accounting.Storage) *harness {
	t.Helper()
	ctx := context.Background()
	l := accounting.NewLedger(store, nil)
	for _, p := range []accounting.AccountPath{
		alicePeer.AccountPath, bobPeer.AccountPath, carolPeer.AccountPath,
		accounting.OwnerEquityPath("usd"), accounting.FxRevenuePath("usd"),
		accounting.FxExpensesPath("xrp"),
	} {
		require.NoError(t, l.CreateAccount(ctx, p))
	}

	resolver := staticResolver{"g.bob": bobPeer, "g.carol": carolPeer, "g.alice": alicePeer}
	outcomes := NewOutcomeCalculator(l, resolver, ratioConverter{num: 2, den: 1},
		EndpointAccounts{OwnerLedger: "usd"}, DefaultLimits())
	sender := newFakeSender()
	p := NewProcessor(ProcessorConfig{
		NodeAddress:   nodeAddress,
		Ledger:        l,
		Outcomes:      outcomes,
		Sender:        sender,
		PacketTimeout: timeout,
		PostTimeout:   100 * time.Millisecond,
	})
	return &harness{ledger: l, sender: sender, processor: p, outcomes: outcomes}
}

var preimage = [32]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32}

func prepareTo(destination string, amount int64, expiresIn time.Duration) *ilp.Prepare {
	return &ilp.Prepare{
		Amount:             big.NewInt(amount),
		ExpiresAt:          ilp.FormatTimestamp(time.Now().Add(expiresIn)),
		ExecutionCondition: ilp.ConditionFor(preimage),
		Destination:        destination,
		Data:               []byte("hello"),
	}
}

func incoming(source Endpoint, pkt ilp.Packet, requestID string) IncomingPacket {
	raw, _ := ilp.Serialize(pkt)
	return IncomingPacket{Source: source, Packet: pkt, Serialized: raw, RequestID: requestID}
}

func pending(t *testing.T, l *accounting.Ledger, path accounting.AccountPath) (debits, credits string) {
	t.Helper()
	a, ok := l.GetAccount(path)
	require.True(t, ok)
	return a.DebitsPending.String(), a.CreditsPending.String()
}

func TestForwardAndFulfill(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()

	h.processor.ProcessPacket(ctx, incoming(alicePeer, prepareTo("g.bob.wallet", 100, 30*time.Second), "7"))

	out := h.sender.lastPrepare(t)
	assert.Equal(t, bobPeer, out.Destination)
	assert.NotEqual(t, "7", out.RequestID)
	assert.Equal(t, "100", out.Prepare.Amount.String())
	assert.Equal(t, "g.bob.wallet", out.Prepare.Destination)
	assert.Equal(t, []byte("hello"), out.Prepare.Data)
	assert.NotEmpty(t, out.Serialized)
	assert.Equal(t, 1, h.processor.InFlight())

	d, _ := pending(t, h.ledger, alicePeer.AccountPath)
	_, c := pending(t, h.ledger, bobPeer.AccountPath)
	assert.Equal(t, "100", d)
	assert.Equal(t, "100", c)

	h.processor.ProcessPacket(ctx, incoming(bobPeer, &ilp.Fulfill{Fulfillment: preimage}, out.RequestID))

	res := h.sender.lastResult(t)
	assert.Equal(t, alicePeer, res.Destination)
	assert.Equal(t, "7", res.RequestID)
	assert.IsType(t, &ilp.Fulfill{}, res.Packet)
	assert.Zero(t, h.processor.InFlight())

	alice, _ := h.ledger.GetAccount(alicePeer.AccountPath)
	bob, _ := h.ledger.GetAccount(bobPeer.AccountPath)
	assert.Equal(t, "100", alice.DebitsPosted.String())
	assert.Equal(t, "100", bob.CreditsPosted.String())
	assert.Zero(t, alice.DebitsPending.Sign())
	assert.Empty(t, h.ledger.GetPendingTransfers())
}

func TestRejectVoidsAndForwards(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()

	h.processor.ProcessPacket(ctx, incoming(alicePeer, prepareTo("g.bob", 50, 30*time.Second), "9"))
	out := h.sender.lastPrepare(t)

	reject := &ilp.Reject{Code: ilp.CodeUnreachable, TriggeredBy: "g.bob", Message: "nope"}
	h.processor.ProcessPacket(ctx, incoming(bobPeer, reject, out.RequestID))

	res := h.sender.lastResult(t)
	assert.Equal(t, "9", res.RequestID)
	assert.Equal(t, reject, res.Packet)
	d, _ := pending(t, h.ledger, alicePeer.AccountPath)
	assert.Equal(t, "0", d)
	assert.Empty(t, h.ledger.GetPendingTransfers())

	// a second reject for the same id finds nothing
	h.processor.ProcessPacket(ctx, incoming(bobPeer, reject, out.RequestID))
	_, results := h.sender.counts()
	assert.Equal(t, 1, results)
}

func TestInsufficientLiquidityRejectsEarly(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()
	limited := PeerEndpoint{NodeID: "dave", AccountPath: accounting.PeerAssetsPath("usd", "dave")}
	require.NoError(t, h.ledger.CreateAccount(ctx, limited.AccountPath, accounting.WithLimit(accounting.DebitsMustNotExceedCredits)))

	h.processor.ProcessPacket(ctx, incoming(limited, prepareTo("g.bob", 10, 30*time.Second), "1"))

	res := h.sender.lastResult(t)
	reject := res.Packet.(*ilp.Reject)
	assert.Equal(t, ilp.CodeInsufficientLiquidity, reject.Code)
	assert.Equal(t, nodeAddress, reject.TriggeredBy)
	assert.NotContains(t, reject.Message, "dave")
	assert.Equal(t, "1", res.RequestID)
	assert.Zero(t, h.processor.InFlight())
	prepares, _ := h.sender.counts()
	assert.Zero(t, prepares)
	d, _ := pending(t, h.ledger, limited.AccountPath)
	assert.Equal(t, "0", d)
}

func TestEarlyRejections(t *testing.T) {
	tooBig := DefaultLimits().MaxPacketAmount.Int64() + 1
	badExpiry := prepareTo("g.bob", 1, time.Minute)
	badExpiry.ExpiresAt = "not-a-timestamp!!"

	cases := []struct {
		name    string
		prepare *ilp.Prepare
		code    ilp.ErrorCode
	}{
		{"unreachable", prepareTo("g.nowhere", 1, time.Minute), ilp.CodeUnreachable},
		{"expiry too close", prepareTo("g.bob", 1, 1500*time.Millisecond), ilp.CodeInsufficientTimeout},
		{"invalid expiry", badExpiry, ilp.CodeInvalidPacket},
		{"amount too large", prepareTo("g.bob", tooBig, time.Minute), ilp.CodeAmountTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, time.Minute)
			h.processor.ProcessPacket(context.Background(), IncomingPacket{Source: alicePeer, Packet: tc.prepare, RequestID: "3"})
			reject := h.sender.lastResult(t).Packet.(*ilp.Reject)
			assert.Equal(t, tc.code, reject.Code)
			assert.Equal(t, nodeAddress, reject.TriggeredBy)
			assert.Empty(t, h.ledger.GetPendingTransfers())
		})
	}
}

func TestOutgoingExpiryIsCappedByHoldTime(t *testing.T) {
	h := newHarness(t, time.Minute)
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.outcomes.now = func() time.Time { return fixed }

	p := prepareTo("g.bob", 0, 0)
	p.ExpiresAt = ilp.FormatTimestamp(fixed.Add(time.Hour))
	outcome, err := h.outcomes.Calculate(context.Background(), alicePeer, p)
	require.NoError(t, err)
	assert.Equal(t, ilp.FormatTimestamp(fixed.Add(20*time.Second)), outcome.ExpiresAt)

	p.ExpiresAt = ilp.FormatTimestamp(fixed.Add(5 * time.Second))
	outcome, err = h.outcomes.Calculate(context.Background(), alicePeer, p)
	require.NoError(t, err)
	assert.Equal(t, ilp.FormatTimestamp(fixed.Add(4*time.Second)), outcome.ExpiresAt)
	assert.Empty(t, outcome.Transfers)

	p.ExpiresAt = ilp.FormatTimestamp(fixed.Add(2*time.Second - time.Millisecond))
	_, err = h.outcomes.Calculate(context.Background(), alicePeer, p)
	assert.ErrorIs(t, err, ErrInsufficientTimeout)
}

func TestCrossLedgerUsesFxAccounts(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()

	h.processor.ProcessPacket(ctx, incoming(alicePeer, prepareTo("g.carol", 40, 30*time.Second), "5"))
	out := h.sender.lastPrepare(t)
	assert.Equal(t, "80", out.Prepare.Amount.String())

	transfers := h.ledger.GetPendingTransfers()
	require.Len(t, transfers, 2)
	assert.Equal(t, alicePeer.AccountPath, transfers[0].DebitAccount)
	assert.Equal(t, accounting.FxRevenuePath("usd"), transfers[0].CreditAccount)
	assert.Equal(t, "40", transfers[0].Amount.String())
	assert.Equal(t, accounting.FxExpensesPath("xrp"), transfers[1].DebitAccount)
	assert.Equal(t, carolPeer.AccountPath, transfers[1].CreditAccount)
	assert.Equal(t, "80", transfers[1].Amount.String())

	h.processor.ProcessPacket(ctx, incoming(carolPeer, &ilp.Fulfill{Fulfillment: preimage}, out.RequestID))
	revenue, _ := h.ledger.GetAccount(accounting.FxRevenuePath("usd"))
	expenses, _ := h.ledger.GetAccount(accounting.FxExpensesPath("xrp"))
	assert.Equal(t, "40", revenue.CreditsPosted.String())
	assert.Equal(t, "80", expenses.DebitsPosted.String())
}

func TestFailedSecondTransferVoidsFirst(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()
	// eur has no fx expense account
	erin := PeerEndpoint{NodeID: "erin", AccountPath: accounting.PeerAssetsPath("eur", "erin")}
	require.NoError(t, h.ledger.CreateAccount(ctx, erin.AccountPath))
	h.outcomes.resolver = staticResolver{"g.erin": erin}

	h.processor.ProcessPacket(ctx, incoming(alicePeer, prepareTo("g.erin", 10, 30*time.Second), "2"))

	reject := h.sender.lastResult(t).Packet.(*ilp.Reject)
	assert.Equal(t, ilp.CodeInternalError, reject.Code)
	assert.Empty(t, h.ledger.GetPendingTransfers())
	d, _ := pending(t, h.ledger, alicePeer.AccountPath)
	assert.Equal(t, "0", d)
	_, c := pending(t, h.ledger, accounting.FxRevenuePath("usd"))
	assert.Equal(t, "0", c)
}

func TestInvalidFulfillmentIsIgnored(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()

	h.processor.ProcessPacket(ctx, incoming(alicePeer, prepareTo("g.bob", 5, 30*time.Second), "4"))
	out := h.sender.lastPrepare(t)

	h.processor.ProcessPacket(ctx, incoming(bobPeer, &ilp.Fulfill{Fulfillment: [32]byte{9}}, out.RequestID))
	_, results := h.sender.counts()
	assert.Zero(t, results)
	assert.Equal(t, 1, h.processor.InFlight())

	// wrong source endpoint with the right id
	h.processor.ProcessPacket(ctx, incoming(carolPeer, &ilp.Fulfill{Fulfillment: preimage}, out.RequestID))
	assert.Equal(t, 1, h.processor.InFlight())

	h.processor.ProcessPacket(ctx, incoming(bobPeer, &ilp.Fulfill{Fulfillment: preimage}, out.RequestID))
	_, results = h.sender.counts()
	assert.Equal(t, 1, results)
	assert.Zero(t, h.processor.InFlight())
}

func TestInvalidFulfillmentThenTimeoutVoidsOnce(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)
	ctx := context.Background()

	h.processor.ProcessPacket(ctx, incoming(alicePeer, prepareTo("g.carol", 15, 30*time.Second), "21"))
	out := h.sender.lastPrepare(t)
	<-h.sender.notify
	require.Len(t, h.ledger.GetPendingTransfers(), 2)

	voided := 0
	var mu sync.Mutex
	unsubscribe := h.ledger.Voided().Subscribe(func(accounting.Transfer) {
		mu.Lock()
		voided++
		mu.Unlock()
	})
	defer unsubscribe()

	h.processor.ProcessPacket(ctx, incoming(carolPeer, &ilp.Fulfill{Fulfillment: [32]byte{9}}, out.RequestID))

	select {
	case <-h.sender.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout reject was not sent")
	}
	time.Sleep(60 * time.Millisecond)

	_, results := h.sender.counts()
	require.Equal(t, 1, results)
	res := h.sender.lastResult(t)
	assert.Equal(t, "21", res.RequestID)
	assert.Equal(t, ilp.CodeTransferTimedOut, res.Packet.(*ilp.Reject).Code)
	assert.Empty(t, h.ledger.GetPendingTransfers())
	assert.Zero(t, h.processor.InFlight())
	mu.Lock()
	assert.Equal(t, 2, voided)
	mu.Unlock()

	revenue, _ := h.ledger.GetAccount(accounting.FxRevenuePath("usd"))
	assert.Zero(t, revenue.CreditsPosted.Sign())
	assert.Zero(t, revenue.CreditsPending.Sign())
}

func TestPostFailureIsRetried(t *testing.T) {
	store := &flakyStorage{MemoryStorage: storage.NewMemoryStorage()}
	h := newHarnessWithStorage(t, time.Minute, store)
	ctx := context.Background()

	h.processor.ProcessPacket(ctx, incoming(alicePeer, prepareTo("g.bob", 30, 30*time.Second), "31"))
	out := h.sender.lastPrepare(t)

	store.failNext(postAttempts - 1)
	h.processor.ProcessPacket(ctx, incoming(bobPeer, &ilp.Fulfill{Fulfillment: preimage}, out.RequestID))

	assert.IsType(t, &ilp.Fulfill{}, h.sender.lastResult(t).Packet)
	assert.Empty(t, h.ledger.GetPendingTransfers())
	bob, _ := h.ledger.GetAccount(bobPeer.AccountPath)
	assert.Equal(t, "30", bob.CreditsPosted.String())
}

func TestPostFailureReleasesReservation(t *testing.T) {
	store := &flakyStorage{MemoryStorage: storage.NewMemoryStorage()}
	h := newHarnessWithStorage(t, time.Minute, store)
	ctx := context.Background()

	h.processor.ProcessPacket(ctx, incoming(alicePeer, prepareTo("g.carol", 10, 30*time.Second), "32"))
	out := h.sender.lastPrepare(t)
	require.Len(t, h.ledger.GetPendingTransfers(), 2)

	// every attempt on the first leg fails, the second leg posts
	store.failNext(postAttempts)
	h.processor.ProcessPacket(ctx, incoming(carolPeer, &ilp.Fulfill{Fulfillment: preimage}, out.RequestID))

	assert.IsType(t, &ilp.Fulfill{}, h.sender.lastResult(t).Packet)
	assert.Zero(t, h.processor.InFlight())
	assert.Empty(t, h.ledger.GetPendingTransfers())

	for _, path := range []accounting.AccountPath{alicePeer.AccountPath, accounting.FxRevenuePath("usd"), accounting.FxExpensesPath("xrp"), carolPeer.AccountPath} {
		a, _ := h.ledger.GetAccount(path)
		assert.Zero(t, a.DebitsPending.Sign(), path)
		assert.Zero(t, a.CreditsPending.Sign(), path)
	}
	revenue, _ := h.ledger.GetAccount(accounting.FxRevenuePath("usd"))
	assert.Zero(t, revenue.CreditsPosted.Sign())
	carol, _ := h.ledger.GetAccount(carolPeer.AccountPath)
	assert.Equal(t, "20", carol.CreditsPosted.String())
}

func TestTimeoutRejectsAndDiscardsLateFulfill(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)
	ctx := context.Background()

	h.processor.ProcessPacket(ctx, incoming(alicePeer, prepareTo("g.bob", 25, 30*time.Second), "11"))
	out := h.sender.lastPrepare(t)
	<-h.sender.notify

	select {
	case <-h.sender.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout reject was not sent")
	}

	res := h.sender.lastResult(t)
	reject := res.Packet.(*ilp.Reject)
	assert.Equal(t, ilp.CodeTransferTimedOut, reject.Code)
	assert.Equal(t, nodeAddress, reject.TriggeredBy)
	assert.Equal(t, "11", res.RequestID)
	assert.Empty(t, h.ledger.GetPendingTransfers())

	h.processor.ProcessPacket(ctx, incoming(bobPeer, &ilp.Fulfill{Fulfillment: preimage}, out.RequestID))
	_, results := h.sender.counts()
	assert.Equal(t, 1, results)
	alice, _ := h.ledger.GetAccount(alicePeer.AccountPath)
	assert.Zero(t, alice.DebitsPosted.Sign())
}

func TestFulfillCancelsTimeout(t *testing.T) {
	h := newHarness(t, 40*time.Millisecond)
	ctx := context.Background()

	h.processor.ProcessPacket(ctx, incoming(alicePeer, prepareTo("g.bob", 1, 30*time.Second), "12"))
	out := h.sender.lastPrepare(t)
	h.processor.ProcessPacket(ctx, incoming(bobPeer, &ilp.Fulfill{Fulfillment: preimage}, out.RequestID))

	time.Sleep(100 * time.Millisecond)
	_, results := h.sender.counts()
	assert.Equal(t, 1, results)
	assert.IsType(t, &ilp.Fulfill{}, h.sender.lastResult(t).Packet)
}

func TestPredeterminedOutcomeSkipsLedger(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()
	p := prepareTo("peer.config", 0, 30*time.Second)

	h.processor.ProcessPrepareWithOutcome(ctx, incoming(LocalEndpoint{LocalAddressPart: "ctl"}, p, "1"),
		PrepareOutcome{Destination: IldcpEndpoint{}})

	out := h.sender.lastPrepare(t)
	assert.Equal(t, IldcpEndpoint{}, out.Destination)
	assert.Equal(t, p.ExpiresAt, out.Prepare.ExpiresAt)
	assert.Empty(t, h.ledger.GetPendingTransfers())
}

func TestConcurrentTerminalEventsFinalizeOnce(t *testing.T) {
	h := newHarness(t, 5*time.Millisecond)
	ctx := context.Background()
	h.sender.notify = make(chan struct{}, 1024)

	const n = 50
	for i := 0; i < n; i++ {
		h.processor.ProcessPacket(ctx, incoming(alicePeer, prepareTo("g.bob", 1, 30*time.Second), "x"))
	}
	h.sender.mu.Lock()
	prepares := append([]OutgoingPrepare(nil), h.sender.prepares...)
	h.sender.mu.Unlock()
	require.Len(t, prepares, n)

	var wg sync.WaitGroup
	for _, out := range prepares {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			h.processor.ProcessPacket(ctx, incoming(bobPeer, &ilp.Fulfill{Fulfillment: preimage}, id))
		}(out.RequestID)
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond)

	_, results := h.sender.counts()
	assert.Equal(t, n, results)
	assert.Empty(t, h.ledger.GetPendingTransfers())

	alice, _ := h.ledger.GetAccount(alicePeer.AccountPath)
	bob, _ := h.ledger.GetAccount(bobPeer.AccountPath)
	// every prepare was finalized exactly once, by fulfill or by timeout
	assert.Equal(t, alice.DebitsPosted.String(), bob.CreditsPosted.String())
}
