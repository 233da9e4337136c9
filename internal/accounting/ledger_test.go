package accounting

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStorage struct {
	rows     map[AccountPath]PostedTotals
	applyErr error
	applied  int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{rows: make(map[AccountPath]PostedTotals)}
}

func (s *fakeStorage) LoadAccount(_ context.Context, path AccountPath) (PostedTotals, bool, error) {
	row, ok := s.rows[path]
	return row, ok, nil
}

func (s *fakeStorage) InsertAccount(_ context.Context, path AccountPath) error {
	s.rows[path] = PostedTotals{DebitsPosted: new(big.Int), CreditsPosted: new(big.Int)}
	return nil
}

func (s *fakeStorage) ApplyPostedTransfer(_ context.Context, debit, credit AccountPath, amount *big.Int) error {
	if s.applyErr != nil {
		return s.applyErr
	}
	d, c := s.rows[debit], s.rows[credit]
	d.DebitsPosted = new(big.Int).Add(d.DebitsPosted, amount)
	c.CreditsPosted = new(big.Int).Add(c.CreditsPosted, amount)
	s.rows[debit], s.rows[credit] = d, c
	s.applied++
	return nil
}

const (
	alice AccountPath = "usd:assets/interledger/alice"
	bob   AccountPath = "usd:assets/interledger/bob"
	owner AccountPath = "usd:equity/owner"
)

func newTestLedger(t *testing.T) (*Ledger, *fakeStorage) {
	t.Helper()
	store := newFakeStorage()
	l := NewLedger(store, nil)
	ctx := context.Background()
	require.NoError(t, l.CreateAccount(ctx, alice))
	require.NoError(t, l.CreateAccount(ctx, bob))
	return l, store
}

func amt(v int64) *big.Int { return big.NewInt(v) }

func TestCreateAccountIsIdempotentAndRestoresTotals(t *testing.T) {
	store := newFakeStorage()
	store.rows[alice] = PostedTotals{DebitsPosted: amt(70), CreditsPosted: amt(30)}
	l := NewLedger(store, nil)
	ctx := context.Background()

	require.NoError(t, l.CreateAccount(ctx, alice, WithLimit(DebitsMustNotExceedCredits)))
	require.NoError(t, l.CreateAccount(ctx, alice))

	a, ok := l.GetAccount(alice)
	require.True(t, ok)
	assert.Equal(t, DebitsMustNotExceedCredits, a.Limit)
	assert.Equal(t, "70", a.DebitsPosted.String())
	assert.Equal(t, "30", a.CreditsPosted.String())
	assert.Zero(t, a.DebitsPending.Sign())

	require.NoError(t, l.CreateAccount(ctx, bob))
	_, stored := store.rows[bob]
	assert.True(t, stored)
}

func TestPendingTransferLifecycle(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	var pending, posted []Transfer
	l.Pending().Subscribe(func(tr Transfer) { pending = append(pending, tr) })
	l.Posted().Subscribe(func(tr Transfer) { posted = append(posted, tr) })

	tr, err := l.CreateTransfer(ctx, CreateTransferParams{DebitAccountPath: alice, CreditAccountPath: bob, Amount: amt(100), Pending: true})
	require.NoError(t, err)
	assert.Equal(t, TransferPending, tr.State)
	require.Len(t, pending, 1)

	a, _ := l.GetAccount(alice)
	b, _ := l.GetAccount(bob)
	assert.Equal(t, "100", a.DebitsPending.String())
	assert.Equal(t, "100", b.CreditsPending.String())
	assert.Len(t, l.GetPendingTransfers(), 1)
	assert.Zero(t, store.applied)

	require.NoError(t, l.PostPendingTransfer(ctx, tr))
	assert.Equal(t, TransferPosted, tr.State)
	require.Len(t, posted, 1)
	assert.Empty(t, l.GetPendingTransfers())

	a, _ = l.GetAccount(alice)
	b, _ = l.GetAccount(bob)
	assert.Zero(t, a.DebitsPending.Sign())
	assert.Equal(t, "100", a.DebitsPosted.String())
	assert.Equal(t, "100", b.CreditsPosted.String())
	assert.Equal(t, "100", store.rows[alice].DebitsPosted.String())
}

func TestVoidRestoresPendingFields(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	voided := 0
	l.Voided().Subscribe(func(Transfer) { voided++ })

	tr, err := l.CreateTransfer(ctx, CreateTransferParams{DebitAccountPath: alice, CreditAccountPath: bob, Amount: amt(5), Pending: true})
	require.NoError(t, err)
	l.VoidPendingTransfer(tr)

	assert.Equal(t, TransferVoided, tr.State)
	assert.Equal(t, 1, voided)
	a, _ := l.GetAccount(alice)
	b, _ := l.GetAccount(bob)
	assert.Zero(t, a.DebitsPending.Sign())
	assert.Zero(t, b.CreditsPending.Sign())
	assert.Zero(t, a.DebitsPosted.Sign())
}

func TestImmediateTransferPersists(t *testing.T) {
	l, store := newTestLedger(t)
	posted := 0
	l.Posted().Subscribe(func(Transfer) { posted++ })

	tr, err := l.CreateTransfer(context.Background(), CreateTransferParams{DebitAccountPath: alice, CreditAccountPath: bob, Amount: amt(9)})
	require.NoError(t, err)
	assert.Equal(t, TransferPosted, tr.State)
	assert.True(t, tr.Immediate)
	assert.Equal(t, 1, posted)
	assert.Equal(t, 1, store.applied)
	assert.Equal(t, "9", store.rows[bob].CreditsPosted.String())
	assert.Empty(t, l.GetPendingTransfers())
}

func TestCreateTransferFailureOrder(t *testing.T) {
	store := newFakeStorage()
	l := NewLedger(store, nil)
	ctx := context.Background()
	missing := AccountPath("usd:assets/nobody")

	_, err := l.CreateTransfer(ctx, CreateTransferParams{DebitAccountPath: missing, CreditAccountPath: bob, Amount: amt(1), Pending: true})
	var invalid *InvalidAccountFailure
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "debit", invalid.Side)

	require.NoError(t, l.CreateAccount(ctx, alice, WithLimit(DebitsMustNotExceedCredits)))
	// debit limit is checked before the missing credit account
	_, err = l.CreateTransfer(ctx, CreateTransferParams{DebitAccountPath: alice, CreditAccountPath: missing, Amount: amt(1), Pending: true})
	assert.ErrorIs(t, err, ErrExceedsDebits)

	require.NoError(t, l.CreateAccount(ctx, owner))
	_, err = l.CreateTransfer(ctx, CreateTransferParams{DebitAccountPath: owner, CreditAccountPath: missing, Amount: amt(1), Pending: true})
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "credit", invalid.Side)
}

func TestDebitLimitCountsPendingDebits(t *testing.T) {
	l := NewLedger(newFakeStorage(), nil)
	ctx := context.Background()
	require.NoError(t, l.CreateAccount(ctx, alice, WithLimit(DebitsMustNotExceedCredits)))
	require.NoError(t, l.CreateAccount(ctx, bob))

	// fund alice with 100 credits
	_, err := l.CreateTransfer(ctx, CreateTransferParams{DebitAccountPath: bob, CreditAccountPath: alice, Amount: amt(100)})
	require.NoError(t, err)

	_, err = l.CreateTransfer(ctx, CreateTransferParams{DebitAccountPath: alice, CreditAccountPath: bob, Amount: amt(60), Pending: true})
	require.NoError(t, err)

	_, err = l.CreateTransfer(ctx, CreateTransferParams{DebitAccountPath: alice, CreditAccountPath: bob, Amount: amt(41), Pending: true})
	assert.ErrorIs(t, err, ErrExceedsDebits)

	a, _ := l.GetAccount(alice)
	assert.Equal(t, "60", a.DebitsPending.String())

	_, err = l.CreateTransfer(ctx, CreateTransferParams{DebitAccountPath: alice, CreditAccountPath: bob, Amount: amt(40), Pending: true})
	assert.NoError(t, err)
}

func TestCreditLimit(t *testing.T) {
	l := NewLedger(newFakeStorage(), nil)
	ctx := context.Background()
	require.NoError(t, l.CreateAccount(ctx, alice))
	require.NoError(t, l.CreateAccount(ctx, bob, WithLimit(CreditsMustNotExceedDebits)))

	_, err := l.CreateTransfer(ctx, CreateTransferParams{DebitAccountPath: alice, CreditAccountPath: bob, Amount: amt(1), Pending: true})
	assert.ErrorIs(t, err, ErrExceedsCredits)
	b, _ := l.GetAccount(bob)
	assert.Zero(t, b.CreditsPending.Sign())
}

func TestPostPersistenceFailureLeavesTransferPending(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	tr, err := l.CreateTransfer(ctx, CreateTransferParams{DebitAccountPath: alice, CreditAccountPath: bob, Amount: amt(3), Pending: true})
	require.NoError(t, err)

	store.applyErr = errors.New("disk full")
	err = l.PostPendingTransfer(ctx, tr)
	require.Error(t, err)
	assert.Equal(t, TransferPending, tr.State)
	assert.Len(t, l.GetPendingTransfers(), 1)

	store.applyErr = nil
	require.NoError(t, l.PostPendingTransfer(ctx, tr))
}

func TestAssertionsPanic(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	assert.Panics(t, func() {
		_, _ = l.CreateTransfer(ctx, CreateTransferParams{DebitAccountPath: alice, CreditAccountPath: alice, Amount: amt(1)})
	})
	assert.Panics(t, func() {
		_, _ = l.CreateTransfer(ctx, CreateTransferParams{DebitAccountPath: alice, CreditAccountPath: "eur:assets/x", Amount: amt(1)})
	})

	tr, err := l.CreateTransfer(ctx, CreateTransferParams{DebitAccountPath: alice, CreditAccountPath: bob, Amount: amt(1), Pending: true})
	require.NoError(t, err)
	l.VoidPendingTransfer(tr)
	assert.Panics(t, func() { l.VoidPendingTransfer(tr) })
	assert.Panics(t, func() { _ = l.PostPendingTransfer(ctx, tr) })

	// the ledger must still be usable after a failed assertion
	_, ok := l.GetAccount(alice)
	assert.True(t, ok)
}

func TestQueriesReturnCopies(t *testing.T) {
	l, _ := newTestLedger(t)
	a, _ := l.GetAccount(alice)
	a.DebitsPosted.SetInt64(999)

	again, _ := l.GetAccount(alice)
	assert.Zero(t, again.DebitsPosted.Sign())

	require.NoError(t, l.CreateAccount(context.Background(), "eur:equity/owner"))
	assert.Equal(t, []LedgerID{"eur", "usd"}, l.GetLedgerIDs())
	assert.Len(t, l.GetAccounts("usd:assets/"), 2)
}

func TestSettlementHooks(t *testing.T) {
	l := NewLedger(newFakeStorage(), nil)
	ctx := context.Background()
	for _, p := range []AccountPath{OwnerEquityPath("usd"), SettlementPath("usd"), PeerAssetsPath("usd", "bob")} {
		require.NoError(t, l.CreateAccount(ctx, p))
	}

	_, err := l.ReportDeposit(ctx, "usd", amt(500))
	require.NoError(t, err)
	_, err = l.ReportIncomingSettlement(ctx, "usd", "bob", amt(20))
	require.NoError(t, err)
	_, err = l.ReportWithdrawal(ctx, "usd", amt(0))
	assert.ErrorIs(t, err, ErrNonPositiveAmount)

	settlement, _ := l.GetAccount(SettlementPath("usd"))
	assert.Equal(t, "520", settlement.DebitsPosted.String())
	peer, _ := l.GetAccount(PeerAssetsPath("usd", "bob"))
	assert.Equal(t, "20", peer.CreditsPosted.String())
}

type identityConverter struct{}

func (identityConverter) ConvertCurrency(_, _ LedgerID, amount *big.Int) (*big.Int, error) {
	return new(big.Int).Set(amount), nil
}

func TestOwnerBalanceFollowsPostedTransfers(t *testing.T) {
	l := NewLedger(newFakeStorage(), nil)
	ctx := context.Background()
	require.NoError(t, l.CreateAccount(ctx, OwnerEquityPath("usd")))
	require.NoError(t, l.CreateAccount(ctx, SettlementPath("usd")))

	b := NewOwnerBalance(l, identityConverter{}, "usd", nil)
	defer b.Attach()()
	assert.Zero(t, b.Total().Sign())

	_, err := l.ReportDeposit(ctx, "usd", amt(250))
	require.NoError(t, err)
	assert.Equal(t, "250", b.Total().String())
}

func TestTopicUnsubscribe(t *testing.T) {
	var topic Topic[int]
	got := 0
	unsubscribe := topic.Subscribe(func(v int) { got += v })
	topic.Emit(2)
	unsubscribe()
	unsubscribe()
	topic.Emit(3)
	assert.Equal(t, 2, got)
}

func TestParseAccountPath(t *testing.T) {
	p, err := ParseAccountPath("xrp:assets/interledger/bob")
	require.NoError(t, err)
	assert.Equal(t, LedgerID("xrp"), p.LedgerID())
	assert.Equal(t, CategoryAssets, p.Category())

	_, err = ParseAccountPath("xrp:wallets/bob")
	assert.Error(t, err)
	_, err = ParseAccountPath("no-ledger")
	assert.Error(t, err)
}
