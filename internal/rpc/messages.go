package rpc

import (
	"time"

	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/known/timestamppb"
)

type GetAccountRequest struct {
	Path string
}

type Account struct {
	Path           string
	Limit          string
	DebitsPosted   string
	CreditsPosted  string
	DebitsPending  string
	CreditsPending string
	Balance        string
}

type GetAccountResponse struct {
	Account Account
}

type ListAccountsRequest struct {
	Prefix string
}

type ListAccountsResponse struct {
	Accounts []Account
}

type ListLedgersRequest struct{}

type ListLedgersResponse struct {
	Ledgers []string
}

type ListPendingTransfersRequest struct{}

type Transfer struct {
	DebitAccount  string
	CreditAccount string
	Amount        string
	CreatedAt     time.Time
}

type ListPendingTransfersResponse struct {
	Transfers []Transfer
}

type GetOwnerBalanceRequest struct{}

type GetOwnerBalanceResponse struct {
	Ledger  string
	Balance string
}

func (a *Account) encode(m protoreflect.Message) {
	setString(m, "path", a.Path)
	setString(m, "limit", a.Limit)
	setString(m, "debits_posted", a.DebitsPosted)
	setString(m, "credits_posted", a.CreditsPosted)
	setString(m, "debits_pending", a.DebitsPending)
	setString(m, "credits_pending", a.CreditsPending)
	setString(m, "balance", a.Balance)
}

func (a *Account) decode(m protoreflect.Message) {
	a.Path = getString(m, "path")
	a.Limit = getString(m, "limit")
	a.DebitsPosted = getString(m, "debits_posted")
	a.CreditsPosted = getString(m, "credits_posted")
	a.DebitsPending = getString(m, "debits_pending")
	a.CreditsPending = getString(m, "credits_pending")
	a.Balance = getString(m, "balance")
}

func (t *Transfer) encode(m protoreflect.Message) {
	setString(m, "debit_account", t.DebitAccount)
	setString(m, "credit_account", t.CreditAccount)
	setString(m, "amount", t.Amount)
	ts := timestamppb.New(t.CreatedAt)
	created := m.Mutable(field(m, "created_at")).Message()
	created.Set(field(created, "seconds"), protoreflect.ValueOfInt64(ts.GetSeconds()))
	created.Set(field(created, "nanos"), protoreflect.ValueOfInt32(ts.GetNanos()))
}

func (t *Transfer) decode(m protoreflect.Message) {
	t.DebitAccount = getString(m, "debit_account")
	t.CreditAccount = getString(m, "credit_account")
	t.Amount = getString(m, "amount")
	created := m.Get(field(m, "created_at")).Message()
	ts := &timestamppb.Timestamp{
		Seconds: created.Get(field(created, "seconds")).Int(),
		Nanos:   int32(created.Get(field(created, "nanos")).Int()),
	}
	t.CreatedAt = ts.AsTime()
}

func (*GetAccountRequest) messageName() protoreflect.Name  { return "GetAccountRequest" }
func (r *GetAccountRequest) encode(m protoreflect.Message) { setString(m, "path", r.Path) }
func (r *GetAccountRequest) decode(m protoreflect.Message) { r.Path = getString(m, "path") }

func (*GetAccountResponse) messageName() protoreflect.Name { return "GetAccountResponse" }

func (r *GetAccountResponse) encode(m protoreflect.Message) {
	r.Account.encode(m.Mutable(field(m, "account")).Message())
}

func (r *GetAccountResponse) decode(m protoreflect.Message) {
	r.Account.decode(m.Get(field(m, "account")).Message())
}

func (*ListAccountsRequest) messageName() protoreflect.Name  { return "ListAccountsRequest" }
func (r *ListAccountsRequest) encode(m protoreflect.Message) { setString(m, "prefix", r.Prefix) }
func (r *ListAccountsRequest) decode(m protoreflect.Message) { r.Prefix = getString(m, "prefix") }

func (*ListAccountsResponse) messageName() protoreflect.Name { return "ListAccountsResponse" }

func (r *ListAccountsResponse) encode(m protoreflect.Message) {
	list := m.Mutable(field(m, "accounts")).List()
	for i := range r.Accounts {
		v := list.NewElement()
		r.Accounts[i].encode(v.Message())
		list.Append(v)
	}
}

func (r *ListAccountsResponse) decode(m protoreflect.Message) {
	list := m.Get(field(m, "accounts")).List()
	r.Accounts = make([]Account, list.Len())
	for i := range r.Accounts {
		r.Accounts[i].decode(list.Get(i).Message())
	}
}

func (*ListLedgersRequest) messageName() protoreflect.Name { return "ListLedgersRequest" }
func (*ListLedgersRequest) encode(protoreflect.Message)    {}
func (*ListLedgersRequest) decode(protoreflect.Message)    {}

func (*ListLedgersResponse) messageName() protoreflect.Name { return "ListLedgersResponse" }

func (r *ListLedgersResponse) encode(m protoreflect.Message) {
	list := m.Mutable(field(m, "ledgers")).List()
	for _, id := range r.Ledgers {
		list.Append(protoreflect.ValueOfString(id))
	}
}

func (r *ListLedgersResponse) decode(m protoreflect.Message) {
	list := m.Get(field(m, "ledgers")).List()
	r.Ledgers = make([]string, list.Len())
	for i := range r.Ledgers {
		r.Ledgers[i] = list.Get(i).String()
	}
}

func (*ListPendingTransfersRequest) messageName() protoreflect.Name {
	return "ListPendingTransfersRequest"
}
func (*ListPendingTransfersRequest) encode(protoreflect.Message) {}
func (*ListPendingTransfersRequest) decode(protoreflect.Message) {}

func (*ListPendingTransfersResponse) messageName() protoreflect.Name {
	return "ListPendingTransfersResponse"
}

func (r *ListPendingTransfersResponse) encode(m protoreflect.Message) {
	list := m.Mutable(field(m, "transfers")).List()
	for i := range r.Transfers {
		v := list.NewElement()
		r.Transfers[i].encode(v.Message())
		list.Append(v)
	}
}

func (r *ListPendingTransfersResponse) decode(m protoreflect.Message) {
	list := m.Get(field(m, "transfers")).List()
	r.Transfers = make([]Transfer, list.Len())
	for i := range r.Transfers {
		r.Transfers[i].decode(list.Get(i).Message())
	}
}

func (*GetOwnerBalanceRequest) messageName() protoreflect.Name { return "GetOwnerBalanceRequest" }
func (*GetOwnerBalanceRequest) encode(protoreflect.Message)    {}
func (*GetOwnerBalanceRequest) decode(protoreflect.Message)    {}

func (*GetOwnerBalanceResponse) messageName() protoreflect.Name { return "GetOwnerBalanceResponse" }

func (r *GetOwnerBalanceResponse) encode(m protoreflect.Message) {
	setString(m, "ledger", r.Ledger)
	setString(m, "balance", r.Balance)
}

func (r *GetOwnerBalanceResponse) decode(m protoreflect.Message) {
	r.Ledger = getString(m, "ledger")
	r.Balance = getString(m, "balance")
}
