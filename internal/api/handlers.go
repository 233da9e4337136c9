package api

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/example/ilp-node/internal/accounting"
	"github.com/example/ilp-node/internal/routing"
	"github.com/example/ilp-node/internal/security"
	"github.com/example/ilp-node/pkg/audit"
)

const defaultAuditTail = 50

// writeJSON encodes v before touching w so an encoding failure still yields
// a clean 500.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

type accountView struct {
	Path           string `json:"path"`
	Limit          string `json:"limit"`
	DebitsPending  string `json:"debits_pending"`
	DebitsPosted   string `json:"debits_posted"`
	CreditsPending string `json:"credits_pending"`
	CreditsPosted  string `json:"credits_posted"`
	Balance        string `json:"balance"`
}

func toAccountView(a accounting.Account) accountView {
	return accountView{
		Path:           a.Path.String(),
		Limit:          string(a.Limit),
		DebitsPending:  a.DebitsPending.String(),
		DebitsPosted:   a.DebitsPosted.String(),
		CreditsPending: a.CreditsPending.String(),
		CreditsPosted:  a.CreditsPosted.String(),
		Balance:        a.Balance().String(),
	}
}

type transferView struct {
	State         string    `json:"state"`
	DebitAccount  string    `json:"debit_account"`
	CreditAccount string    `json:"credit_account"`
	Amount        string    `json:"amount"`
	Immediate     bool      `json:"immediate"`
	CreatedAt     time.Time `json:"created_at"`
}

func toTransferView(t accounting.Transfer) transferView {
	return transferView{
		State:         string(t.State),
		DebitAccount:  t.DebitAccount.String(),
		CreditAccount: t.CreditAccount.String(),
		Amount:        t.Amount.String(),
		Immediate:     t.Immediate,
		CreatedAt:     t.CreatedAt,
	}
}

type listAccountsResponse struct {
	CorrelationID string        `json:"correlation_id"`
	Accounts      []accountView `json:"accounts"`
}

type accountResponse struct {
	CorrelationID string      `json:"correlation_id"`
	Account       accountView `json:"account"`
}

type createAccountRequest struct {
	Path  string `json:"path"`
	Limit string `json:"limit"`
}

type ledgersResponse struct {
	CorrelationID string   `json:"correlation_id"`
	Ledgers       []string `json:"ledgers"`
}

type transfersResponse struct {
	CorrelationID string         `json:"correlation_id"`
	Transfers     []transferView `json:"transfers"`
}

type balanceResponse struct {
	CorrelationID string `json:"correlation_id"`
	Ledger        string `json:"ledger"`
	Balance       string `json:"balance"`
}

type routesResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Routes        []routing.Route `json:"routes"`
}

type addPeerRequest struct {
	NodeID string `json:"node_id"`
	Ledger string `json:"ledger"`
	Prefix string `json:"prefix"`
	Limit  string `json:"limit"`
}

type addPeerResponse struct {
	CorrelationID string `json:"correlation_id"`
	NodeID        string `json:"node_id"`
	Account       string `json:"account"`
}

type settlementRequest struct {
	Ledger string `json:"ledger"`
	Peer   string `json:"peer"`
	Amount string `json:"amount"`
}

type settlementResponse struct {
	CorrelationID string       `json:"correlation_id"`
	Type          string       `json:"type"`
	Transfer      transferView `json:"transfer"`
}

type auditResponse struct {
	CorrelationID string           `json:"correlation_id"`
	Head          string           `json:"head"`
	Valid         bool             `json:"valid"`
	Entries       []audit.LogEntry `json:"entries"`
}

const (
	settlementDeposit    = "deposit"
	settlementWithdrawal = "withdrawal"
	settlementIncoming   = "incoming"
	settlementOutgoing   = "outgoing"
)

func cid(r *http.Request) string { return security.CorrelationIDFromContext(r.Context()) }

func handleListAccounts(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.LedgerReader == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		accounts := deps.LedgerReader.GetAccounts(r.URL.Query().Get("prefix"))
		views := make([]accountView, 0, len(accounts))
		for _, a := range accounts {
			views = append(views, toAccountView(a))
		}
		writeJSON(w, r, http.StatusOK, listAccountsResponse{CorrelationID: cid(r), Accounts: views})
	}
}

func handleGetAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.LedgerReader == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		path, err := accounting.ParseAccountPath(r.URL.Query().Get("path"))
		if err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_path")
			return
		}
		a, ok := deps.LedgerReader.GetAccount(path)
		if !ok {
			security.WriteJSONError(w, r, http.StatusNotFound, "account_not_found")
			return
		}
		writeJSON(w, r, http.StatusOK, accountResponse{CorrelationID: cid(r), Account: toAccountView(a)})
	}
}

func handleCreateAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.LedgerWriter == nil || deps.LedgerReader == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		var req createAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		path, err := accounting.ParseAccountPath(req.Path)
		if err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_path")
			return
		}
		var opts []accounting.AccountOption
		if req.Limit != "" {
			limit, err := accounting.ParseLimit(req.Limit)
			if err != nil {
				security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_limit")
				return
			}
			opts = append(opts, accounting.WithLimit(limit))
		}

		if err := deps.LedgerWriter.CreateAccount(r.Context(), path, opts...); err != nil {
			deps.Logger.Error("create account", "account", path, "error", err)
			security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		a, _ := deps.LedgerReader.GetAccount(path)
		writeJSON(w, r, http.StatusCreated, accountResponse{CorrelationID: cid(r), Account: toAccountView(a)})
	}
}

func handleListLedgers(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.LedgerReader == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}
		ids := deps.LedgerReader.GetLedgerIDs()
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			out = append(out, string(id))
		}
		writeJSON(w, r, http.StatusOK, ledgersResponse{CorrelationID: cid(r), Ledgers: out})
	}
}

func handlePendingTransfers(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.LedgerReader == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}
		pending := deps.LedgerReader.GetPendingTransfers()
		out := make([]transferView, 0, len(pending))
		for _, t := range pending {
			out = append(out, toTransferView(t))
		}
		writeJSON(w, r, http.StatusOK, transfersResponse{CorrelationID: cid(r), Transfers: out})
	}
}

func handleBalance(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Balance == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "balance_unavailable")
			return
		}
		writeJSON(w, r, http.StatusOK, balanceResponse{
			CorrelationID: cid(r),
			Ledger:        string(deps.OwnerLedger),
			Balance:       deps.Balance.Total().String(),
		})
	}
}

func handleListRoutes(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Routes == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "routing_unavailable")
			return
		}
		writeJSON(w, r, http.StatusOK, routesResponse{CorrelationID: cid(r), Routes: deps.Routes.Routes()})
	}
}

func handleAddPeer(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Peers == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "peering_unavailable")
			return
		}

		var req addPeerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		limit, err := accounting.ParseLimit(req.Limit)
		if err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_limit")
			return
		}

		ledger := accounting.LedgerID(req.Ledger)
		if err = deps.Peers.AddPeer(r.Context(), req.NodeID, ledger, req.Prefix, limit); err != nil {
			deps.Logger.Warn("add peer", "peer", req.NodeID, "error", err)
			security.WriteJSONErrorMessage(w, r, http.StatusConflict, "peer_rejected", err.Error())
			return
		}
		writeJSON(w, r, http.StatusCreated, addPeerResponse{
			CorrelationID: cid(r),
			NodeID:        req.NodeID,
			Account:       accounting.PeerAssetsPath(ledger, req.NodeID).String(),
		})
	}
}

func decodeSettlement(w http.ResponseWriter, r *http.Request) (settlementRequest, *big.Int, bool) {
	var req settlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
		return req, nil, false
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_amount")
		return req, nil, false
	}
	return req, amount, true
}

func handleOwnerSettlement(deps Dependencies, kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.LedgerWriter == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}
		req, amount, ok := decodeSettlement(w, r)
		if !ok {
			return
		}

		ledger := accounting.LedgerID(req.Ledger)
		var (
			t   *accounting.Transfer
			err error
		)
		if kind == settlementDeposit {
			t, err = deps.LedgerWriter.ReportDeposit(r.Context(), ledger, amount)
		} else {
			t, err = deps.LedgerWriter.ReportWithdrawal(r.Context(), ledger, amount)
		}
		writeSettlement(w, r, deps, kind, t, err)
	}
}

func handlePeerSettlement(deps Dependencies, kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.LedgerWriter == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}
		req, amount, ok := decodeSettlement(w, r)
		if !ok {
			return
		}

		ledger := accounting.LedgerID(req.Ledger)
		var (
			t   *accounting.Transfer
			err error
		)
		if kind == settlementIncoming {
			t, err = deps.LedgerWriter.ReportIncomingSettlement(r.Context(), ledger, req.Peer, amount)
		} else {
			t, err = deps.LedgerWriter.ReportOutgoingSettlement(r.Context(), ledger, req.Peer, amount)
		}
		writeSettlement(w, r, deps, kind, t, err)
	}
}

func writeSettlement(w http.ResponseWriter, r *http.Request, deps Dependencies, kind string, t *accounting.Transfer, err error) {
	var invalid *accounting.InvalidAccountFailure
	switch {
	case err == nil:
		writeJSON(w, r, http.StatusOK, settlementResponse{CorrelationID: cid(r), Type: kind, Transfer: toTransferView(*t)})
	case errors.As(err, &invalid):
		security.WriteJSONError(w, r, http.StatusNotFound, "account_not_found")
	case errors.Is(err, accounting.ErrExceedsDebits), errors.Is(err, accounting.ErrExceedsCredits):
		security.WriteJSONError(w, r, http.StatusConflict, "insufficient_balance")
	case errors.Is(err, accounting.ErrNonPositiveAmount):
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_amount")
	default:
		deps.Logger.Error("settlement", "type", kind, "error", err)
		security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func handleAuditTail(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Auditor == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "audit_unavailable")
			return
		}
		n := defaultAuditTail
		if v := r.URL.Query().Get("limit"); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil || i <= 0 {
				security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_limit")
				return
			}
			n = i
		}
		entries := deps.Auditor.Tail(n)
		head := ""
		if len(entries) > 0 {
			head = entries[len(entries)-1].Hash
		}
		writeJSON(w, r, http.StatusOK, auditResponse{
			CorrelationID: cid(r),
			Head:          head,
			Valid:         audit.VerifyChain(entries),
			Entries:       entries,
		})
	}
}
