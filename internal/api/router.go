// Package api is the node's HTTP surface: the admin API under /v1, the
// ILP-over-HTTP ingress under /ilp and BTP websockets under /btp.
package api

import (
	"context"
	"log/slog"
	"math/big"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/ilp-node/internal/accounting"
	"github.com/example/ilp-node/internal/auth"
	"github.com/example/ilp-node/internal/routing"
	"github.com/example/ilp-node/internal/security"
	"github.com/example/ilp-node/pkg/audit"
)

type Auditor interface {
	Appendf(fields map[string]string) *audit.LogEntry
	Tail(n int) []audit.LogEntry
}

// LedgerReader is the read side of the embedded ledger.
type LedgerReader interface {
	GetAccount(path accounting.AccountPath) (accounting.Account, bool)
	GetAccounts(prefix string) []accounting.Account
	GetLedgerIDs() []accounting.LedgerID
	GetPendingTransfers() []accounting.Transfer
}

// LedgerWriter creates accounts and records settlements.
type LedgerWriter interface {
	CreateAccount(ctx context.Context, path accounting.AccountPath, opts ...accounting.AccountOption) error
	ReportDeposit(ctx context.Context, ledger accounting.LedgerID, amount *big.Int) (*accounting.Transfer, error)
	ReportWithdrawal(ctx context.Context, ledger accounting.LedgerID, amount *big.Int) (*accounting.Transfer, error)
	ReportIncomingSettlement(ctx context.Context, ledger accounting.LedgerID, peer string, amount *big.Int) (*accounting.Transfer, error)
	ReportOutgoingSettlement(ctx context.Context, ledger accounting.LedgerID, peer string, amount *big.Int) (*accounting.Transfer, error)
}

// PeerRegistrar adds a peer at runtime: its accounts, route and transport.
type PeerRegistrar interface {
	AddPeer(ctx context.Context, nodeID string, ledger accounting.LedgerID, prefix string, limit accounting.Limit) error
}

type Dependencies struct {
	Logger *slog.Logger
	// OAuth serves tokens and JWTValidator guards /v1; both are optional.
	OAuth        *auth.OAuthServer
	JWTValidator *auth.JWTValidator

	LedgerReader LedgerReader
	LedgerWriter LedgerWriter
	Balance      interface{ Total() *big.Int }
	OwnerLedger  accounting.LedgerID
	Routes       interface{ Routes() []routing.Route }
	Peers        PeerRegistrar

	// ILP is mounted at /ilp and BTP at /btp when set.
	ILP http.Handler
	BTP http.Handler

	Auditor      Auditor
	RateLimiter  *security.RedisTokenBucket
	IPAllowlist  []*net.IPNet
	MaxBodyBytes int64
}

// ilpSenderHeader names the ILP-over-HTTP header that identifies the
// sending node for rate limiting.
const ilpSenderHeader = "Callback-Url"

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	createAccountV, err := security.NewJSONSchemaValidator(createAccountSchema)
	if err != nil {
		return nil, err
	}
	peerV, err := security.NewJSONSchemaValidator(addPeerSchema)
	if err != nil {
		return nil, err
	}
	ownerSettlementV, err := security.NewJSONSchemaValidator(ownerSettlementSchema)
	if err != nil {
		return nil, err
	}
	peerSettlementV, err := security.NewJSONSchemaValidator(peerSettlementSchema)
	if err != nil {
		return nil, err
	}

	onAuthError := func(w http.ResponseWriter, r *http.Request, status int, code string) {
		security.WriteJSONError(w, r, status, code)
	}
	scope := func(s string) func(http.Handler) http.Handler {
		if deps.JWTValidator == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return auth.RequireScopes(onAuthError, s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if deps.ILP != nil {
		r.Group(func(r chi.Router) {
			if deps.RateLimiter != nil {
				r.Use(security.RateLimitMiddleware(deps.RateLimiter, security.KeyByHeaderHost(ilpSenderHeader)))
			}
			r.Mount("/ilp", deps.ILP)
		})
	}
	if deps.BTP != nil {
		r.Handle("/btp", deps.BTP)
	}
	if deps.OAuth != nil {
		r.Post("/oauth/token", deps.OAuth.TokenHandler)
		r.Get("/oauth/jwks.json", deps.OAuth.JWKSHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(security.IPAllowlist(deps.IPAllowlist))
		if deps.JWTValidator != nil {
			r.Use(auth.Authenticate(deps.JWTValidator, onAuthError))
		}
		if deps.Auditor != nil {
			r.Use(AuditMiddleware(deps.Auditor))
		}

		read := r.With(scope(auth.ScopeLedgerRead))
		write := r.With(scope(auth.ScopeLedgerWrite))

		read.Get("/accounts", handleListAccounts(deps))
		read.Get("/accounts/", handleListAccounts(deps))
		write.With(createAccountV.Middleware).Post("/accounts", handleCreateAccount(deps))
		write.With(createAccountV.Middleware).Post("/accounts/", handleCreateAccount(deps))
		read.Get("/account", handleGetAccount(deps))
		read.Get("/ledgers", handleListLedgers(deps))
		read.Get("/transfers/pending", handlePendingTransfers(deps))
		read.Get("/balance", handleBalance(deps))
		read.Get("/routes", handleListRoutes(deps))
		r.With(scope(auth.ScopePeersWrite), peerV.Middleware).Post("/peers", handleAddPeer(deps))

		r.Route("/settlements", func(r chi.Router) {
			r.Use(scope(auth.ScopeLedgerWrite))
			r.With(ownerSettlementV.Middleware).Post("/deposit", handleOwnerSettlement(deps, settlementDeposit))
			r.With(ownerSettlementV.Middleware).Post("/withdrawal", handleOwnerSettlement(deps, settlementWithdrawal))
			r.With(peerSettlementV.Middleware).Post("/incoming", handlePeerSettlement(deps, settlementIncoming))
			r.With(peerSettlementV.Middleware).Post("/outgoing", handlePeerSettlement(deps, settlementOutgoing))
		})

		r.With(scope(auth.ScopeAuditRead)).Get("/audit", handleAuditTail(deps))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}
