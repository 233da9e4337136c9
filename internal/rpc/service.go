package rpc

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/ilp-node/internal/accounting"
)

// BalanceSource returns the owner's total balance.
type BalanceSource interface {
	Total() *big.Int
}

// LedgerServer is the read-only view of the ledger exposed over gRPC.
type LedgerServer interface {
	GetAccount(context.Context, *GetAccountRequest) (*GetAccountResponse, error)
	ListAccounts(context.Context, *ListAccountsRequest) (*ListAccountsResponse, error)
	ListLedgers(context.Context, *ListLedgersRequest) (*ListLedgersResponse, error)
	ListPendingTransfers(context.Context, *ListPendingTransfersRequest) (*ListPendingTransfersResponse, error)
	GetOwnerBalance(context.Context, *GetOwnerBalanceRequest) (*GetOwnerBalanceResponse, error)
}

// LedgerService implements LedgerServer.
type LedgerService struct {
	ledger  *accounting.Ledger
	balance BalanceSource
	owner   accounting.LedgerID
}

func NewLedgerService(l *accounting.Ledger, balance BalanceSource, owner accounting.LedgerID) *LedgerService {
	return &LedgerService{ledger: l, balance: balance, owner: owner}
}

func (s *LedgerService) GetAccount(_ context.Context, req *GetAccountRequest) (*GetAccountResponse, error) {
	if req.Path == "" {
		return nil, status.Error(codes.InvalidArgument, "path is required")
	}
	path, err := accounting.ParseAccountPath(req.Path)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid path: %v", err)
	}
	a, ok := s.ledger.GetAccount(path)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "account %s not found", path)
	}
	return &GetAccountResponse{Account: toAccount(a)}, nil
}

func (s *LedgerService) ListAccounts(_ context.Context, req *ListAccountsRequest) (*ListAccountsResponse, error) {
	accounts := s.ledger.GetAccounts(req.Prefix)
	out := make([]Account, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, toAccount(a))
	}
	return &ListAccountsResponse{Accounts: out}, nil
}

func (s *LedgerService) ListLedgers(context.Context, *ListLedgersRequest) (*ListLedgersResponse, error) {
	ids := s.ledger.GetLedgerIDs()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(id))
	}
	return &ListLedgersResponse{Ledgers: out}, nil
}

func (s *LedgerService) ListPendingTransfers(context.Context, *ListPendingTransfersRequest) (*ListPendingTransfersResponse, error) {
	pending := s.ledger.GetPendingTransfers()
	out := make([]Transfer, 0, len(pending))
	for _, t := range pending {
		out = append(out, Transfer{
			DebitAccount:  t.DebitAccount.String(),
			CreditAccount: t.CreditAccount.String(),
			Amount:        t.Amount.String(),
			CreatedAt:     t.CreatedAt,
		})
	}
	return &ListPendingTransfersResponse{Transfers: out}, nil
}

func (s *LedgerService) GetOwnerBalance(context.Context, *GetOwnerBalanceRequest) (*GetOwnerBalanceResponse, error) {
	if s.balance == nil {
		return nil, status.Error(codes.Unavailable, "owner balance is not tracked")
	}
	return &GetOwnerBalanceResponse{Ledger: string(s.owner), Balance: s.balance.Total().String()}, nil
}

func toAccount(a accounting.Account) Account {
	return Account{
		Path:           a.Path.String(),
		Limit:          string(a.Limit),
		DebitsPosted:   a.DebitsPosted.String(),
		CreditsPosted:  a.CreditsPosted.String(),
		DebitsPending:  a.DebitsPending.String(),
		CreditsPending: a.CreditsPending.String(),
		Balance:        a.Balance().String(),
	}
}

// RegisterLedgerServer registers srv on s.
func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&ledgerServiceDesc, srv)
}

// unaryHandler decodes the ilpnode.v1 request into Req, runs call through
// the interceptor chain and encodes the Go response back to protobuf.
func unaryHandler[Req any, PReq interface {
	*Req
	wireMessage
}](call func(LedgerServer, context.Context, PReq) (wireMessage, error), method string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := PReq(new(Req))
		in := newMessage(req.messageName())
		if err := dec(in); err != nil {
			return nil, err
		}
		req.decode(in)

		handler := func(ctx context.Context, r any) (any, error) {
			return call(srv.(LedgerServer), ctx, r.(PReq))
		}
		var (
			out any
			err error
		)
		if interceptor == nil {
			out, err = handler(ctx, req)
		} else {
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			out, err = interceptor(ctx, req, info, handler)
		}
		if err != nil {
			return nil, err
		}
		return toWire(out.(wireMessage)), nil
	}
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetAccount",
			Handler: unaryHandler(func(s LedgerServer, ctx context.Context, r *GetAccountRequest) (wireMessage, error) {
				return s.GetAccount(ctx, r)
			}, "GetAccount"),
		},
		{
			MethodName: "ListAccounts",
			Handler: unaryHandler(func(s LedgerServer, ctx context.Context, r *ListAccountsRequest) (wireMessage, error) {
				return s.ListAccounts(ctx, r)
			}, "ListAccounts"),
		},
		{
			MethodName: "ListLedgers",
			Handler: unaryHandler(func(s LedgerServer, ctx context.Context, r *ListLedgersRequest) (wireMessage, error) {
				return s.ListLedgers(ctx, r)
			}, "ListLedgers"),
		},
		{
			MethodName: "ListPendingTransfers",
			Handler: unaryHandler(func(s LedgerServer, ctx context.Context, r *ListPendingTransfersRequest) (wireMessage, error) {
				return s.ListPendingTransfers(ctx, r)
			}, "ListPendingTransfers"),
		},
		{
			MethodName: "GetOwnerBalance",
			Handler: unaryHandler(func(s LedgerServer, ctx context.Context, r *GetOwnerBalanceRequest) (wireMessage, error) {
				return s.GetOwnerBalance(ctx, r)
			}, "GetOwnerBalance"),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: protoFile,
}

// LoggingInterceptor logs every call with its duration and status code.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc_request",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return resp, err
	}
}
