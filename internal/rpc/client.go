package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// LedgerClient calls a remote LedgerServer.
type LedgerClient struct {
	cc grpc.ClientConnInterface
}

func NewLedgerClient(cc grpc.ClientConnInterface) *LedgerClient {
	return &LedgerClient{cc: cc}
}

func (c *LedgerClient) invoke(ctx context.Context, method string, in, out wireMessage, opts []grpc.CallOption) error {
	reply := newMessage(out.messageName())
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, toWire(in), reply, opts...); err != nil {
		return err
	}
	out.decode(reply)
	return nil
}

func (c *LedgerClient) GetAccount(ctx context.Context, in *GetAccountRequest, opts ...grpc.CallOption) (*GetAccountResponse, error) {
	out := new(GetAccountResponse)
	if err := c.invoke(ctx, "GetAccount", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) ListAccounts(ctx context.Context, in *ListAccountsRequest, opts ...grpc.CallOption) (*ListAccountsResponse, error) {
	out := new(ListAccountsResponse)
	if err := c.invoke(ctx, "ListAccounts", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) ListLedgers(ctx context.Context, in *ListLedgersRequest, opts ...grpc.CallOption) (*ListLedgersResponse, error) {
	out := new(ListLedgersResponse)
	if err := c.invoke(ctx, "ListLedgers", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) ListPendingTransfers(ctx context.Context, in *ListPendingTransfersRequest, opts ...grpc.CallOption) (*ListPendingTransfersResponse, error) {
	out := new(ListPendingTransfersResponse)
	if err := c.invoke(ctx, "ListPendingTransfers", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) GetOwnerBalance(ctx context.Context, in *GetOwnerBalanceRequest, opts ...grpc.CallOption) (*GetOwnerBalanceResponse, error) {
	out := new(GetOwnerBalanceResponse)
	if err := c.invoke(ctx, "GetOwnerBalance", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}
