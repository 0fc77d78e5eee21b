// Package rpc describes the settlement gRPC API: service descriptor,
// messages and client. Messages travel as JSON under the "json" content
// subtype.
package rpc

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const ServiceName = "midna.v1.SettlementService"

// PartyHeader carries the caller's party identity.
const PartyHeader = "x-midna-party"

// WithParty attaches the caller identity to an outgoing context.
func WithParty(ctx context.Context, party string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, PartyHeader, party)
}

// PartyFromContext returns the caller identity of an incoming call, or "".
func PartyFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get(PartyHeader)
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}

type SettlementServer interface {
	Deposit(context.Context, *DepositRequest) (*CommandResponse, error)
	CreateOrder(context.Context, *CreateOrderRequest) (*CommandResponse, error)
	FulfillOrder(context.Context, *OrderRequest) (*CommandResponse, error)
	DisputeOrder(context.Context, *OrderRequest) (*CommandResponse, error)
	Settle(context.Context, *SettleRequest) (*CommandResponse, error)
	GetOrder(context.Context, *OrderRequest) (*Order, error)
	BalanceOf(context.Context, *BalanceRequest) (*BalanceResponse, error)
	MetadataOf(context.Context, *OrderRequest) (*MetadataResponse, error)
	AvailableBalance(context.Context, *AvailableBalanceRequest) (*AvailableBalanceResponse, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SettlementServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Deposit", SettlementServer.Deposit),
		unary("CreateOrder", SettlementServer.CreateOrder),
		unary("FulfillOrder", SettlementServer.FulfillOrder),
		unary("DisputeOrder", SettlementServer.DisputeOrder),
		unary("Settle", SettlementServer.Settle),
		unary("GetOrder", SettlementServer.GetOrder),
		unary("BalanceOf", SettlementServer.BalanceOf),
		unary("MetadataOf", SettlementServer.MetadataOf),
		unary("AvailableBalance", SettlementServer.AvailableBalance),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "midna/v1/settlement.json",
}

func RegisterSettlementServer(s grpc.ServiceRegistrar, srv SettlementServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(SettlementServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SettlementServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(SettlementServer), ctx, req.(*Req))
			})
		},
	}
}

// -------------------- Client --------------------

type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *Client, name string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, fullMethod(name), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Deposit(ctx context.Context, in *DepositRequest, opts ...grpc.CallOption) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c, "Deposit", in, opts)
}

func (c *Client) CreateOrder(ctx context.Context, in *CreateOrderRequest, opts ...grpc.CallOption) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c, "CreateOrder", in, opts)
}

func (c *Client) FulfillOrder(ctx context.Context, in *OrderRequest, opts ...grpc.CallOption) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c, "FulfillOrder", in, opts)
}

func (c *Client) DisputeOrder(ctx context.Context, in *OrderRequest, opts ...grpc.CallOption) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c, "DisputeOrder", in, opts)
}

func (c *Client) Settle(ctx context.Context, in *SettleRequest, opts ...grpc.CallOption) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c, "Settle", in, opts)
}

func (c *Client) GetOrder(ctx context.Context, in *OrderRequest, opts ...grpc.CallOption) (*Order, error) {
	return invoke[Order](ctx, c, "GetOrder", in, opts)
}

func (c *Client) BalanceOf(ctx context.Context, in *BalanceRequest, opts ...grpc.CallOption) (*BalanceResponse, error) {
	return invoke[BalanceResponse](ctx, c, "BalanceOf", in, opts)
}

func (c *Client) MetadataOf(ctx context.Context, in *OrderRequest, opts ...grpc.CallOption) (*MetadataResponse, error) {
	return invoke[MetadataResponse](ctx, c, "MetadataOf", in, opts)
}

func (c *Client) AvailableBalance(ctx context.Context, in *AvailableBalanceRequest, opts ...grpc.CallOption) (*AvailableBalanceResponse, error) {
	return invoke[AvailableBalanceResponse](ctx, c, "AvailableBalance", in, opts)
}
