package grpcserver

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"midna/api/rpc"
	apperrors "midna/domain/errors"
	"midna/domain/ledger"
	"midna/service"
)

// Server adapts SettlementService to gRPC.
type Server struct {
	svc *service.SettlementService
	log zerolog.Logger
}

func NewServer(svc *service.SettlementService, log zerolog.Logger) *Server {
	return &Server{svc: svc, log: log.With().Str("component", "grpc").Logger()}
}

var _ rpc.SettlementServer = (*Server)(nil)

// -------------------- Commands --------------------

// Deposit credits a party's balance. Only the settlement authority may
// fund accounts over the API.
func (s *Server) Deposit(ctx context.Context, req *rpc.DepositRequest) (*rpc.CommandResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "deposit request is required")
	}
	if caller := rpc.PartyFromContext(ctx); caller != string(s.svc.Authority()) {
		return nil, status.Errorf(codes.PermissionDenied, "%q may not fund accounts", caller)
	}
	seq, err := s.svc.Deposit(ctx, ledger.Party(req.Party), req.Amount, req.Reference)
	return s.command("Deposit", seq, err)
}

func (s *Server) CreateOrder(ctx context.Context, req *rpc.CreateOrderRequest) (*rpc.CommandResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "create order request is required")
	}
	seq, err := s.svc.CreateOrder(ctx, caller(ctx), req.OrderID, ledger.Party(req.Seller), req.BasePrice, req.Collateral)
	return s.command("CreateOrder", seq, err)
}

func (s *Server) FulfillOrder(ctx context.Context, req *rpc.OrderRequest) (*rpc.CommandResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "fulfill order request is required")
	}
	seq, err := s.svc.FulfillOrder(ctx, caller(ctx), req.OrderID)
	return s.command("FulfillOrder", seq, err)
}

func (s *Server) DisputeOrder(ctx context.Context, req *rpc.OrderRequest) (*rpc.CommandResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "dispute order request is required")
	}
	seq, err := s.svc.Dispute(ctx, caller(ctx), req.OrderID)
	return s.command("DisputeOrder", seq, err)
}

func (s *Server) Settle(ctx context.Context, req *rpc.SettleRequest) (*rpc.CommandResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "settle request is required")
	}
	seq, err := s.svc.Settle(ctx, caller(ctx), req.OrderID, req.MetadataRef)
	return s.command("Settle", seq, err)
}

// -------------------- Queries --------------------

func (s *Server) GetOrder(ctx context.Context, req *rpc.OrderRequest) (*rpc.Order, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "get order request is required")
	}
	o, err := s.svc.Order(req.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.Order{
		ID:          o.ID,
		Seller:      string(o.Seller),
		Buyer:       string(o.Buyer),
		BasePrice:   o.BasePrice,
		Collateral:  o.CollateralAmount,
		State:       o.State.String(),
		Disputed:    o.Disputed,
		MetadataRef: o.MetadataRef,
		CreatedAt:   o.CreatedAt,
		FulfilledAt: o.FulfilledAt,
		SettledAt:   o.SettledAt,
	}, nil
}

func (s *Server) BalanceOf(ctx context.Context, req *rpc.BalanceRequest) (*rpc.BalanceResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "balance request is required")
	}
	return &rpc.BalanceResponse{Units: s.svc.BalanceOf(req.OrderID, ledger.Party(req.Holder))}, nil
}

func (s *Server) MetadataOf(ctx context.Context, req *rpc.OrderRequest) (*rpc.MetadataResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "metadata request is required")
	}
	ref, ok := s.svc.MetadataOf(req.OrderID)
	return &rpc.MetadataResponse{MetadataRef: ref, Found: ok}, nil
}

func (s *Server) AvailableBalance(ctx context.Context, req *rpc.AvailableBalanceRequest) (*rpc.AvailableBalanceResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "available balance request is required")
	}
	return &rpc.AvailableBalanceResponse{
		Available: s.svc.AvailableBalance(ledger.Party(req.Party)),
		Locked:    s.svc.Locked(),
	}, nil
}

// -------------------- Helpers --------------------

func caller(ctx context.Context) ledger.Party {
	return ledger.Party(rpc.PartyFromContext(ctx))
}

func (s *Server) command(method string, seq uint64, err error) (*rpc.CommandResponse, error) {
	if err != nil {
		st := toStatus(err)
		s.log.Debug().Err(err).Str("method", method).Str("code", status.Code(st).String()).Msg("command failed")
		return nil, st
	}
	return &rpc.CommandResponse{Seq: seq}, nil
}

func toStatus(err error) error {
	var de *apperrors.Error
	switch {
	case errors.As(err, &de):
		return de.ToGRPCStatus()
	case errors.Is(err, service.ErrHalted):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Errorf(codes.Internal, "settlement: %v", err)
	}
}
