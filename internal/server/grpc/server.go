// Package grpcserver exposes the custody and relay API over gRPC.
package grpcserver

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/walletrelay/internal/convert"
	"github.com/and161185/walletrelay/internal/errs"
	"github.com/and161185/walletrelay/internal/service"
)

// ResetGate issues and redeems single-use reset codes.
type ResetGate interface {
	Issue(ctx context.Context, identifier string) (string, error)
	Verify(ctx context.Context, identifier, code string) (bool, error)
}

// Server wires services into gRPC handlers.
type Server struct {
	pins    service.PinGateway
	txs     service.TransactionService
	reset   ResetGate
	signKey []byte
	log     *zap.Logger
}

var _ CustodyServer = (*Server)(nil)

// New constructs a gRPC server with injected services. reset may be nil, which disables PIN reset.
func New(pins service.PinGateway, txs service.TransactionService, reset ResetGate, signKey []byte, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{pins: pins, txs: txs, reset: reset, signKey: signKey, log: log}
}

// userIDFromCtx returns the user set by AuthUnary, or authenticates the bearer token itself.
func (s *Server) userIDFromCtx(ctx context.Context) (uuid.UUID, error) {
	if id, ok := UserIDFromCtx(ctx); ok {
		return id, nil
	}
	return authenticate(ctx, s.signKey)
}

func (s *Server) fail(method string, err error) error {
	st := toStatus(err)
	if status.Code(st) == codes.Internal {
		s.log.Error("request failed", zap.String("method", method), zap.Error(err))
	}
	return st
}

func reply(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}

// --- PIN ---

// SetPin creates the user's wallet under a first PIN.
func (s *Server) SetPin(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID, err := s.userIDFromCtx(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	addr, err := s.pins.SetPin(ctx, userID, convert.String(in, "pin"))
	if err != nil {
		return nil, s.fail(MethodSetPin, err)
	}
	return reply(map[string]any{"walletAddress": addr})
}

// VerifyPin checks a PIN without unlocking the key.
func (s *Server) VerifyPin(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID, err := s.userIDFromCtx(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	res, err := s.pins.Verify(ctx, userID, convert.String(in, "pin"))
	if err != nil {
		return nil, s.fail(MethodVerifyPin, err)
	}
	return reply(map[string]any{"ok": res.OK, "remainingAttempts": res.RemainingAttempts})
}

// RequestResetCode issues a reset code; delivery happens out of band.
func (s *Server) RequestResetCode(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	userID, err := s.userIDFromCtx(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	if s.reset == nil {
		return nil, status.Error(codes.Unimplemented, "pin reset disabled")
	}
	if _, err := s.pins.Wallet(ctx, userID); err != nil {
		return nil, s.fail(MethodRequestResetCode, err)
	}
	if _, err := s.reset.Issue(ctx, userID.String()); err != nil {
		return nil, s.fail(MethodRequestResetCode, err)
	}
	return reply(map[string]any{"sent": true})
}

// ResetPin redeems a reset code and re-keys the wallet under a new PIN.
func (s *Server) ResetPin(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID, err := s.userIDFromCtx(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	if s.reset == nil {
		return nil, status.Error(codes.Unimplemented, "pin reset disabled")
	}
	newPin := convert.String(in, "newPin")
	if err := service.ValidatePin(newPin); err != nil {
		return nil, s.fail(MethodResetPin, err)
	}
	ok, err := s.reset.Verify(ctx, userID.String(), convert.String(in, "code"))
	if err != nil {
		return nil, s.fail(MethodResetPin, err)
	}
	if !ok {
		return nil, status.Error(codes.PermissionDenied, "invalid or expired reset code")
	}
	if err := s.pins.ResetPin(ctx, userID, convert.String(in, "oldPin"), newPin); err != nil {
		return nil, s.fail(MethodResetPin, err)
	}
	return reply(map[string]any{"ok": true})
}

// --- Transactions ---

// SubmitTransaction authorizes and queues a token operation.
func (s *Server) SubmitTransaction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID, err := s.userIDFromCtx(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	req, err := convert.FromStructOpRequest(in)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	e, err := s.txs.Submit(ctx, userID, convert.String(in, "pin"), req)
	if err != nil {
		if e != nil && errors.Is(err, errs.ErrRelayPermanent) {
			st := status.New(codes.Aborted, err.Error())
			return nil, withDetails(st, map[string]any{"entryId": e.ID.String()})
		}
		return nil, s.fail(MethodSubmitTransaction, err)
	}
	return reply(map[string]any{"entry": convert.EntryMap(*e)})
}

// ListTransactions returns the caller's queue, newest first.
func (s *Server) ListTransactions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID, err := s.userIDFromCtx(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	es, err := s.txs.List(ctx, userID, convert.Int(in, "limit", 0))
	if err != nil {
		return nil, s.fail(MethodListTransactions, err)
	}
	list := make([]any, 0, len(es))
	for _, e := range es {
		list = append(list, convert.EntryMap(e))
	}
	return reply(map[string]any{"entries": list})
}
