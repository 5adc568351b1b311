package grpcserver

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/walletrelay/internal/errs"
)

// toStatus maps domain errors onto gRPC codes. Unknown errors become a bare Internal.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var mm *errs.PinMismatchError
	var le *errs.LockedError
	switch {
	case errors.As(err, &mm):
		// one message for every mismatch; the counter travels only in details
		st := status.New(codes.Unauthenticated, errs.ErrInvalidPinOrCorruptData.Error())
		return withDetails(st, map[string]any{"remainingAttempts": mm.Remaining})
	case errors.As(err, &le):
		st := status.New(codes.ResourceExhausted, le.Error())
		return withDetails(st, map[string]any{"lockedUntil": le.Until.UTC().Format(time.RFC3339)})
	case errors.Is(err, errs.ErrInvalidPinOrCorruptData):
		return status.Error(codes.Unauthenticated, errs.ErrInvalidPinOrCorruptData.Error())
	case errors.Is(err, errs.ErrAccountLocked):
		return status.Error(codes.ResourceExhausted, errs.ErrAccountLocked.Error())
	case errors.Is(err, errs.ErrInvalidPinFormat), errors.Is(err, errs.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrNoPinSet):
		return status.Error(codes.FailedPrecondition, errs.ErrNoPinSet.Error())
	case errors.Is(err, errs.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, "pin already set")
	case errors.Is(err, errs.ErrInvalidKeyFormat):
		return status.Error(codes.DataLoss, "stored key material is malformed")
	case errors.Is(err, errs.ErrRelayPermanent):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, errs.ErrVersionConflict):
		return status.Error(codes.Aborted, "concurrent update, retry")
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "canceled")
	default:
		return status.Error(codes.Internal, "internal")
	}
}

func withDetails(st *status.Status, fields map[string]any) error {
	d, err := structpb.NewStruct(fields)
	if err != nil {
		return st.Err()
	}
	if ds, err := st.WithDetails(d); err == nil {
		return ds.Err()
	}
	return st.Err()
}

// ErrorDetails merges the Struct details attached to a status error.
func ErrorDetails(err error) map[string]any {
	st, ok := status.FromError(err)
	if !ok {
		return nil
	}
	out := map[string]any{}
	for _, d := range st.Details() {
		if s, ok := d.(*structpb.Struct); ok {
			for k, v := range s.AsMap() {
				out[k] = v
			}
		}
	}
	return out
}
