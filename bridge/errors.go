package bridge

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/code-payments/purchase-bridge/billing"
)

var (
	ErrIdentifiersRequired = status.Error(codes.InvalidArgument, "identifiers is null")
	ErrNoPresentation      = status.Error(codes.FailedPrecondition, "activity/context is null")
	ErrProductIDRequired   = status.Error(codes.InvalidArgument, "productId is null")
	ErrProductNotFound     = status.Error(codes.NotFound, "product not found")
	ErrOfferTokenNotFound  = status.Error(codes.FailedPrecondition, "offer token not found")
	ErrDetached            = status.Error(codes.Unavailable, "bridge is detached")
	ErrAlreadyAttached     = status.Error(codes.FailedPrecondition, "bridge is already attached")
	ErrUnknownChannel      = status.Error(codes.InvalidArgument, "unknown channel")
)

// toStatus converts err into a status error. Billing errors keep their
// response code; anything unclassified reports fallback.
func toStatus(err error, fallback codes.Code) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var billingErr *billing.Error
	if errors.As(err, &billingErr) {
		return status.Error(billingErr.Code.GRPCCode(), billingErr.Error())
	}

	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(fallback, err.Error())
}
