package iap

import (
	"context"

	"github.com/code-payments/purchase-bridge/model"
)

type Verifier interface {

	// VerifyPurchase determines whether a purchase record delivered by the
	// store backend is authentic and grants the products it claims. It must
	// be called before the record is treated as an entitlement.
	VerifyPurchase(ctx context.Context, purchase *model.Purchase) (bool, error)
}

// VerifierFunc is an adapter to allow the use of ordinary functions as
// Verifiers.
type VerifierFunc func(ctx context.Context, purchase *model.Purchase) (bool, error)

// VerifyPurchase calls f(ctx, purchase).
func (f VerifierFunc) VerifyPurchase(ctx context.Context, purchase *model.Purchase) (bool, error) {
	return f(ctx, purchase)
}
