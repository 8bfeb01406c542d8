package tests

import (
	"context"
	"testing"

	"github.com/code-payments/purchase-bridge/iap"
	"github.com/code-payments/purchase-bridge/model"
)

// ValidPurchaseFunc returns a purchase of productID the verifier under test
// should accept.
type ValidPurchaseFunc func(productID string) *model.Purchase

func RunGenericVerifierTests(t *testing.T, v iap.Verifier, validPurchaseFunc ValidPurchaseFunc, teardown func()) {
	for _, testFunc := range []func(t *testing.T, v iap.Verifier, validPurchaseFunc ValidPurchaseFunc){
		testValidPurchase,
		testInvalidToken,
		testMismatchedProducts,
	} {
		testFunc(t, v, validPurchaseFunc)
		teardown()
	}
}

func testValidPurchase(t *testing.T, v iap.Verifier, validPurchaseFunc ValidPurchaseFunc) {
	ctx := context.Background()

	purchase := validPurchaseFunc("sub_m")

	valid, err := v.VerifyPurchase(ctx, purchase)
	if err != nil {
		t.Fatalf("unexpected error verifying valid purchase: %v", err)
	}
	if !valid {
		t.Errorf("expected purchase to be valid, got invalid")
	}
}

func testInvalidToken(t *testing.T, v iap.Verifier, validPurchaseFunc ValidPurchaseFunc) {
	ctx := context.Background()

	purchase := validPurchaseFunc("sub_m")
	purchase.Token = "invalid"

	valid, _ := v.VerifyPurchase(ctx, purchase)
	if valid {
		t.Errorf("expected purchase to be invalid, got valid")
	}
}

func testMismatchedProducts(t *testing.T, v iap.Verifier, validPurchaseFunc ValidPurchaseFunc) {
	ctx := context.Background()

	// A genuine token replayed for a different product must not verify.
	purchase := validPurchaseFunc("sub_m")
	purchase.ProductIDs = []string{"sub_y"}

	valid, _ := v.VerifyPurchase(ctx, purchase)
	if valid {
		t.Errorf("expected purchase with foreign products to be invalid, got valid")
	}
}
