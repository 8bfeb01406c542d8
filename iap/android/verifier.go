package android

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/code-payments/purchase-bridge/iap"
	"github.com/code-payments/purchase-bridge/model"
)

// Product purchase states reported by the Google Play Developer API.
const (
	productPurchaseStatePurchased = 0
)

// Subscription states that still entitle the user.
var entitledSubscriptionStates = map[string]struct{}{
	"SUBSCRIPTION_STATE_ACTIVE":          {},
	"SUBSCRIPTION_STATE_IN_GRACE_PERIOD": {},
}

// AndroidVerifier uses the Google Play Developer API to verify purchase tokens.
type AndroidVerifier struct {
	svc *androidpublisher.Service

	// PackageName is the Android app's package name.
	packageName string
}

// NewAndroidVerifier creates a verifier from the contents of a service
// account JSON file.
func NewAndroidVerifier(ctx context.Context, serviceAccountJSON []byte, pkgName string) (iap.Verifier, error) {
	svc, err := androidpublisher.NewService(ctx, option.WithCredentialsJSON(serviceAccountJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create android publisher client: %w", err)
	}

	return &AndroidVerifier{
		svc:         svc,
		packageName: pkgName,
	}, nil
}

func (v *AndroidVerifier) VerifyPurchase(ctx context.Context, purchase *model.Purchase) (bool, error) {
	if purchase.Token == "" || len(purchase.ProductIDs) == 0 {
		return false, nil
	}

	switch purchase.Kind {
	case model.KindSubscription:
		sub, err := v.svc.Purchases.Subscriptionsv2.Get(v.packageName, purchase.Token).Context(ctx).Do()
		if isUnknownToken(err) {
			return false, nil
		} else if err != nil {
			return false, fmt.Errorf("failed to get subscription purchase: %w", err)
		}
		return subscriptionGrants(sub, purchase.ProductIDs), nil
	case model.KindOneTime:
		for _, productID := range purchase.ProductIDs {
			productPurchase, err := v.svc.Purchases.Products.Get(v.packageName, productID, purchase.Token).Context(ctx).Do()
			if isUnknownToken(err) {
				return false, nil
			} else if err != nil {
				return false, fmt.Errorf("failed to get product purchase: %w", err)
			}
			if !productGranted(productPurchase) {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, nil
	}
}

// subscriptionGrants reports whether sub is in an entitling state and covers
// every product id claimed by the purchase.
func subscriptionGrants(sub *androidpublisher.SubscriptionPurchaseV2, productIDs []string) bool {
	if sub == nil {
		return false
	}
	if _, ok := entitledSubscriptionStates[sub.SubscriptionState]; !ok {
		return false
	}

	covered := make(map[string]struct{}, len(sub.LineItems))
	for _, item := range sub.LineItems {
		covered[item.ProductId] = struct{}{}
	}
	for _, id := range productIDs {
		if _, ok := covered[id]; !ok {
			return false
		}
	}
	return true
}

func productGranted(p *androidpublisher.ProductPurchase) bool {
	return p != nil && p.PurchaseState == productPurchaseStatePurchased
}

// isUnknownToken reports whether the API rejected the token itself, which
// makes the purchase invalid rather than the verification inconclusive.
func isUnknownToken(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone || apiErr.Code == http.StatusBadRequest
}
