package tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/purchase-bridge/iap"
	"github.com/code-payments/purchase-bridge/model"
)

func RunStoreTests(t *testing.T, s iap.Store, teardown func()) {
	for _, tf := range []func(t *testing.T, s iap.Store){
		testIapStore_HappyPath,
		testIapStore_Validation,
		testIapStore_ReturnsCopies,
	} {
		tf(t, s)
		teardown()
	}
}

func testIapStore_HappyPath(t *testing.T, store iap.Store) {
	expected := &iap.Purchase{
		Token:       "token",
		Kind:        model.KindSubscription,
		ProductIDs:  []string{"sub_m"},
		State:       iap.StateAcknowledged,
		FinalizedAt: time.Now(),
	}

	_, err := store.GetPurchase(context.Background(), expected.Token)
	require.Equal(t, iap.ErrNotFound, err)

	require.NoError(t, store.CreatePurchase(context.Background(), expected))

	actual, err := store.GetPurchase(context.Background(), expected.Token)
	require.NoError(t, err)
	require.Equal(t, expected.Token, actual.Token)
	require.Equal(t, expected.Kind, actual.Kind)
	require.Equal(t, expected.ProductIDs, actual.ProductIDs)
	require.Equal(t, expected.State, actual.State)

	require.Equal(t, iap.ErrExists, store.CreatePurchase(context.Background(), expected))
}

func testIapStore_Validation(t *testing.T, store iap.Store) {
	require.Error(t, store.CreatePurchase(context.Background(), &iap.Purchase{
		State: iap.StateConsumed,
	}))
	require.Error(t, store.CreatePurchase(context.Background(), &iap.Purchase{
		Token: "token",
	}))
}

func testIapStore_ReturnsCopies(t *testing.T, store iap.Store) {
	purchase := &iap.Purchase{
		Token:      "token",
		Kind:       model.KindOneTime,
		ProductIDs: []string{"coins"},
		State:      iap.StateConsumed,
	}
	require.NoError(t, store.CreatePurchase(context.Background(), purchase))

	purchase.ProductIDs[0] = "mutated"

	actual, err := store.GetPurchase(context.Background(), "token")
	require.NoError(t, err)
	require.Equal(t, []string{"coins"}, actual.ProductIDs)

	actual.ProductIDs[0] = "mutated"
	again, err := store.GetPurchase(context.Background(), "token")
	require.NoError(t, err)
	require.Equal(t, []string{"coins"}, again.ProductIDs)
}
