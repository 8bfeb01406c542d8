package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/purchase-bridge/billing"
	"github.com/code-payments/purchase-bridge/billing/tests"
	"github.com/code-payments/purchase-bridge/model"
)

func TestBilling_MemoryBackend(t *testing.T) {
	b := New()
	teardown := func() {
		b.reset()
	}
	tests.RunBackendTests(t, b, b, teardown)
}

type screen string

func (s screen) PresentationID() string {
	return string(s)
}

func TestBackend_FailNext(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close()

	boom := errors.New("boom")
	b.FailNext(OpConnect, boom)
	require.ErrorIs(t, b.Connect(ctx), boom)
	require.False(t, b.IsConnected())

	require.NoError(t, b.Connect(ctx))
	require.True(t, b.IsConnected())
	require.Equal(t, 2, b.Calls(OpConnect))
}

func TestBackend_AutoComplete(t *testing.T) {
	ctx := context.Background()
	sub := &model.Product{ID: "sub_m", Kind: model.KindSubscription, PriceMicros: 9_990_000, CurrencyCode: "USD", OfferTokens: []string{"offer"}}
	b := New(WithAutoComplete(), WithProducts(sub))
	defer b.Close()

	require.NoError(t, b.Connect(ctx))
	<-b.Updates()

	require.NoError(t, b.LaunchPurchaseFlow(ctx, screen("main"), sub, "offer"))
	require.Equal(t, []Launch{{PresentationID: "main", ProductID: "sub_m", OfferToken: "offer"}}, b.Launches())

	select {
	case update := <-b.Updates():
		require.Equal(t, billing.UpdateTypePurchases, update.Type)
		require.Len(t, update.Purchases, 1)
		require.Equal(t, []string{"sub_m"}, update.Purchases[0].ProductIDs)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for auto-completed purchase")
	}
}

func TestBackend_TokenIssuer(t *testing.T) {
	coins := &model.Product{ID: "coins", Kind: model.KindOneTime}
	b := New(WithProducts(coins), WithTokenIssuer(func(productIDs ...string) string {
		return "token-" + strings.Join(productIDs, "+")
	}))
	defer b.Close()

	purchase, err := b.Grant("coins", true)
	require.NoError(t, err)
	require.Equal(t, "token-coins", purchase.Token)
	require.True(t, purchase.Acknowledged)

	stored, ok := b.Purchase("token-coins")
	require.True(t, ok)
	require.Equal(t, model.PurchaseStatePurchased, stored.State)

	_, err = b.Grant("missing", false)
	require.Equal(t, billing.ResponseItemUnavailable, billing.CodeOf(err))
}

func TestBackend_CompleteBundlePurchase(t *testing.T) {
	coins := &model.Product{ID: "coins", Kind: model.KindOneTime}
	gems := &model.Product{ID: "gems", Kind: model.KindOneTime}
	monthly := &model.Product{ID: "sub_m", Kind: model.KindSubscription}
	b := New(WithProducts(coins, gems, monthly), WithTokenIssuer(func(productIDs ...string) string {
		return "token-" + strings.Join(productIDs, "+")
	}))
	defer b.Close()

	purchase, err := b.CompleteBundlePurchase("coins", "gems")
	require.NoError(t, err)
	require.Equal(t, "token-coins+gems", purchase.Token)
	require.Equal(t, model.KindOneTime, purchase.Kind)
	require.Equal(t, []string{"coins", "gems"}, purchase.ProductIDs)

	select {
	case update := <-b.Updates():
		require.Len(t, update.Purchases, 1)
		require.Equal(t, purchase.Token, update.Purchases[0].Token)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bundle purchase")
	}

	_, err = b.CompleteBundlePurchase("coins", "sub_m")
	require.Equal(t, billing.ResponseDeveloperError, billing.CodeOf(err))

	_, err = b.CompleteBundlePurchase()
	require.Equal(t, billing.ResponseDeveloperError, billing.CodeOf(err))
}

func TestBackend_DropConnection(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close()

	require.NoError(t, b.Connect(ctx))
	<-b.Updates()

	b.DropConnection()
	update := <-b.Updates()
	require.Equal(t, billing.UpdateTypeConnection, update.Type)
	require.False(t, update.Connected)
	require.False(t, b.IsConnected())
}
