package tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/purchase-bridge/billing"
	"github.com/code-payments/purchase-bridge/model"
)

// Simulator drives the store side of a Backend under test.
type Simulator interface {
	AddProducts(products ...*model.Product)
	CompletePurchase(productID string) (*model.Purchase, error)
	CancelPurchase()
}

type presentation string

func (p presentation) PresentationID() string {
	return string(p)
}

var (
	monthly = &model.Product{
		ID:           "sub_m",
		Kind:         model.KindSubscription,
		Title:        "Monthly",
		PriceMicros:  9_990_000,
		CurrencyCode: "USD",
		DisplayPrice: "$9.99",
		OfferTokens:  []string{"monthly-offer"},
	}
	coins = &model.Product{
		ID:           "coins_100",
		Kind:         model.KindOneTime,
		Title:        "100 coins",
		PriceMicros:  990_000,
		CurrencyCode: "USD",
		DisplayPrice: "$0.99",
	}
)

func RunBackendTests(t *testing.T, b billing.Backend, sim Simulator, teardown func()) {
	for _, tf := range []func(t *testing.T, b billing.Backend, sim Simulator){
		testBackend_RequiresConnection,
		testBackend_QueryProductsByKind,
		testBackend_PurchaseFlow,
		testBackend_ConsumeOneTime,
		testBackend_UserCanceled,
	} {
		tf(t, b, sim)
		teardown()
	}
}

func testBackend_RequiresConnection(t *testing.T, b billing.Backend, sim Simulator) {
	ctx := context.Background()
	sim.AddProducts(monthly)

	_, err := b.QueryProducts(ctx, model.KindSubscription, []string{monthly.ID})
	require.Equal(t, billing.ResponseServiceDisconnected, billing.CodeOf(err))

	_, err = b.QueryPurchases(ctx, model.KindSubscription)
	require.Equal(t, billing.ResponseServiceDisconnected, billing.CodeOf(err))

	require.NoError(t, b.Connect(ctx))
	update := nextUpdate(t, b)
	require.Equal(t, billing.UpdateTypeConnection, update.Type)
	require.True(t, update.Connected)
}

func testBackend_QueryProductsByKind(t *testing.T, b billing.Backend, sim Simulator) {
	ctx := context.Background()
	sim.AddProducts(monthly, coins)
	require.NoError(t, b.Connect(ctx))
	nextUpdate(t, b)

	ids := []string{monthly.ID, coins.ID, "missing"}

	subs, err := b.QueryProducts(ctx, model.KindSubscription, ids)
	require.NoError(t, err)
	require.Equal(t, []string{monthly.ID}, model.ProductIDs(subs))
	require.Equal(t, "9.99", subs[0].Price().String())

	oneTime, err := b.QueryProducts(ctx, model.KindOneTime, ids)
	require.NoError(t, err)
	require.Equal(t, []string{coins.ID}, model.ProductIDs(oneTime))

	none, err := b.QueryProducts(ctx, model.KindOneTime, []string{"missing"})
	require.NoError(t, err)
	require.Empty(t, none)
}

func testBackend_PurchaseFlow(t *testing.T, b billing.Backend, sim Simulator) {
	ctx := context.Background()
	sim.AddProducts(monthly)
	require.NoError(t, b.Connect(ctx))
	nextUpdate(t, b)

	err := b.LaunchPurchaseFlow(ctx, presentation("screen"), monthly, "bogus-offer")
	require.Equal(t, billing.ResponseDeveloperError, billing.CodeOf(err))

	require.NoError(t, b.LaunchPurchaseFlow(ctx, presentation("screen"), monthly, "monthly-offer"))

	purchase, err := sim.CompletePurchase(monthly.ID)
	require.NoError(t, err)
	require.False(t, purchase.Acknowledged)

	update := nextUpdate(t, b)
	require.Equal(t, billing.UpdateTypePurchases, update.Type)
	require.True(t, update.Result.OK())
	require.Len(t, update.Purchases, 1)
	require.Equal(t, purchase.Token, update.Purchases[0].Token)
	require.Equal(t, []string{monthly.ID}, update.Purchases[0].ProductIDs)

	err = b.LaunchPurchaseFlow(ctx, presentation("screen"), monthly, "monthly-offer")
	require.Equal(t, billing.ResponseItemAlreadyOwned, billing.CodeOf(err))

	require.NoError(t, b.Acknowledge(ctx, purchase.Token))

	owned, err := b.QueryPurchases(ctx, model.KindSubscription)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	require.True(t, owned[0].Acknowledged)

	err = b.Acknowledge(ctx, "unknown")
	require.Equal(t, billing.ResponseItemNotOwned, billing.CodeOf(err))
}

func testBackend_ConsumeOneTime(t *testing.T, b billing.Backend, sim Simulator) {
	ctx := context.Background()
	sim.AddProducts(monthly, coins)
	require.NoError(t, b.Connect(ctx))
	nextUpdate(t, b)

	purchase, err := sim.CompletePurchase(coins.ID)
	require.NoError(t, err)
	nextUpdate(t, b)

	owned, err := b.QueryPurchases(ctx, model.KindOneTime)
	require.NoError(t, err)
	require.Len(t, owned, 1)

	require.NoError(t, b.Consume(ctx, purchase.Token))

	owned, err = b.QueryPurchases(ctx, model.KindOneTime)
	require.NoError(t, err)
	require.Empty(t, owned)

	sub, err := sim.CompletePurchase(monthly.ID)
	require.NoError(t, err)
	nextUpdate(t, b)

	err = b.Consume(ctx, sub.Token)
	require.Equal(t, billing.ResponseDeveloperError, billing.CodeOf(err))
}

func testBackend_UserCanceled(t *testing.T, b billing.Backend, sim Simulator) {
	sim.CancelPurchase()

	update := nextUpdate(t, b)
	require.Equal(t, billing.UpdateTypePurchases, update.Type)
	require.Equal(t, billing.ResponseUserCanceled, update.Result.Code)
	require.Empty(t, update.Purchases)
}

func nextUpdate(t *testing.T, b billing.Backend) billing.Update {
	select {
	case update := <-b.Updates():
		return update
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for backend update")
		return billing.Update{}
	}
}
