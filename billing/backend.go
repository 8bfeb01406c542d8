package billing

import (
	"context"

	"github.com/code-payments/purchase-bridge/model"
)

// Presentation is the host UI context a purchase flow is shown on top of.
type Presentation interface {
	PresentationID() string
}

// Backend is the platform billing service: the product catalog, the purchase
// flow and the entitlement ledger all live behind it.
type Backend interface {

	// Connect establishes the billing service connection. A successful
	// connection is also reported on Updates.
	Connect(ctx context.Context) error

	// Disconnect ends the connection. It is not reported on Updates.
	Disconnect() error

	// QueryProducts fetches catalog details for ids of a single kind. Ids
	// unknown to the store are omitted from the result.
	QueryProducts(ctx context.Context, kind model.Kind, ids []string) ([]*model.Product, error)

	// QueryPurchases returns the current entitlements of a single kind.
	QueryPurchases(ctx context.Context, kind model.Kind) ([]*model.Purchase, error)

	// LaunchPurchaseFlow shows the purchase UI. It returns once the flow is
	// launched; the outcome is delivered on Updates.
	LaunchPurchaseFlow(ctx context.Context, presentation Presentation, product *model.Product, offerToken string) error

	Acknowledge(ctx context.Context, purchaseToken string) error
	Consume(ctx context.Context, purchaseToken string) error

	// Updates delivers connection changes and purchase updates in the order
	// the service produced them.
	Updates() <-chan Update
}

type UpdateType uint8

const (
	UpdateTypeUnknown UpdateType = iota
	UpdateTypeConnection
	UpdateTypePurchases
)

func (t UpdateType) String() string {
	switch t {
	case UpdateTypeConnection:
		return "connection"
	case UpdateTypePurchases:
		return "purchases"
	default:
		return "unknown"
	}
}

type Update struct {
	Type UpdateType

	// Set for UpdateTypeConnection.
	Connected bool

	// Set for UpdateTypePurchases.
	Result    Result
	Purchases []*model.Purchase
}

func ConnectionUpdate(connected bool) Update {
	return Update{Type: UpdateTypeConnection, Connected: connected}
}

func PurchasesUpdate(result Result, purchases []*model.Purchase) Update {
	return Update{Type: UpdateTypePurchases, Result: result, Purchases: purchases}
}
