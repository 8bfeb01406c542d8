package model

import "time"

type PurchaseState uint8

const (
	PurchaseStateUnknown PurchaseState = iota
	PurchaseStatePurchased
	PurchaseStatePending
)

func (s PurchaseState) String() string {
	switch s {
	case PurchaseStatePurchased:
		return "purchased"
	case PurchaseStatePending:
		return "pending"
	default:
		return "unknown"
	}
}

// Purchase is a transaction record delivered by the store backend.
type Purchase struct {
	// Token is the backend-assigned purchase token used to acknowledge or
	// consume the purchase.
	Token string

	Kind       Kind
	ProductIDs []string
	OrderID    string
	State      PurchaseState

	// Acknowledged is false until the purchase is finalized. Unacknowledged
	// purchases are refunded by the store after a grace period.
	Acknowledged bool

	PurchasedAt time.Time
}

func (p *Purchase) Clone() *Purchase {
	if p == nil {
		return nil
	}

	cloned := *p
	if p.ProductIDs != nil {
		cloned.ProductIDs = append([]string(nil), p.ProductIDs...)
	}
	return &cloned
}

func ClonePurchases(purchases []*Purchase) []*Purchase {
	if purchases == nil {
		return nil
	}

	cloned := make([]*Purchase, len(purchases))
	for i, p := range purchases {
		cloned[i] = p.Clone()
	}
	return cloned
}
