package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MicrosPerUnit is the number of price micro-units in one currency unit.
const MicrosPerUnit = 1_000_000

type Kind uint8

const (
	KindUnknown Kind = iota
	KindSubscription
	KindOneTime
)

// Kinds lists every queryable product kind, in query order.
var Kinds = []Kind{KindSubscription, KindOneTime}

func (k Kind) String() string {
	switch k {
	case KindSubscription:
		return "subs"
	case KindOneTime:
		return "inapp"
	default:
		return "unknown"
	}
}

func (k Kind) Valid() bool {
	return k == KindSubscription || k == KindOneTime
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "subs", "subscription":
		return KindSubscription, nil
	case "inapp", "one_time", "onetime":
		return KindOneTime, nil
	default:
		return KindUnknown, fmt.Errorf("unknown product kind: %q", s)
	}
}

// Product is a purchasable item as described by the store catalog.
type Product struct {
	ID          string
	Kind        Kind
	Title       string
	Description string

	PriceMicros  int64
	CurrencyCode string
	DisplayPrice string

	// OfferTokens select a specific subscription offer at purchase time. Only
	// subscriptions carry them.
	OfferTokens []string
}

// Price returns the price in currency units, carried as a fixed-point decimal.
func (p *Product) Price() decimal.Decimal {
	return decimal.New(p.PriceMicros, -6)
}

// OfferToken returns the first usable offer token.
func (p *Product) OfferToken() (string, bool) {
	for _, token := range p.OfferTokens {
		if token != "" {
			return token, true
		}
	}
	return "", false
}

func (p *Product) Clone() *Product {
	if p == nil {
		return nil
	}

	cloned := *p
	if p.OfferTokens != nil {
		cloned.OfferTokens = append([]string(nil), p.OfferTokens...)
	}
	return &cloned
}

func CloneProducts(products []*Product) []*Product {
	if products == nil {
		return nil
	}

	cloned := make([]*Product, len(products))
	for i, p := range products {
		cloned[i] = p.Clone()
	}
	return cloned
}

// ProductIDs returns the ids of products, preserving order.
func ProductIDs(products []*Product) []string {
	ids := make([]string, len(products))
	for i, p := range products {
		ids[i] = p.ID
	}
	return ids
}
