package bridge

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/code-payments/purchase-bridge/model"
)

const (
	ProductTypeAutoRenewable = "autoRenewable"
	ProductTypeConsumable    = "consumable"
)

// ProductMessage is the caller-facing shape of a product.
type ProductMessage struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Price        decimal.Decimal `json:"price"`
	DisplayPrice string          `json:"displayPrice"`
	Type         string          `json:"type"`
}

// MarshalJSON encodes the price as a JSON number rather than a string.
func (m ProductMessage) MarshalJSON() ([]byte, error) {
	type alias ProductMessage
	return json.Marshal(struct {
		alias
		Price json.RawMessage `json:"price"`
	}{
		alias: alias(m),
		Price: json.RawMessage(m.Price.String()),
	})
}

func NewProductMessage(p *model.Product) ProductMessage {
	productType := ProductTypeConsumable
	if p.Kind == model.KindSubscription {
		productType = ProductTypeAutoRenewable
	}

	return ProductMessage{
		ID:           p.ID,
		Title:        p.Title,
		Description:  p.Description,
		Price:        p.Price(),
		DisplayPrice: p.DisplayPrice,
		Type:         productType,
	}
}

// NewProductMessages never returns nil, so an empty projection encodes as [].
func NewProductMessages(products []*model.Product) []ProductMessage {
	messages := make([]ProductMessage, 0, len(products))
	for _, p := range products {
		messages = append(messages, NewProductMessage(p))
	}
	return messages
}
