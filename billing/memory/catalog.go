package memory

import (
	"fmt"
	"io"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/code-payments/purchase-bridge/model"
)

type catalogFile struct {
	Products []catalogEntry `yaml:"products"`
}

type catalogEntry struct {
	ID           string   `yaml:"id"`
	Kind         string   `yaml:"kind"`
	Title        string   `yaml:"title"`
	Description  string   `yaml:"description"`
	PriceMicros  int64    `yaml:"price_micros"`
	Currency     string   `yaml:"currency"`
	DisplayPrice string   `yaml:"display_price"`
	OfferTokens  []string `yaml:"offer_tokens"`
}

// LoadCatalog reads a YAML product catalog fixture.
func LoadCatalog(r io.Reader) ([]*model.Product, error) {
	var file catalogFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Products))
	products := make([]*model.Product, 0, len(file.Products))
	for i, entry := range file.Products {
		if entry.ID == "" {
			return nil, fmt.Errorf("catalog entry %d: missing id", i)
		}
		if _, ok := seen[entry.ID]; ok {
			return nil, fmt.Errorf("catalog entry %d: duplicate id %q", i, entry.ID)
		}
		seen[entry.ID] = struct{}{}

		kind, err := model.ParseKind(entry.Kind)
		if err != nil {
			return nil, fmt.Errorf("catalog entry %q: %w", entry.ID, err)
		}

		products = append(products, withDisplayPrice(&model.Product{
			ID:           entry.ID,
			Kind:         kind,
			Title:        entry.Title,
			Description:  entry.Description,
			PriceMicros:  entry.PriceMicros,
			CurrencyCode: entry.Currency,
			DisplayPrice: entry.DisplayPrice,
			OfferTokens:  entry.OfferTokens,
		}))
	}
	return products, nil
}

func withDisplayPrice(p *model.Product) *model.Product {
	if p.DisplayPrice == "" {
		p.DisplayPrice = FormatPrice(p.PriceMicros, p.CurrencyCode)
	}
	return p
}

var pricePrinter = message.NewPrinter(language.English)

// FormatPrice renders a micro-unit amount with its currency symbol. Unknown
// currencies fall back to the bare amount.
func FormatPrice(micros int64, currencyCode string) string {
	amount := (&model.Product{PriceMicros: micros}).Price()

	unit, err := currency.ParseISO(currencyCode)
	if err != nil {
		return amount.StringFixed(2)
	}
	return pricePrinter.Sprint(currency.Symbol(unit.Amount(amount.InexactFloat64())))
}
