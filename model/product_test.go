package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestProduct_Price(t *testing.T) {
	for _, tc := range []struct {
		micros   int64
		expected string
	}{
		{micros: 9_990_000, expected: "9.99"},
		{micros: 0, expected: "0"},
		{micros: 1, expected: "0.000001"},
		{micros: 123_456_789_012, expected: "123456.789012"},
	} {
		p := &Product{PriceMicros: tc.micros}
		require.True(t, decimal.RequireFromString(tc.expected).Equal(p.Price()), "micros=%d got %s", tc.micros, p.Price())
	}
}

func TestProduct_OfferToken(t *testing.T) {
	p := &Product{ID: "sub_m", Kind: KindSubscription}
	_, ok := p.OfferToken()
	require.False(t, ok)

	p.OfferTokens = []string{"", "offer"}
	token, ok := p.OfferToken()
	require.True(t, ok)
	require.Equal(t, "offer", token)
}

func TestProduct_Clone(t *testing.T) {
	p := &Product{ID: "sub_m", OfferTokens: []string{"offer"}}
	cloned := p.Clone()
	cloned.OfferTokens[0] = "changed"
	require.Equal(t, "offer", p.OfferTokens[0])

	var nilProduct *Product
	require.Nil(t, nilProduct.Clone())
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind("subs")
	require.NoError(t, err)
	require.Equal(t, KindSubscription, kind)

	kind, err = ParseKind("inapp")
	require.NoError(t, err)
	require.Equal(t, KindOneTime, kind)

	_, err = ParseKind("bogus")
	require.Error(t, err)
}
