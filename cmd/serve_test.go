package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/purchase-bridge/billing/memory"
	"github.com/code-payments/purchase-bridge/channel"
	"github.com/code-payments/purchase-bridge/config"
	"github.com/code-payments/purchase-bridge/model"
)

var coins = &model.Product{ID: "coins_100", Kind: model.KindOneTime, PriceMicros: 990_000, CurrencyCode: "USD"}

func TestNewVerifier_None(t *testing.T) {
	verifier, opts, closeVerifier, err := newVerifier(context.Background(), zap.NewNop(), config.Default(), channel.NewCallers())
	require.NoError(t, err)
	defer closeVerifier()

	require.Nil(t, verifier)
	require.Empty(t, opts)
}

func TestNewVerifier_MemorySignsSimulatedPurchases(t *testing.T) {
	ctx := context.Background()
	conf := config.Default()
	conf.Verifier = string(config.VerifierMemory)

	verifier, opts, closeVerifier, err := newVerifier(ctx, zap.NewNop(), conf, channel.NewCallers())
	require.NoError(t, err)
	defer closeVerifier()
	require.NotNil(t, verifier)

	backend := memory.New(append([]memory.Option{memory.WithProducts(coins)}, opts...)...)
	defer backend.Close()

	purchase, err := backend.Grant(coins.ID, false)
	require.NoError(t, err)

	verified, err := verifier.VerifyPurchase(ctx, purchase)
	require.NoError(t, err)
	require.True(t, verified)

	// The signature covers the product ids the store issued the token for.
	widened := purchase.Clone()
	widened.ProductIDs = append(widened.ProductIDs, "coins_500")
	verified, err = verifier.VerifyPurchase(ctx, widened)
	require.NoError(t, err)
	require.False(t, verified)

	// Unsigned tokens from a store without the issuer are rejected.
	plain := memory.New(memory.WithProducts(coins))
	defer plain.Close()
	unsigned, err := plain.Grant(coins.ID, false)
	require.NoError(t, err)
	verified, err = verifier.VerifyPurchase(ctx, unsigned)
	require.NoError(t, err)
	require.False(t, verified)
}

func TestNewVerifier_Caller(t *testing.T) {
	conf := config.Default()
	conf.Verifier = string(config.VerifierCaller)
	conf.CallerVerifyTimeout = 10 * time.Millisecond

	verifier, opts, closeVerifier, err := newVerifier(context.Background(), zap.NewNop(), conf, channel.NewCallers())
	require.NoError(t, err)
	defer closeVerifier()
	require.NotNil(t, verifier)
	require.Empty(t, opts)

	// Nobody is connected to answer.
	verified, err := verifier.VerifyPurchase(context.Background(), &model.Purchase{Token: "t", ProductIDs: []string{coins.ID}})
	require.NoError(t, err)
	require.False(t, verified)
}

func TestNewVerifier_PlayRequiresServiceAccount(t *testing.T) {
	conf := config.Default()
	conf.Verifier = string(config.VerifierPlay)
	conf.PlayPackageName = "com.example.app"
	conf.PlayServiceAccountFile = filepath.Join(t.TempDir(), "missing.json")

	_, _, closeVerifier, err := newVerifier(context.Background(), zap.NewNop(), conf, channel.NewCallers())
	require.Error(t, err)
	closeVerifier()
}
