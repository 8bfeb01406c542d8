package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/code-payments/purchase-bridge/billing/memory"
	"github.com/code-payments/purchase-bridge/bridge"
	"github.com/code-payments/purchase-bridge/channel"
	"github.com/code-payments/purchase-bridge/config"
	"github.com/code-payments/purchase-bridge/iap"
	"github.com/code-payments/purchase-bridge/iap/android"
	iap_cache "github.com/code-payments/purchase-bridge/iap/cache"
	iap_memory "github.com/code-payments/purchase-bridge/iap/memory"
	"github.com/code-payments/purchase-bridge/reconcile"
	"github.com/code-payments/purchase-bridge/state"
)

var envFiles []string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the purchase bridge over HTTP and websockets",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		conf, err := config.Load(envFiles...)
		if err != nil {
			return err
		}
		return serve(ctx, conf)
	},
}

func init() {
	serveCmd.Flags().StringSliceVar(&envFiles, "env-file", nil, "env files to load (defaults to .env)")
}

func newLogger(conf *config.Config) (*zap.Logger, error) {
	if conf.LogDevelopment {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func serve(ctx context.Context, conf *config.Config) error {
	log, err := newLogger(conf)
	if err != nil {
		return err
	}
	defer func() {
		_ = log.Sync()
	}()

	backendOpts := []memory.Option{memory.WithLogger(log.Named("billing"))}
	if conf.CatalogFile != "" {
		f, err := os.Open(conf.CatalogFile)
		if err != nil {
			return err
		}
		products, err := memory.LoadCatalog(f)
		f.Close()
		if err != nil {
			return err
		}

		log.Info("Loaded catalog", zap.String("file", conf.CatalogFile), zap.Int("products", len(products)))
		backendOpts = append(backendOpts, memory.WithProducts(products...))
	}
	if conf.AutoCompletePurchases {
		backendOpts = append(backendOpts, memory.WithAutoComplete())
	}

	callers := channel.NewCallers()
	verifier, verifierBackendOpts, closeVerifier, err := newVerifier(ctx, log, conf, callers)
	if err != nil {
		return err
	}
	defer closeVerifier()
	backendOpts = append(backendOpts, verifierBackendOpts...)

	reconcileOpts := []reconcile.Option{reconcile.WithConfig(conf.Reconcile())}
	if verifier != nil {
		reconcileOpts = append(reconcileOpts, reconcile.WithVerifier(verifier))
	}

	backend := memory.New(backendOpts...)
	defer backend.Close()

	cache := state.NewCache()
	reconciler := reconcile.New(log.Named("reconcile"), backend, cache, iap_memory.NewInMemory(), reconcileOpts...)

	presentation := bridge.NewPresentationHolder()
	b := bridge.New(log.Named("bridge"), backend, cache, reconciler, presentation, conf.Bridge())
	if err := b.Attach(ctx); err != nil {
		return err
	}
	defer b.Detach()

	server := channel.NewServer(log.Named("channel"), b, presentation, channel.DefaultConfig(), channel.WithCallers(callers))
	httpServer := &http.Server{
		Addr:              conf.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Listening", zap.String("addr", conf.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err := <-serveErr:
		log.Error("HTTP server failed", zap.Error(err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// newVerifier builds the purchase verifier selected by conf, or nil when
// verification is disabled. Memory verification also returns the backend
// options that make the simulated store sign its purchase tokens.
func newVerifier(ctx context.Context, log *zap.Logger, conf *config.Config, callers *channel.Callers) (iap.Verifier, []memory.Option, func(), error) {
	noop := func() {}

	switch conf.VerifierMode() {
	case config.VerifierPlay:
		serviceAccount, err := os.ReadFile(conf.PlayServiceAccountFile)
		if err != nil {
			return nil, nil, noop, err
		}
		play, err := android.NewAndroidVerifier(ctx, serviceAccount, conf.PlayPackageName)
		if err != nil {
			return nil, nil, noop, err
		}

		log.Info("Verifying purchases with Google Play", zap.String("package_name", conf.PlayPackageName))
		cached := iap_cache.NewInCache(play, conf.VerifierCacheTTL)
		return cached, nil, cached.Close, nil
	case config.VerifierMemory:
		pub, priv, err := iap_memory.GenerateKeyPair()
		if err != nil {
			return nil, nil, noop, err
		}
		issuer := memory.WithTokenIssuer(func(productIDs ...string) string {
			return iap_memory.GenerateValidToken(priv, productIDs...)
		})

		log.Info("Verifying signed purchase tokens of the simulated store")
		return iap_memory.NewMemoryVerifier(pub), []memory.Option{issuer}, noop, nil
	case config.VerifierCaller:
		log.Info("Verifying purchases with the connected application", zap.Duration("timeout", conf.CallerVerifyTimeout))
		cached := iap_cache.NewInCache(
			channel.NewCallerVerifier(log.Named("verifier"), callers, conf.CallerVerifyTimeout),
			conf.VerifierCacheTTL,
		)
		return cached, nil, cached.Close, nil
	default:
		return nil, nil, noop, nil
	}
}
