package bridge

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/code-payments/purchase-bridge/billing"
	"github.com/code-payments/purchase-bridge/event"
	"github.com/code-payments/purchase-bridge/metrics"
	"github.com/code-payments/purchase-bridge/model"
	"github.com/code-payments/purchase-bridge/reconcile"
	"github.com/code-payments/purchase-bridge/state"
)

const (
	defaultStreamBufferSize  = 64
	defaultStreamSendTimeout = 5 * time.Second
)

type Config struct {
	// PlatformVersion is reported by PlatformVersion. Empty reports the
	// runtime's OS and Go version.
	PlatformVersion string

	StreamBufferSize  int
	StreamSendTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		StreamBufferSize:  defaultStreamBufferSize,
		StreamSendTimeout: defaultStreamSendTimeout,
	}
}

// Bridge exposes the purchase calls and streams to a caller. Calls are
// accepted between Attach and Detach.
type Bridge struct {
	log          *zap.Logger
	backend      billing.Backend
	cache        *state.Cache
	reconciler   *reconcile.Reconciler
	presentation *PresentationHolder
	conf         Config

	scopeMu sync.Mutex
	scope   context.Context
	cancel  context.CancelFunc
	runDone chan struct{}

	streamsMu sync.RWMutex
	streams   map[Channel]*Subscription
}

func New(
	log *zap.Logger,
	backend billing.Backend,
	cache *state.Cache,
	reconciler *reconcile.Reconciler,
	presentation *PresentationHolder,
	conf Config,
) *Bridge {
	if conf.StreamBufferSize < 1 {
		conf.StreamBufferSize = defaultStreamBufferSize
	}
	if conf.StreamSendTimeout <= 0 {
		conf.StreamSendTimeout = defaultStreamSendTimeout
	}
	if conf.PlatformVersion == "" {
		conf.PlatformVersion = fmt.Sprintf("%s %s", runtime.GOOS, runtime.Version())
	}

	b := &Bridge{
		log:          log,
		backend:      backend,
		cache:        cache,
		reconciler:   reconciler,
		presentation: presentation,
		conf:         conf,
		streams:      make(map[Channel]*Subscription),
	}
	cache.AddHandler(event.HandlerFunc[state.Topic, *state.Snapshot](b.onSnapshot))
	return b
}

// Attach opens the bridge's task scope and starts reconciling backend
// updates. The scope ends at Detach or when ctx is done.
func (b *Bridge) Attach(ctx context.Context) error {
	b.scopeMu.Lock()
	defer b.scopeMu.Unlock()

	if b.cancel != nil {
		return ErrAlreadyAttached
	}

	scope, cancel := context.WithCancel(ctx)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := b.reconciler.Run(scope); err != nil {
			b.log.Error("Reconciler failed", zap.Error(err))
		}
	}()

	b.scope = scope
	b.cancel = cancel
	b.runDone = runDone

	b.log.Debug("Bridge attached")
	return nil
}

// Detach cancels in-flight calls, closes every stream and disconnects from
// the backend. Later calls fail until the next Attach.
func (b *Bridge) Detach() {
	b.scopeMu.Lock()
	cancel, runDone := b.cancel, b.runDone
	b.cancel = nil
	b.runDone = nil
	b.scopeMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	b.streamsMu.Lock()
	for channel, sub := range b.streams {
		delete(b.streams, channel)
		sub.release()
	}
	b.streamsMu.Unlock()

	<-runDone

	if err := b.backend.Disconnect(); err != nil {
		b.log.Warn("Failed to disconnect billing client", zap.Error(err))
	}
	b.log.Debug("Bridge detached")
}

// RefreshProducts queries ids across every product kind and replaces the
// catalog with the result.
func (b *Bridge) RefreshProducts(ctx context.Context, ids []string) (err error) {
	defer observe("refreshProducts", &err)

	if len(ids) == 0 {
		return ErrIdentifiersRequired
	}

	ctx, done, err := b.callContext(ctx)
	if err != nil {
		return err
	}
	defer done()

	log := b.log.With(zap.Strings("product_ids", ids))

	results := make([][]*model.Product, len(model.Kinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range model.Kinds {
		i, kind := i, kind
		g.Go(func() error {
			products, err := b.backend.QueryProducts(gctx, kind, ids)
			if err != nil {
				return fmt.Errorf("failed to query %s products: %w", kind, err)
			}
			for _, p := range products {
				if p != nil && p.Kind == model.KindUnknown {
					p.Kind = kind
				}
			}
			results[i] = products
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn("Failed to refresh products", zap.Error(err))
		b.maybeReconnect(err)
		return toStatus(err, codes.Unavailable)
	}

	var catalog []*model.Product
	for _, products := range results {
		catalog = append(catalog, products...)
	}

	if err := b.reconciler.SetCatalog(ctx, catalog); err != nil {
		return toStatus(err, codes.Internal)
	}

	log.Debug("Products refreshed", zap.Int("found", len(catalog)))
	return nil
}

// Buy launches the purchase flow for productID from the presentation carried
// by ctx, or else the current one held by the bridge. It returns once the flow
// is launched; the outcome arrives as a purchases update.
func (b *Bridge) Buy(ctx context.Context, productID string) (err error) {
	defer observe("buy", &err)

	presentation, ok := PresentationFrom(ctx)
	if !ok {
		presentation, ok = b.presentation.Presentation()
	}
	if !ok {
		return ErrNoPresentation
	}
	if productID == "" {
		return ErrProductIDRequired
	}

	ctx, done, err := b.callContext(ctx)
	if err != nil {
		return err
	}
	defer done()

	log := b.log.With(zap.String("product_id", productID))

	product, ok := b.cache.Snapshot().Product(productID)
	if !ok {
		log.Debug("Product not in catalog")
		return ErrProductNotFound
	}

	var offerToken string
	if product.Kind == model.KindSubscription {
		offerToken, ok = product.OfferToken()
		if !ok {
			log.Debug("Subscription has no offer token")
			return ErrOfferTokenNotFound
		}
	}

	if err := b.backend.LaunchPurchaseFlow(ctx, presentation, product, offerToken); err != nil {
		log.Warn("Failed to launch purchase flow", zap.Error(err))
		b.maybeReconnect(err)
		return toStatus(err, codes.Internal)
	}

	log.Debug("Purchase flow launched", zap.String("presentation_id", presentation.PresentationID()))
	return nil
}

// RestorePurchases re-reads the current entitlements from the backend.
func (b *Bridge) RestorePurchases(ctx context.Context) (err error) {
	defer observe("restorePurchases", &err)

	ctx, done, err := b.callContext(ctx)
	if err != nil {
		return err
	}
	defer done()

	if err := b.reconciler.Restore(ctx); err != nil {
		b.log.Warn("Failed to restore purchases", zap.Error(err))
		b.maybeReconnect(err)
		return toStatus(err, codes.Unavailable)
	}
	return nil
}

func (b *Bridge) PlatformVersion() string {
	metrics.BridgeCallsTotal.WithLabelValues("getPlatformVersion", codes.OK.String()).Inc()
	return b.conf.PlatformVersion
}

// Connected reports whether the billing client is currently connected.
func (b *Bridge) Connected() bool {
	return b.cache.Snapshot().Connected
}

// callContext derives a context that ends with either ctx or the bridge
// scope.
func (b *Bridge) callContext(ctx context.Context) (context.Context, func(), error) {
	b.scopeMu.Lock()
	scope, attached := b.scope, b.cancel != nil
	b.scopeMu.Unlock()

	if !attached || scope.Err() != nil {
		return nil, nil, ErrDetached
	}

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(scope, cancel)
	return ctx, func() {
		stop()
		cancel()
	}, nil
}

func (b *Bridge) maybeReconnect(err error) {
	if billing.CodeOf(err) == billing.ResponseServiceDisconnected {
		b.reconciler.Reconnect()
	}
}

func observe(method string, err *error) {
	metrics.BridgeCallsTotal.WithLabelValues(method, status.Code(*err).String()).Inc()
}
