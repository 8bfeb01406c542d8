package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/code-payments/purchase-bridge/billing"
	"github.com/code-payments/purchase-bridge/iap"
	"github.com/code-payments/purchase-bridge/metrics"
	"github.com/code-payments/purchase-bridge/model"
	"github.com/code-payments/purchase-bridge/state"
)

var ErrAlreadyRunning = errors.New("reconciler is already running")

type command struct {
	apply func(ctx context.Context)
	done  chan struct{}
}

type tracked struct {
	purchase *model.Purchase
	verified bool
}

// Reconciler is the only writer of the state cache. Backend updates and
// submitted commands are applied one at a time by Run, in arrival order.
type Reconciler struct {
	log      *zap.Logger
	backend  billing.Backend
	cache    *state.Cache
	ledger   iap.Store
	verifier iap.Verifier
	conf     Config

	inbox   chan command
	running atomic.Bool

	runCtxMu sync.Mutex
	runCtx   context.Context

	reconnecting       atomic.Bool
	reconnectRequested atomic.Bool

	// Owned by the Run goroutine.
	records map[string]*tracked
}

type Option func(*Reconciler)

// WithVerifier makes every purchase pass verifier before it grants an
// entitlement.
func WithVerifier(verifier iap.Verifier) Option {
	return func(r *Reconciler) {
		r.verifier = verifier
	}
}

func WithConfig(conf Config) Option {
	return func(r *Reconciler) {
		r.conf = conf
	}
}

func New(log *zap.Logger, backend billing.Backend, cache *state.Cache, ledger iap.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		log:     log,
		backend: backend,
		cache:   cache,
		ledger:  ledger,
		conf:    DefaultConfig(),
		inbox:   make(chan command),
		records: make(map[string]*tracked),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.verifier == nil {
		log.Warn("Purchase verification is disabled; every purchase is treated as verified")
	}

	return r
}

// Run connects to the billing service and applies updates until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)
	defer func() {
		r.cache.SetConnected(false)
		metrics.SetConnected(false)
	}()

	r.runCtxMu.Lock()
	r.runCtx = ctx
	r.runCtxMu.Unlock()

	r.startReconnect(ctx)

	for {
		select {
		case <-ctx.Done():
			r.log.Debug("Reconciler stopped")
			return nil
		case update := <-r.backend.Updates():
			r.handleUpdate(ctx, update)
		case cmd := <-r.inbox:
			cmd.apply(ctx)
			close(cmd.done)
		}
	}
}

// SetCatalog replaces the cached catalog through the reconciliation task.
func (r *Reconciler) SetCatalog(ctx context.Context, products []*model.Product) error {
	return r.submit(ctx, func(ctx context.Context) {
		r.cache.SetCatalog(products)

		snapshot := r.cache.Snapshot()
		metrics.CatalogProducts.WithLabelValues(model.KindSubscription.String()).Set(float64(len(snapshot.AvailableSubscriptions)))
		metrics.CatalogProducts.WithLabelValues(model.KindOneTime.String()).Set(float64(len(snapshot.AvailableOneTime)))

		r.log.Debug(
			"Catalog updated",
			zap.Int("subscriptions", len(snapshot.AvailableSubscriptions)),
			zap.Int("one_time", len(snapshot.AvailableOneTime)),
		)
	})
}

// Restore re-queries the current entitlements of every kind and reconciles
// them exactly like a live purchases update. The queried records supersede
// everything previously known.
func (r *Reconciler) Restore(ctx context.Context) error {
	results := make([][]*model.Purchase, len(model.Kinds))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range model.Kinds {
		i, kind := i, kind
		g.Go(func() error {
			purchases, err := r.backend.QueryPurchases(gctx, kind)
			if err != nil {
				return fmt.Errorf("failed to query %s purchases: %w", kind, err)
			}
			for _, p := range purchases {
				if p != nil && p.Kind == model.KindUnknown {
					p.Kind = kind
				}
			}
			results[i] = purchases
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var all []*model.Purchase
	for _, purchases := range results {
		all = append(all, purchases...)
	}

	return r.submit(ctx, func(ctx context.Context) {
		r.applyPurchases(ctx, all, model.Kinds)
	})
}

// Reconnect asks for a new connection attempt, unless one is in progress.
func (r *Reconciler) Reconnect() {
	r.runCtxMu.Lock()
	ctx := r.runCtx
	r.runCtxMu.Unlock()

	if ctx == nil || !r.running.Load() {
		return
	}
	r.startReconnect(ctx)
}

// submit hands apply to Run and waits for it to complete. It blocks until ctx
// is done when Run is not active.
func (r *Reconciler) submit(ctx context.Context, apply func(ctx context.Context)) error {
	cmd := command{apply: apply, done: make(chan struct{})}
	select {
	case r.inbox <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-cmd.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) handleUpdate(ctx context.Context, update billing.Update) {
	switch update.Type {
	case billing.UpdateTypeConnection:
		r.cache.SetConnected(update.Connected)
		metrics.SetConnected(update.Connected)

		if update.Connected {
			r.log.Info("Billing client connected")
		} else {
			r.log.Info("Billing client disconnected; reconnecting")
			r.startReconnect(ctx)
		}
	case billing.UpdateTypePurchases:
		switch update.Result.Code {
		case billing.ResponseOK:
			r.applyPurchases(ctx, update.Purchases, nil)
		case billing.ResponseUserCanceled:
			r.log.Debug("Purchase flow cancelled by user")
		default:
			r.log.Warn(
				"Ignoring failed purchases update",
				zap.String("code", update.Result.Code.String()),
				zap.String("debug_message", update.Result.DebugMessage),
			)
		}
	default:
		r.log.Warn("Ignoring unknown backend update", zap.String("type", update.Type.String()))
	}
}

// applyPurchases merges purchases into the known records and runs a
// reconciliation pass. Records of the kinds in replace are dropped first.
func (r *Reconciler) applyPurchases(ctx context.Context, purchases []*model.Purchase, replace []model.Kind) {
	for _, kind := range replace {
		for token, t := range r.records {
			if t.purchase.Kind == kind {
				delete(r.records, token)
			}
		}
	}

	for _, p := range purchases {
		if p == nil || p.Token == "" {
			r.log.Warn("Ignoring purchase without token")
			continue
		}

		// A redelivery claiming different products is verified again.
		t := &tracked{purchase: p.Clone()}
		if existing, ok := r.records[p.Token]; ok && sameProducts(existing.purchase.ProductIDs, p.ProductIDs) {
			t.verified = existing.verified
		}
		r.records[p.Token] = t
	}

	r.reconcile(ctx)
}

func sameProducts(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	a = append([]string(nil), a...)
	b = append([]string(nil), b...)
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (r *Reconciler) reconcile(ctx context.Context) {
	tokens := make([]string, 0, len(r.records))
	for token := range r.records {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	owned := make(map[string]struct{})
	for _, token := range tokens {
		t := r.records[token]
		p := t.purchase

		log := r.log.With(
			zap.String("order_id", p.OrderID),
			zap.Strings("product_ids", p.ProductIDs),
			zap.String("kind", p.Kind.String()),
		)

		if p.State == model.PurchaseStatePending {
			log.Debug("Purchase is pending")
			continue
		}

		if !t.verified {
			if !r.verify(ctx, log, p) {
				// Left unacknowledged; the backend redelivers it.
				delete(r.records, token)
				continue
			}
			t.verified = true
		}

		if !p.Acknowledged && r.finalize(ctx, log, p) {
			p.Acknowledged = true
		}

		for _, id := range p.ProductIDs {
			owned[id] = struct{}{}
		}
	}

	r.cache.SetPurchased(owned)
}

func (r *Reconciler) verify(ctx context.Context, log *zap.Logger, p *model.Purchase) bool {
	if r.verifier == nil {
		return true
	}

	verified, err := r.verifier.VerifyPurchase(ctx, p)
	if err != nil {
		log.Warn("Failed to verify purchase", zap.Error(err))
		metrics.PurchasesUnverifiedTotal.Inc()
		return false
	} else if !verified {
		log.Warn("Purchase failed verification")
		metrics.PurchasesUnverifiedTotal.Inc()
		return false
	}
	return true
}

// finalize acknowledges a subscription or consumes a one-time product. It
// reports whether the purchase is now final.
func (r *Reconciler) finalize(ctx context.Context, log *zap.Logger, p *model.Purchase) bool {
	_, err := r.ledger.GetPurchase(ctx, p.Token)
	if err == nil {
		log.Debug("Purchase already finalized")
		return true
	} else if !errors.Is(err, iap.ErrNotFound) {
		log.Warn("Failed to check finalization ledger", zap.Error(err))
	}

	finalState := iap.StateFor(p.Kind)
	if finalState == iap.StateConsumed {
		err = r.backend.Consume(ctx, p.Token)
	} else {
		err = r.backend.Acknowledge(ctx, p.Token)
	}
	if err != nil {
		log.Warn("Failed to finalize purchase", zap.String("state", finalState.String()), zap.Error(err))
		metrics.PurchasesFinalizedTotal.WithLabelValues(p.Kind.String(), "failed").Inc()
		return false
	}

	log.Debug("Purchase finalized", zap.String("state", finalState.String()))
	metrics.PurchasesFinalizedTotal.WithLabelValues(p.Kind.String(), "ok").Inc()

	err = r.ledger.CreatePurchase(ctx, &iap.Purchase{
		Token:       p.Token,
		Kind:        p.Kind,
		ProductIDs:  p.ProductIDs,
		State:       finalState,
		FinalizedAt: time.Now(),
	})
	if err != nil && !errors.Is(err, iap.ErrExists) {
		log.Warn("Failed to record finalized purchase", zap.Error(err))
	}
	return true
}

// startReconnect connects with bounded exponential backoff. Requests made
// while an attempt is in flight trigger one more attempt once it completes.
func (r *Reconciler) startReconnect(ctx context.Context) {
	r.reconnectRequested.Store(true)
	if !r.reconnecting.CompareAndSwap(false, true) {
		return
	}

	go func() {
		for {
			r.reconnectRequested.Store(false)
			r.connect(ctx)
			r.reconnecting.Store(false)

			if ctx.Err() != nil || !r.reconnectRequested.Load() {
				return
			}
			if !r.reconnecting.CompareAndSwap(false, true) {
				return
			}
		}
	}()
}

func (r *Reconciler) connect(ctx context.Context) {
	operation := func() error {
		err := r.backend.Connect(ctx)
		if err != nil {
			metrics.ReconnectAttemptsTotal.WithLabelValues("failed").Inc()
			return err
		}
		metrics.ReconnectAttemptsTotal.WithLabelValues("ok").Inc()
		return nil
	}
	notify := func(err error, delay time.Duration) {
		r.log.Info("Billing client connection failed; retrying", zap.Error(err), zap.Duration("delay", delay))
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(r.conf.newBackOff(), ctx), notify)
	if err != nil && ctx.Err() == nil {
		r.log.Error("Giving up on billing client connection", zap.Error(err))
	}
}
