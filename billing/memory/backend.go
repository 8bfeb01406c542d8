package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/code-payments/purchase-bridge/billing"
	"github.com/code-payments/purchase-bridge/model"
)

const defaultUpdateBufferSize = 64

// Op names a backend operation, for failure injection and call counting.
type Op string

const (
	OpConnect        Op = "connect"
	OpQueryProducts  Op = "query_products"
	OpQueryPurchases Op = "query_purchases"
	OpLaunch         Op = "launch"
	OpAcknowledge    Op = "acknowledge"
	OpConsume        Op = "consume"
)

// TokenIssuer creates the purchase token for a newly completed purchase of
// productIDs.
type TokenIssuer func(productIDs ...string) string

// Launch records a purchase flow launched against the backend.
type Launch struct {
	PresentationID string
	ProductID      string
	OfferToken     string
}

// Backend is an in-process store that simulates a platform billing service.
type Backend struct {
	log *zap.Logger

	issuer       TokenIssuer
	autoComplete bool

	mu        sync.Mutex
	connected bool
	catalog   map[string]*model.Product
	purchases map[string]*model.Purchase
	launches  []Launch
	failures  map[Op][]error
	calls     map[Op]int

	updates   chan billing.Update
	closed    chan struct{}
	closeOnce sync.Once
}

type Option func(*Backend)

func WithLogger(log *zap.Logger) Option {
	return func(b *Backend) {
		b.log = log
	}
}

func WithTokenIssuer(issuer TokenIssuer) Option {
	return func(b *Backend) {
		b.issuer = issuer
	}
}

// WithAutoComplete completes every launched purchase flow as if the user
// confirmed it.
func WithAutoComplete() Option {
	return func(b *Backend) {
		b.autoComplete = true
	}
}

func WithProducts(products ...*model.Product) Option {
	return func(b *Backend) {
		for _, p := range products {
			b.catalog[p.ID] = withDisplayPrice(p.Clone())
		}
	}
}

func WithUpdateBufferSize(size int) Option {
	return func(b *Backend) {
		b.updates = make(chan billing.Update, size)
	}
}

func New(opts ...Option) *Backend {
	b := &Backend{
		log:       zap.NewNop(),
		issuer:    func(...string) string { return uuid.NewString() },
		catalog:   make(map[string]*model.Product),
		purchases: make(map[string]*model.Purchase),
		failures:  make(map[Op][]error),
		calls:     make(map[Op]int),
		updates:   make(chan billing.Update, defaultUpdateBufferSize),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	if err := b.beginLocked(OpConnect); err != nil {
		b.mu.Unlock()
		return err
	}
	b.connected = true
	b.mu.Unlock()

	b.log.Debug("Billing client connected")
	b.emit(billing.ConnectionUpdate(true))
	return nil
}

func (b *Backend) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.connected = false
	return nil
}

func (b *Backend) QueryProducts(ctx context.Context, kind model.Kind, ids []string) ([]*model.Product, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.beginLocked(OpQueryProducts); err != nil {
		return nil, err
	}
	if !b.connected {
		return nil, billing.ErrNotConnected
	}
	if !kind.Valid() {
		return nil, billing.NewError(billing.ResponseDeveloperError, "product type must be set")
	}

	var products []*model.Product
	for _, id := range ids {
		p, ok := b.catalog[id]
		if !ok || p.Kind != kind {
			continue
		}
		products = append(products, p.Clone())
	}
	return products, nil
}

func (b *Backend) QueryPurchases(ctx context.Context, kind model.Kind) ([]*model.Purchase, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.beginLocked(OpQueryPurchases); err != nil {
		return nil, err
	}
	if !b.connected {
		return nil, billing.ErrNotConnected
	}

	var purchases []*model.Purchase
	for _, p := range b.purchases {
		if p.Kind == kind {
			purchases = append(purchases, p.Clone())
		}
	}
	return purchases, nil
}

func (b *Backend) LaunchPurchaseFlow(ctx context.Context, presentation billing.Presentation, product *model.Product, offerToken string) error {
	b.mu.Lock()
	if err := b.beginLocked(OpLaunch); err != nil {
		b.mu.Unlock()
		return err
	}
	if !b.connected {
		b.mu.Unlock()
		return billing.ErrNotConnected
	}
	if presentation == nil {
		b.mu.Unlock()
		return billing.NewError(billing.ResponseDeveloperError, "presentation is required")
	}

	listed, ok := b.catalog[product.ID]
	if !ok {
		b.mu.Unlock()
		return billing.NewError(billing.ResponseItemUnavailable, product.ID)
	}
	if listed.Kind == model.KindSubscription && !containsString(listed.OfferTokens, offerToken) {
		b.mu.Unlock()
		return billing.NewError(billing.ResponseDeveloperError, "invalid offer token")
	}
	if b.ownsLocked(product.ID) {
		b.mu.Unlock()
		return billing.NewError(billing.ResponseItemAlreadyOwned, product.ID)
	}

	b.launches = append(b.launches, Launch{
		PresentationID: presentation.PresentationID(),
		ProductID:      product.ID,
		OfferToken:     offerToken,
	})
	autoComplete := b.autoComplete
	b.mu.Unlock()

	b.log.Debug("Launched purchase flow", zap.String("product_id", product.ID))

	if autoComplete {
		go func() {
			if _, err := b.CompletePurchase(product.ID); err != nil {
				b.log.Warn("Failed to auto-complete purchase", zap.String("product_id", product.ID), zap.Error(err))
			}
		}()
	}
	return nil
}

func (b *Backend) Acknowledge(ctx context.Context, purchaseToken string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.beginLocked(OpAcknowledge); err != nil {
		return err
	}
	if !b.connected {
		return billing.ErrNotConnected
	}

	purchase, ok := b.purchases[purchaseToken]
	if !ok {
		return billing.NewError(billing.ResponseItemNotOwned, "unknown purchase token")
	}
	purchase.Acknowledged = true
	return nil
}

func (b *Backend) Consume(ctx context.Context, purchaseToken string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.beginLocked(OpConsume); err != nil {
		return err
	}
	if !b.connected {
		return billing.ErrNotConnected
	}

	purchase, ok := b.purchases[purchaseToken]
	if !ok {
		return billing.NewError(billing.ResponseItemNotOwned, "unknown purchase token")
	}
	if purchase.Kind != model.KindOneTime {
		return billing.NewError(billing.ResponseDeveloperError, "only one-time products can be consumed")
	}
	delete(b.purchases, purchaseToken)
	return nil
}

func (b *Backend) Updates() <-chan billing.Update {
	return b.updates
}

// AddProducts lists products in the store catalog, replacing entries with the
// same id.
func (b *Backend) AddProducts(products ...*model.Product) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range products {
		b.catalog[p.ID] = withDisplayPrice(p.Clone())
	}
}

// Grant records an entitlement without notifying Updates, as if it had been
// bought on another device.
func (b *Backend) Grant(productID string, acknowledged bool) (*model.Purchase, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	purchase, err := b.newPurchaseLocked([]string{productID}, model.PurchaseStatePurchased)
	if err != nil {
		return nil, err
	}
	purchase.Acknowledged = acknowledged
	return purchase.Clone(), nil
}

// CompletePurchase simulates the user confirming a purchase flow. The new,
// unacknowledged purchase is delivered on Updates.
func (b *Backend) CompletePurchase(productID string) (*model.Purchase, error) {
	return b.complete([]string{productID}, model.PurchaseStatePurchased)
}

// CompleteBundlePurchase simulates one purchase covering several products of
// the same kind, delivered on Updates as a single record.
func (b *Backend) CompleteBundlePurchase(productIDs ...string) (*model.Purchase, error) {
	return b.complete(productIDs, model.PurchaseStatePurchased)
}

// CompletePendingPurchase simulates a purchase awaiting deferred payment.
func (b *Backend) CompletePendingPurchase(productID string) (*model.Purchase, error) {
	return b.complete([]string{productID}, model.PurchaseStatePending)
}

// CancelPurchase simulates the user dismissing the purchase flow.
func (b *Backend) CancelPurchase() {
	b.emit(billing.PurchasesUpdate(billing.Result{Code: billing.ResponseUserCanceled}, nil))
}

// DropConnection simulates the billing service disconnecting.
func (b *Backend) DropConnection() {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()

	b.log.Debug("Billing client disconnected")
	b.emit(billing.ConnectionUpdate(false))
}

// Emit delivers an arbitrary update.
func (b *Backend) Emit(update billing.Update) {
	b.emit(update)
}

// FailNext makes the next call of op fail with err. Multiple failures queue up.
func (b *Backend) FailNext(op Op, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures[op] = append(b.failures[op], err)
}

// Calls returns how many times op was invoked, including failed calls.
func (b *Backend) Calls(op Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.calls[op]
}

func (b *Backend) Launches() []Launch {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Launch(nil), b.launches...)
}

func (b *Backend) Purchase(token string) (*model.Purchase, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.purchases[token]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

func (b *Backend) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.connected
}

// Close unblocks any pending update delivery. The backend must not be used
// afterwards.
func (b *Backend) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
	})
}

func (b *Backend) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.connected = false
	b.catalog = make(map[string]*model.Product)
	b.purchases = make(map[string]*model.Purchase)
	b.launches = nil
	b.failures = make(map[Op][]error)
	b.calls = make(map[Op]int)

	for {
		select {
		case <-b.updates:
		default:
			return
		}
	}
}

func (b *Backend) complete(productIDs []string, state model.PurchaseState) (*model.Purchase, error) {
	b.mu.Lock()
	purchase, err := b.newPurchaseLocked(productIDs, state)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	b.emit(billing.PurchasesUpdate(billing.Result{Code: billing.ResponseOK}, []*model.Purchase{purchase.Clone()}))
	return purchase.Clone(), nil
}

func (b *Backend) newPurchaseLocked(productIDs []string, state model.PurchaseState) (*model.Purchase, error) {
	if len(productIDs) == 0 {
		return nil, billing.NewError(billing.ResponseDeveloperError, "no products")
	}

	kind := model.KindUnknown
	for _, id := range productIDs {
		product, ok := b.catalog[id]
		if !ok {
			return nil, billing.NewError(billing.ResponseItemUnavailable, id)
		}
		if kind != model.KindUnknown && product.Kind != kind {
			return nil, billing.NewError(billing.ResponseDeveloperError, "mixed product kinds")
		}
		kind = product.Kind
	}

	purchase := &model.Purchase{
		Token:       b.issuer(productIDs...),
		Kind:        kind,
		ProductIDs:  append([]string(nil), productIDs...),
		OrderID:     "GPA." + uuid.NewString(),
		State:       state,
		PurchasedAt: time.Now(),
	}
	b.purchases[purchase.Token] = purchase
	return purchase, nil
}

func (b *Backend) ownsLocked(productID string) bool {
	for _, p := range b.purchases {
		if containsString(p.ProductIDs, productID) {
			return true
		}
	}
	return false
}

func (b *Backend) beginLocked(op Op) error {
	b.calls[op]++

	queued := b.failures[op]
	if len(queued) == 0 {
		return nil
	}
	b.failures[op] = queued[1:]
	return queued[0]
}

func (b *Backend) emit(update billing.Update) {
	select {
	case b.updates <- update:
	case <-b.closed:
	}
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
