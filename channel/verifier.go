package channel

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/code-payments/purchase-bridge/iap"
	"github.com/code-payments/purchase-bridge/model"
)

const MethodVerifyPurchase = "verifyPurchase"

type verifyPurchaseArgs struct {
	PurchaseToken string `json:"purchaseToken"`
	ProductID     string `json:"productId"`
}

// Callers tracks the open websocket connections the server can call.
type Callers struct {
	mu   sync.RWMutex
	live []*conn
}

func NewCallers() *Callers {
	return &Callers{}
}

func (c *Callers) add(conn *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.live = append(c.live, conn)
}

func (c *Callers) remove(conn *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, live := range c.live {
		if live == conn {
			c.live = append(c.live[:i], c.live[i+1:]...)
			return
		}
	}
}

// latest returns the most recently opened connection still open.
func (c *Callers) latest() (*conn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.live) == 0 {
		return nil, false
	}
	return c.live[len(c.live)-1], true
}

// CallerVerifier asks the connected application to verify purchases. Each
// product of a purchase is sent as a verifyPurchase call to the most recently
// opened connection, and the purchase is valid only if every call returns
// true. No connection, an error answer or no answer within the timeout all
// count as invalid.
type CallerVerifier struct {
	log     *zap.Logger
	callers *Callers
	timeout time.Duration
}

func NewCallerVerifier(log *zap.Logger, callers *Callers, timeout time.Duration) iap.Verifier {
	return &CallerVerifier{
		log:     log,
		callers: callers,
		timeout: timeout,
	}
}

func (v *CallerVerifier) VerifyPurchase(ctx context.Context, purchase *model.Purchase) (bool, error) {
	if len(purchase.ProductIDs) == 0 {
		return false, nil
	}

	c, ok := v.callers.latest()
	if !ok {
		v.log.Debug("No caller connected to verify purchase")
		return false, nil
	}

	log := v.log.With(zap.String("connection_id", c.id), zap.Strings("product_ids", purchase.ProductIDs))

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	for _, productID := range purchase.ProductIDs {
		frame, err := c.request(ctx, MethodVerifyPurchase, verifyPurchaseArgs{
			PurchaseToken: purchase.Token,
			ProductID:     productID,
		})
		if err != nil {
			log.Debug("Caller did not verify purchase", zap.Error(err))
			return false, nil
		}

		if frame.Type == FrameTypeError {
			log.Debug("Caller failed to verify purchase", zap.Any("error", frame.Error))
			return false, nil
		}

		verified, _ := frame.Data.(bool)
		if !verified {
			return false, nil
		}
	}

	return true, nil
}
