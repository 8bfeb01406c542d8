package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/code-payments/purchase-bridge/iap"
)

type InMemoryStore struct {
	mu        sync.RWMutex
	purchases map[string]*iap.Purchase
}

func NewInMemory() iap.Store {
	return &InMemoryStore{
		purchases: map[string]*iap.Purchase{},
	}
}

func (s *InMemoryStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purchases = make(map[string]*iap.Purchase)
}

func (s *InMemoryStore) CreatePurchase(ctx context.Context, purchase *iap.Purchase) error {
	if purchase.Token == "" {
		return errors.New("purchase token is required")
	}
	if purchase.State == iap.StateUnknown {
		return errors.New("state must be acknowledged or consumed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.purchases[purchase.Token]
	if ok {
		return iap.ErrExists
	}

	s.purchases[purchase.Token] = purchase.Clone()

	return nil
}

func (s *InMemoryStore) GetPurchase(ctx context.Context, token string) (*iap.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	purchase, ok := s.purchases[token]
	if !ok {
		return nil, iap.ErrNotFound
	}
	return purchase.Clone(), nil
}
