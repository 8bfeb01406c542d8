package iap

import (
	"context"
	"errors"
	"time"

	"github.com/code-payments/purchase-bridge/model"
)

var (
	ErrExists   = errors.New("iap already exists")
	ErrNotFound = errors.New("iap not found")
)

type State uint8

const (
	StateUnknown State = iota
	StateAcknowledged
	StateConsumed
)

func (s State) String() string {
	switch s {
	case StateAcknowledged:
		return "acknowledged"
	case StateConsumed:
		return "consumed"
	default:
		return "unknown"
	}
}

// StateFor returns the finalization a purchase of kind requires.
func StateFor(kind model.Kind) State {
	if kind == model.KindOneTime {
		return StateConsumed
	}
	return StateAcknowledged
}

// Purchase is a ledger entry for a purchase token that was successfully
// acknowledged or consumed.
type Purchase struct {
	Token       string
	Kind        model.Kind
	ProductIDs  []string
	State       State
	FinalizedAt time.Time
}

// Store is the finalization ledger. It lives only as long as the bridge
// instance; the store backend stays the source of truth.
type Store interface {
	CreatePurchase(ctx context.Context, purchase *Purchase) error
	GetPurchase(ctx context.Context, token string) (*Purchase, error)
}

func (p *Purchase) Clone() *Purchase {
	return &Purchase{
		Token:       p.Token,
		Kind:        p.Kind,
		ProductIDs:  append([]string(nil), p.ProductIDs...),
		State:       p.State,
		FinalizedAt: p.FinalizedAt,
	}
}
