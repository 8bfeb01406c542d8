package state

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/code-payments/purchase-bridge/event"
	"github.com/code-payments/purchase-bridge/model"
)

type Topic uint8

const (
	TopicUnknown Topic = iota
	TopicCatalog
	TopicPurchased
	TopicConnection
)

func (t Topic) String() string {
	switch t {
	case TopicCatalog:
		return "catalog"
	case TopicPurchased:
		return "purchased"
	case TopicConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable view of the cache. Callers must not modify the
// products it holds.
type Snapshot struct {
	Connected bool

	AvailableSubscriptions []*model.Product
	AvailableOneTime       []*model.Product
	PurchasedSubscriptions []*model.Product
	PurchasedOneTime       []*model.Product

	// Unresolved holds owned product ids the current catalog does not list.
	// They are projected as soon as a catalog containing them arrives.
	Unresolved []string
}

// Product looks up id in the available projections.
func (s *Snapshot) Product(id string) (*model.Product, bool) {
	for _, products := range [][]*model.Product{s.AvailableSubscriptions, s.AvailableOneTime} {
		for _, p := range products {
			if p.ID == id {
				return p, true
			}
		}
	}
	return nil, false
}

// Cache holds the latest catalog and the products currently owned.
//
// Writers are serialized by a mutex; readers load the current snapshot
// without locking, so they never see a catalog and purchased set taken from
// different points in time.
type Cache struct {
	bus *event.Bus[Topic, *Snapshot]

	mu      sync.Mutex
	catalog []*model.Product
	owned   map[string]struct{}

	current atomic.Pointer[Snapshot]
}

func NewCache() *Cache {
	c := &Cache{
		bus:   event.NewBus[Topic, *Snapshot](),
		owned: make(map[string]struct{}),
	}
	c.current.Store(c.projectLocked(false))
	return c
}

// AddHandler registers h for every published change. Handlers run on the
// mutating goroutine, in mutation order.
func (c *Cache) AddHandler(h event.Handler[Topic, *Snapshot]) {
	c.bus.AddHandler(h)
}

func (c *Cache) Snapshot() *Snapshot {
	return c.current.Load()
}

// SetCatalog replaces the catalog wholesale. Products of an unknown kind are
// dropped.
func (c *Cache) SetCatalog(products []*model.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{}, len(products))
	catalog := make([]*model.Product, 0, len(products))
	for _, p := range products {
		if p == nil || !p.Kind.Valid() {
			continue
		}
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		catalog = append(catalog, p.Clone())
	}
	c.catalog = catalog

	prev := c.current.Load()
	next := c.projectLocked(prev.Connected)
	c.current.Store(next)

	c.bus.OnEvent(TopicCatalog, next)
	// Owned products carry catalog details, so they are republished whenever
	// either side of the replacement had any.
	if hasPurchased(prev) || hasPurchased(next) {
		c.bus.OnEvent(TopicPurchased, next)
	}
}

// SetPurchased replaces the set of owned product ids. The purchased
// projections become exactly the catalog products whose id is in ids.
func (c *Cache) SetPurchased(ids map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	owned := make(map[string]struct{}, len(ids))
	for id := range ids {
		owned[id] = struct{}{}
	}
	c.owned = owned

	next := c.projectLocked(c.current.Load().Connected)
	c.current.Store(next)

	c.bus.OnEvent(TopicPurchased, next)
}

func (c *Cache) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.current.Load()
	if prev.Connected == connected {
		return
	}

	next := *prev
	next.Connected = connected
	c.current.Store(&next)

	c.bus.OnEvent(TopicConnection, &next)
}

func (c *Cache) projectLocked(connected bool) *Snapshot {
	snapshot := &Snapshot{
		Connected:              connected,
		AvailableSubscriptions: []*model.Product{},
		AvailableOneTime:       []*model.Product{},
		PurchasedSubscriptions: []*model.Product{},
		PurchasedOneTime:       []*model.Product{},
	}

	resolved := make(map[string]struct{}, len(c.owned))
	for _, p := range c.catalog {
		_, isOwned := c.owned[p.ID]
		if isOwned {
			resolved[p.ID] = struct{}{}
		}

		switch p.Kind {
		case model.KindSubscription:
			snapshot.AvailableSubscriptions = append(snapshot.AvailableSubscriptions, p)
			if isOwned {
				snapshot.PurchasedSubscriptions = append(snapshot.PurchasedSubscriptions, p)
			}
		case model.KindOneTime:
			snapshot.AvailableOneTime = append(snapshot.AvailableOneTime, p)
			if isOwned {
				snapshot.PurchasedOneTime = append(snapshot.PurchasedOneTime, p)
			}
		}
	}

	for id := range c.owned {
		if _, ok := resolved[id]; !ok {
			snapshot.Unresolved = append(snapshot.Unresolved, id)
		}
	}
	sort.Strings(snapshot.Unresolved)

	return snapshot
}

func hasPurchased(s *Snapshot) bool {
	return len(s.PurchasedSubscriptions) > 0 || len(s.PurchasedOneTime) > 0
}
