// Package memory implements the checkout persistence ports in process
// memory. A single mutex serializes every operation, which makes each call
// atomic.
package memory

import (
	"sync"
	"time"

	"github.com/xenking/kart-checkout/internal/domain/catalog"
	"github.com/xenking/kart-checkout/internal/domain/notify"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/stock"
	"github.com/xenking/kart-checkout/internal/domain/voucher"
)

type reservation struct {
	line     stock.Line
	released bool
}

type outboxEntry struct {
	msg       notify.Message
	sent      bool
	dead      bool
	lastError string
	// dueAt is when the message may next be claimed.
	dueAt time.Time
}

// Store holds catalog, voucher, order and outbox state.
type Store struct {
	mu sync.Mutex

	variants     map[string]*catalog.Variant
	stores       map[string]*catalog.Store
	vouchers     map[string]*voucher.Voucher
	orders       map[string]*order.Order
	numbers      map[string]string
	events       map[string]map[string]struct{}
	transitions  map[string][]order.Transition
	reservations map[string][]*reservation
	outbox       []*outboxEntry

	sessions       map[string]*payment.Session
	sessionByOrder map[string]string

	now func() time.Time
}

var (
	_ catalog.Reader     = (*Store)(nil)
	_ stock.Ledger       = (*Store)(nil)
	_ voucher.Repository = (*Store)(nil)
	_ order.Repository   = (*Store)(nil)
	_ notify.Outbox      = (*Store)(nil)
	_ payment.Repository = (*Payments)(nil)
)

// New creates an empty Store.
func New() *Store {
	return &Store{
		variants:       make(map[string]*catalog.Variant),
		stores:         make(map[string]*catalog.Store),
		vouchers:       make(map[string]*voucher.Voucher),
		orders:         make(map[string]*order.Order),
		numbers:        make(map[string]string),
		events:         make(map[string]map[string]struct{}),
		transitions:    make(map[string][]order.Transition),
		reservations:   make(map[string][]*reservation),
		sessions:       make(map[string]*payment.Session),
		sessionByOrder: make(map[string]string),
		now:            time.Now,
	}
}

// PutVariant inserts or replaces a variant.
func (s *Store) PutVariant(v catalog.Variant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variants[v.ID] = &v
}

// PutStore inserts or replaces a store.
func (s *Store) PutStore(st catalog.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[st.ID] = &st
}

// PutVoucher inserts or replaces a voucher.
func (s *Store) PutVoucher(v voucher.Voucher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vouchers[v.ID] = &v
}

// Voucher returns a copy of the voucher with id.
func (s *Store) Voucher(id string) (voucher.Voucher, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vouchers[id]
	if !ok {
		return voucher.Voucher{}, false
	}
	return *v, true
}

// Stock returns the current stock of a variant.
func (s *Store) Stock(variantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.variants[variantID]; ok {
		return v.Stock
	}
	return 0
}

// OrderCount returns the number of stored orders.
func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// Payments returns the payment session repository backed by s.
func (s *Store) Payments() *Payments {
	return &Payments{s: s}
}

func copyOrder(o *order.Order) *order.Order {
	c := *o
	c.Items = append([]order.Item(nil), o.Items...)
	if o.VoucherID != nil {
		id := *o.VoucherID
		c.VoucherID = &id
	}
	return &c
}
