package memory

import (
	"context"
	"strings"

	"github.com/xenking/kart-checkout/internal/domain/catalog"
	"github.com/xenking/kart-checkout/internal/domain/voucher"
)

// GetVariants returns the variants that exist among ids.
func (s *Store) GetVariants(_ context.Context, ids []string) ([]catalog.Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]catalog.Variant, 0, len(ids))
	for _, id := range ids {
		if v, ok := s.variants[id]; ok {
			out = append(out, *v)
		}
	}
	return out, nil
}

// GetStore returns a store by ID.
func (s *Store) GetStore(_ context.Context, id string) (*catalog.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stores[id]
	if !ok {
		return nil, catalog.ErrStoreNotFound
	}
	c := *st
	return &c, nil
}

// FindByCode returns the voucher with a case-insensitively matching code,
// preferring the store's own voucher, then a platform-wide one.
func (s *Store) FindByCode(_ context.Context, code, storeID string) (*voucher.Voucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best *voucher.Voucher
		rank = 3
	)
	for _, v := range s.vouchers {
		if !strings.EqualFold(v.Code, code) {
			continue
		}
		r := scopeRank(v, storeID)
		if r < rank || (r == rank && v.ID < best.ID) {
			best, rank = v, r
		}
	}
	if best == nil {
		return nil, voucher.ErrVoucherNotFound
	}
	c := *best
	return &c, nil
}

func scopeRank(v *voucher.Voucher, storeID string) int {
	switch {
	case v.StoreID == storeID && storeID != "":
		return 0
	case v.PlatformWide():
		return 1
	default:
		return 2
	}
}
