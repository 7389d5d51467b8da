package catalog

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrStoreNotFound is returned when a store referenced by a variant does not exist.
var ErrStoreNotFound = errors.New("store not found")

// VariantNotFoundError indicates a requested variant does not exist.
type VariantNotFoundError struct {
	VariantID string
}

func (e *VariantNotFoundError) Error() string {
	return fmt.Sprintf("variant %s not found", e.VariantID)
}

// Variant is a purchasable SKU as seen at the moment of the read.
type Variant struct {
	ID          string
	ProductID   string
	StoreID     string
	Name        string
	Price       decimal.Decimal
	Stock       int
	WeightGrams int
	LengthCM    int
	WidthCM     int
	HeightCM    int
}

// Store holds the shipping origin of a seller.
type Store struct {
	ID           string
	Name         string
	OriginAreaID string
	Latitude     *float64
	Longitude    *float64
}

// Reader defines read operations for the catalog snapshot used by checkout.
type Reader interface {
	GetVariants(ctx context.Context, ids []string) ([]Variant, error)
	GetStore(ctx context.Context, id string) (*Store, error)
}

// Snapshot reads the given variants in one batch and returns them keyed by
// ID. The first requested ID missing from the result yields a
// *VariantNotFoundError.
func Snapshot(ctx context.Context, r Reader, ids []string) (map[string]Variant, error) {
	fetched, err := r.GetVariants(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get variants")
	}

	byID := make(map[string]Variant, len(fetched))
	for _, v := range fetched {
		byID[v.ID] = v
	}
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			return nil, &VariantNotFoundError{VariantID: id}
		}
	}
	return byID, nil
}
