package models

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/sellerledger_backend/config"
	"github.com/mmdatafocus/sellerledger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// maxBundleDepth bounds expansion recursion. The catalog rejects cycles at
// write time, so hitting this limit means corrupted data, not bad input.
const maxBundleDepth = 8

// ComponentRequirement is one (component SKU, quantity) pair produced by
// exploding an order line.
type ComponentRequirement struct {
	Sku string          `json:"sku"`
	Qty decimal.Decimal `json:"qty"`
}

// ExplodeBundle expands a seller SKU into base component requirements.
// Non-bundle SKUs pass through unchanged. Side-effect free.
func ExplodeBundle(ctx context.Context, sku string, qty decimal.Decimal) ([]ComponentRequirement, error) {
	ownerId, ok := utils.GetOwnerIdFromContext(ctx)
	if !ok || ownerId == "" {
		return nil, ErrOwnerIdRequired
	}
	return ExplodeBundleTx(config.GetDB().WithContext(ctx), ownerId, sku, qty)
}

// ExplodeBundleTx is the transactional variant used inside posting flows.
func ExplodeBundleTx(tx *gorm.DB, ownerId, sku string, qty decimal.Decimal) ([]ComponentRequirement, error) {
	if !qty.IsPositive() {
		return nil, fmt.Errorf("explode %s: qty must be positive", sku)
	}

	// Accumulate per component SKU so a bundle listing the same base SKU via
	// two paths still yields one requirement.
	acc := make(map[string]decimal.Decimal)
	order := make([]string, 0)

	var expand func(sku string, qty decimal.Decimal, depth int) error
	expand = func(sku string, qty decimal.Decimal, depth int) error {
		if depth > maxBundleDepth {
			return ErrBundleCycleDetected
		}

		item, err := GetInventoryItemTx(tx, ownerId, sku)
		if err != nil {
			return err
		}
		if item.IsBundle == nil || !*item.IsBundle {
			if _, seen := acc[sku]; !seen {
				order = append(order, sku)
			}
			acc[sku] = acc[sku].Add(qty)
			return nil
		}

		var components []*BundleComponent
		if err := tx.
			Where("owner_id = ? AND bundle_sku = ?", ownerId, sku).
			Order("component_sku ASC").
			Find(&components).Error; err != nil {
			return err
		}
		if len(components) == 0 {
			return fmt.Errorf("bundle %s has no components", sku)
		}
		for _, c := range components {
			if err := expand(c.ComponentSku, qty.Mul(c.Multiplier), depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	if err := expand(sku, qty, 0); err != nil {
		return nil, err
	}

	result := make([]ComponentRequirement, 0, len(order))
	for _, s := range order {
		result = append(result, ComponentRequirement{Sku: s, Qty: acc[s]})
	}
	return result, nil
}
