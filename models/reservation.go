package models

import (
	"context"

	"github.com/mmdatafocus/sellerledger_backend/config"
	"github.com/mmdatafocus/sellerledger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ReservedQty computes stock committed to open orders for one component SKU:
// every unshipped, uncancelled order line, exploded to components, summed.
// Derived on demand, never stored, so it cannot drift from the order lines it
// is based on.
func ReservedQty(ctx context.Context, sku string) (decimal.Decimal, error) {
	ownerId, ok := utils.GetOwnerIdFromContext(ctx)
	if !ok || ownerId == "" {
		return decimal.Zero, ErrOwnerIdRequired
	}
	return ReservedQtyTx(config.GetDB().WithContext(ctx), ownerId, sku)
}

func ReservedQtyTx(tx *gorm.DB, ownerId, sku string) (decimal.Decimal, error) {
	// Group open lines by seller SKU first; one explosion per distinct SKU
	// instead of one per line.
	type openLine struct {
		SellerSku string
		Qty       decimal.Decimal
	}
	var lines []openLine
	err := tx.Model(&OrderLine{}).
		Where("owner_id = ? AND status_group <> ? AND shipped_at IS NULL", ownerId, OrderStatusGroupCancelled).
		Select("seller_sku, COALESCE(SUM(qty), 0) AS qty").
		Group("seller_sku").
		Scan(&lines).Error
	if err != nil {
		return decimal.Zero, err
	}

	reserved := decimal.Zero
	for _, line := range lines {
		if !line.Qty.IsPositive() {
			continue
		}
		components, err := ExplodeBundleTx(tx, ownerId, line.SellerSku, line.Qty)
		if err != nil {
			return decimal.Zero, err
		}
		for _, c := range components {
			if c.Sku == sku {
				reserved = reserved.Add(c.Qty)
			}
		}
	}
	return reserved, nil
}

// PhysicalOnHand returns on-hand quantity for a SKU from whichever ledger its
// costing method maintains.
func PhysicalOnHand(ctx context.Context, sku string) (decimal.Decimal, error) {
	ownerId, ok := utils.GetOwnerIdFromContext(ctx)
	if !ok || ownerId == "" {
		return decimal.Zero, ErrOwnerIdRequired
	}
	tx := config.GetDB().WithContext(ctx)
	return PhysicalOnHandTx(tx, ownerId, sku)
}

func PhysicalOnHandTx(tx *gorm.DB, ownerId, sku string) (decimal.Decimal, error) {
	item, err := GetInventoryItemTx(tx, ownerId, sku)
	if err != nil {
		return decimal.Zero, err
	}
	switch item.CostingMethod {
	case CostingMethodAvg:
		snap, err := CurrentCostSnapshot(tx, ownerId, sku, false)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return decimal.Zero, nil
			}
			return decimal.Zero, err
		}
		return snap.OnHandQty, nil
	default:
		return FifoOnHandQty(tx, ownerId, sku)
	}
}

// AvailableToSell is physical on hand minus reserved. A negative result is an
// oversell state: surfaced as-is (and logged) so channel sync can react, never
// clamped to zero.
func AvailableToSell(ctx context.Context, sku string) (decimal.Decimal, error) {
	onHand, err := PhysicalOnHand(ctx, sku)
	if err != nil {
		return decimal.Zero, err
	}
	reserved, err := ReservedQty(ctx, sku)
	if err != nil {
		return decimal.Zero, err
	}
	available := onHand.Sub(reserved)
	if available.IsNegative() {
		ownerId, _ := utils.GetOwnerIdFromContext(ctx)
		config.GetLogger().WithFields(map[string]interface{}{
			"ownerId":   ownerId,
			"sku":       sku,
			"onHand":    onHand.String(),
			"reserved":  reserved.String(),
			"available": available.String(),
		}).Warn("available to sell is negative (oversold)")
	}
	return available, nil
}
