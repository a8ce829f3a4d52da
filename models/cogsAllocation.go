package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/sellerledger_backend/config"
	"github.com/mmdatafocus/sellerledger_backend/utils"
	"github.com/shopspring/decimal"
)

// CogsAllocation attributes a cost to a shipped order line, immutably.
// One non-reversal row per (owner, order, sku); a reversal is a paired row
// with is_reversal=true, never an edit. For FIFO the per-layer draw detail
// lives in CogsAllocationLayer so a reversal can restore exactly what each
// layer gave up; unit_cost_used on the header is the draw-weighted cost and
// amount is the exact sum of draw qty x draw cost.
//
// Downstream profit reporting reads this stream and must never re-derive cost
// from raw layers.
type CogsAllocation struct {
	ID           int             `gorm:"primary_key" json:"id"`
	OwnerId      string          `gorm:"size:64;not null;index:idx_alloc_owner_order_sku,priority:1;index:uniq_alloc_live,unique,priority:1" json:"owner_id"`
	OrderId      string          `gorm:"size:100;not null;index:idx_alloc_owner_order_sku,priority:2;index:uniq_alloc_live,unique,priority:2" json:"order_id"`
	Sku          string          `gorm:"size:100;not null;index:idx_alloc_owner_order_sku,priority:3;index:idx_alloc_owner_sku_shipped,priority:2;index:uniq_alloc_live,unique,priority:3" json:"sku"`
	ShippedAt    time.Time       `gorm:"not null;index:idx_alloc_owner_sku_shipped,priority:3" json:"shipped_at"`
	Method       CostingMethod   `gorm:"type:enum('FIFO','AVG');not null" json:"method"`
	Qty          decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty"`
	UnitCostUsed decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"unit_cost_used"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	// Live is true on the single active row per (owner, order, sku) and NULL
	// on reversals and reversed originals. MySQL unique indexes ignore NULLs,
	// so uniq_alloc_live admits unlimited history rows but refuses a second
	// live insert even when the advisory lock's check-then-insert is split by
	// a commit-window race.
	Live *bool `gorm:"index:uniq_alloc_live,unique,priority:4" json:"-"`
	// LayerId is set only for FIFO allocations drawn from a single layer;
	// multi-layer draws are enumerated in cogs_allocation_layers.
	LayerId                *int      `gorm:"index" json:"layer_id"`
	IsReversal             bool      `gorm:"not null;default:false;index" json:"is_reversal"`
	ReversesAllocationId   *int      `gorm:"index" json:"reverses_allocation_id"`
	ReversedByAllocationId *int       `gorm:"index" json:"reversed_by_allocation_id"`
	ReversalReason         *string    `gorm:"size:255" json:"reversal_reason"`
	ReversedAt             *time.Time `json:"reversed_at"`
	CorrelationId          string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// CogsAllocationLayer records how much one FIFO allocation drew from one layer.
type CogsAllocationLayer struct {
	ID           int             `gorm:"primary_key" json:"id"`
	AllocationId int             `gorm:"not null;index" json:"allocation_id"`
	LayerId      int             `gorm:"not null;index" json:"layer_id"`
	Qty          decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty"`
	UnitCost     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_cost"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// GetAllocationsByOrder lists allocation rows (reversals included) for an order.
func GetAllocationsByOrder(ctx context.Context, orderId string) ([]*CogsAllocation, error) {
	ownerId, ok := utils.GetOwnerIdFromContext(ctx)
	if !ok || ownerId == "" {
		return nil, ErrOwnerIdRequired
	}
	db := config.GetDB()
	var rows []*CogsAllocation
	err := db.WithContext(ctx).
		Where("owner_id = ? AND order_id = ?", ownerId, orderId).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GetAllocationsBySkuAndRange is the reporting read: append-only stream
// filtered by SKU and shipped-at window.
func GetAllocationsBySkuAndRange(ctx context.Context, sku string, from, to time.Time) ([]*CogsAllocation, error) {
	ownerId, ok := utils.GetOwnerIdFromContext(ctx)
	if !ok || ownerId == "" {
		return nil, ErrOwnerIdRequired
	}
	db := config.GetDB()
	var rows []*CogsAllocation
	err := db.WithContext(ctx).
		Where("owner_id = ? AND sku = ? AND shipped_at >= ? AND shipped_at < ?", ownerId, sku, from, to).
		Order("shipped_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
