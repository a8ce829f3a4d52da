package models

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/sellerledger_backend/config"
	"github.com/mmdatafocus/sellerledger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReceiptLayer is one inbound batch of stock carrying its own unit cost.
// Layers are append-only: consumption decrements qty_remaining, reversal
// increments it back (never above qty_received), voiding flags the layer out
// of consumption while keeping it for audit. Rows are never deleted.
//
// qty_remaining is mutated ONLY by the workflow package inside its allocation
// transaction. Everything else reads.
type ReceiptLayer struct {
	ID           int             `gorm:"primary_key" json:"id"`
	OwnerId      string          `gorm:"size:64;not null;index:idx_layer_owner_sku_received,priority:1" json:"owner_id"`
	Sku          string          `gorm:"size:100;not null;index:idx_layer_owner_sku_received,priority:2" json:"sku"`
	ReceivedAt   time.Time       `gorm:"not null;index:idx_layer_owner_sku_received,priority:3" json:"received_at"`
	QtyReceived  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty_received"`
	QtyRemaining decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty_remaining"`
	UnitCost     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_cost"`
	IsVoided     *bool           `gorm:"not null;default:false;index" json:"is_voided"`
	Reference    string          `gorm:"size:100" json:"reference"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeSave enforces internal invariants for the receipt ledger.
// A violation here means a bug upstream; refusing the write is the whole point.
func (l *ReceiptLayer) BeforeSave(tx *gorm.DB) error {
	_ = tx // signature required by gorm; tx may be nil in tests
	if l == nil {
		return nil
	}
	if l.IsVoided == nil {
		l.IsVoided = utils.NewFalse()
	}
	if l.QtyRemaining.IsNegative() {
		return fmt.Errorf("receipt layer %d (%s): qty_remaining would become negative (%s)", l.ID, l.Sku, l.QtyRemaining)
	}
	if l.QtyRemaining.GreaterThan(l.QtyReceived) {
		return fmt.Errorf("receipt layer %d (%s): qty_remaining %s exceeds qty_received %s", l.ID, l.Sku, l.QtyRemaining, l.QtyReceived)
	}
	if l.UnitCost.IsNegative() {
		return fmt.Errorf("receipt layer %d (%s): unit_cost must not be negative", l.ID, l.Sku)
	}
	return nil
}

type NewReceiptLayer struct {
	Sku        string          `json:"sku" validate:"required,max=100"`
	ReceivedAt time.Time       `json:"received_at" validate:"required"`
	Qty        decimal.Decimal `json:"qty"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	Reference  string          `json:"reference" validate:"max=100"`
}

func (input *NewReceiptLayer) Validate() error {
	if err := validate.Struct(input); err != nil {
		return err
	}
	if !input.Qty.IsPositive() {
		return fmt.Errorf("receipt qty must be positive")
	}
	if input.UnitCost.IsNegative() {
		return fmt.Errorf("receipt unit cost must not be negative")
	}
	return nil
}

// GetReceiptLayers lists a SKU's layers oldest first (audit/read view).
func GetReceiptLayers(ctx context.Context, sku string) ([]*ReceiptLayer, error) {
	ownerId, ok := utils.GetOwnerIdFromContext(ctx)
	if !ok || ownerId == "" {
		return nil, ErrOwnerIdRequired
	}
	db := config.GetDB()
	var layers []*ReceiptLayer
	err := db.WithContext(ctx).
		Where("owner_id = ? AND sku = ?", ownerId, sku).
		Order("received_at ASC, id ASC").
		Find(&layers).Error
	if err != nil {
		return nil, err
	}
	return layers, nil
}

// LockReceiptLayersForConsumption reads a SKU's consumable layers oldest first
// and locks them FOR UPDATE for the duration of tx. Ordering ties break on id
// so two workers always see the same sequence.
func LockReceiptLayersForConsumption(tx *gorm.DB, ownerId, sku string) ([]*ReceiptLayer, error) {
	var layers []*ReceiptLayer
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner_id = ? AND sku = ? AND is_voided = 0 AND qty_remaining > 0", ownerId, sku).
		Order("received_at ASC, id ASC").
		Find(&layers).Error
	if err != nil {
		return nil, err
	}
	return layers, nil
}

// FifoOnHandQty sums remaining quantity across non-voided layers.
func FifoOnHandQty(tx *gorm.DB, ownerId, sku string) (decimal.Decimal, error) {
	var onHand decimal.Decimal
	err := tx.Model(&ReceiptLayer{}).
		Where("owner_id = ? AND sku = ? AND is_voided = 0", ownerId, sku).
		Select("COALESCE(SUM(qty_remaining), 0)").
		Scan(&onHand).Error
	return onHand, err
}
