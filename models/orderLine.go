package models

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/sellerledger_backend/config"
	"github.com/mmdatafocus/sellerledger_backend/utils"
	"github.com/shopspring/decimal"
)

// OrderLine mirrors the order-management view this engine needs: enough to
// verify ownership of an order and to compute reservations. Order lifecycle
// itself is owned elsewhere; these rows are synced in by order management.
type OrderLine struct {
	ID          int              `gorm:"primary_key" json:"id"`
	OwnerId     string           `gorm:"size:64;not null;index:idx_line_owner_order,priority:1;index:idx_line_owner_status,priority:1" json:"owner_id"`
	OrderId     string           `gorm:"size:100;not null;index:idx_line_owner_order,priority:2" json:"order_id"`
	SellerSku   string           `gorm:"size:100;not null;index" json:"seller_sku"`
	Qty         decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"qty"`
	ShippedAt   *time.Time       `gorm:"index" json:"shipped_at"`
	StatusGroup OrderStatusGroup `gorm:"type:enum('PENDING','SHIPPED','CANCELLED');default:'PENDING';index:idx_line_owner_status,priority:2" json:"status_group"`
	CreatedAt   time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewOrderLine struct {
	OrderId   string          `json:"order_id" validate:"required,max=100"`
	SellerSku string          `json:"seller_sku" validate:"required,max=100"`
	Qty       decimal.Decimal `json:"qty"`
}

func CreateOrderLine(ctx context.Context, input *NewOrderLine) (*OrderLine, error) {
	ownerId, ok := utils.GetOwnerIdFromContext(ctx)
	if !ok || ownerId == "" {
		return nil, ErrOwnerIdRequired
	}
	if err := validate.Struct(input); err != nil {
		return nil, err
	}
	if !input.Qty.IsPositive() {
		return nil, fmt.Errorf("order line qty must be positive")
	}

	line := OrderLine{
		OwnerId:     ownerId,
		OrderId:     input.OrderId,
		SellerSku:   input.SellerSku,
		Qty:         input.Qty,
		StatusGroup: OrderStatusGroupPending,
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&line).Error; err != nil {
		return nil, err
	}
	return &line, nil
}

func CancelOrderLine(ctx context.Context, id int) error {
	ownerId, ok := utils.GetOwnerIdFromContext(ctx)
	if !ok || ownerId == "" {
		return ErrOwnerIdRequired
	}
	db := config.GetDB()
	res := db.WithContext(ctx).Model(&OrderLine{}).
		Where("owner_id = ? AND id = ? AND shipped_at IS NULL", ownerId, id).
		Update("status_group", OrderStatusGroupCancelled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}
