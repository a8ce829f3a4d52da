package workflow

import (
	"context"

	"github.com/mmdatafocus/sellerledger_backend/config"
	"github.com/mmdatafocus/sellerledger_backend/models"
	"github.com/mmdatafocus/sellerledger_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ReceiveStock appends a receipt layer for an inbound batch. FIFO SKUs get a
// new consumable layer; AVG SKUs additionally roll their snapshot forward with
// the batch's qty and value, which re-blends the average.
func ReceiveStock(ctx context.Context, logger *logrus.Logger, input *models.NewReceiptLayer) (*models.ReceiptLayer, error) {
	ownerId, ok := utils.GetOwnerIdFromContext(ctx)
	if !ok || ownerId == "" {
		return nil, models.ErrOwnerIdRequired
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}

	db := config.GetDB()
	var layer *models.ReceiptLayer
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireSkuAllocationLock(tx, ownerId, input.Sku); err != nil {
			return err
		}
		defer ReleaseSkuAllocationLock(tx, ownerId, input.Sku)

		item, err := models.GetInventoryItemTx(tx, ownerId, input.Sku)
		if err != nil {
			return err
		}
		if item.IsBundle != nil && *item.IsBundle {
			return models.ErrBundleNotStockable
		}

		layer = &models.ReceiptLayer{
			OwnerId:      ownerId,
			Sku:          input.Sku,
			ReceivedAt:   input.ReceivedAt,
			QtyReceived:  input.Qty,
			QtyRemaining: input.Qty,
			UnitCost:     input.UnitCost,
			IsVoided:     utils.NewFalse(),
			Reference:    input.Reference,
		}
		if err := tx.Create(layer).Error; err != nil {
			return err
		}

		if item.CostingMethod == models.CostingMethodAvg {
			value := input.Qty.Mul(input.UnitCost).Round(4)
			if _, err := models.RollSnapshotForward(tx, ownerId, input.Sku, input.ReceivedAt, input.Qty, value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		err = classifyDBError(err)
		config.LogError(logger, "workflow", "ReceiveStock", "receive failed", input, err)
		return nil, err
	}
	return layer, nil
}
