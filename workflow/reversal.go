package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/sellerledger_backend/config"
	"github.com/mmdatafocus/sellerledger_backend/models"
	"github.com/mmdatafocus/sellerledger_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReverseAllocation appends a reversal row for one allocation and restores the
// stock it consumed.
//
// This preserves auditability by never deleting or editing the original row:
// the reversal is a second, negating row, and the original is stamped with
// reversed_by_allocation_id so it cannot be reversed twice. FIFO restores
// exactly the per-layer draws the original recorded; AVG credits the current
// snapshot at today's average position.
func ReverseAllocation(ctx context.Context, logger *logrus.Logger, allocationId int, reason string) (*models.CogsAllocation, error) {
	ownerId, ok := utils.GetOwnerIdFromContext(ctx)
	if !ok || ownerId == "" {
		return nil, models.ErrOwnerIdRequired
	}

	db := config.GetDB()
	var reversal *models.CogsAllocation
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var orig models.CogsAllocation
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", allocationId).
			First(&orig).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrOwnershipMismatch
		}
		if err != nil {
			return err
		}
		// Cross-owner lookups answer exactly like missing rows.
		if orig.OwnerId != ownerId {
			return ErrOwnershipMismatch
		}
		if orig.IsReversal {
			return ErrNotReversible
		}
		if orig.ReversedByAllocationId != nil && *orig.ReversedByAllocationId > 0 {
			return ErrAlreadyReversed
		}

		if err := AcquireSkuAllocationLock(tx, ownerId, orig.Sku); err != nil {
			return err
		}
		defer ReleaseSkuAllocationLock(tx, ownerId, orig.Sku)

		switch orig.Method {
		case models.CostingMethodFifo:
			if err := restoreFifoLayers(tx, &orig); err != nil {
				return err
			}
		case models.CostingMethodAvg:
			// Credit at the original amount so net ledger value returns to
			// where it was; the snapshot's average re-derives from the blend.
			if _, err := models.RollSnapshotForward(tx, ownerId, orig.Sku, time.Now().UTC(), orig.Qty, orig.Amount); err != nil {
				return err
			}
		default:
			return fmt.Errorf("allocation %d has unknown method %q", orig.ID, orig.Method)
		}

		now := time.Now().UTC()
		reasonCopy := reason
		rev := &models.CogsAllocation{
			OwnerId:              orig.OwnerId,
			OrderId:              orig.OrderId,
			Sku:                  orig.Sku,
			ShippedAt:            orig.ShippedAt,
			Method:               orig.Method,
			Qty:                  orig.Qty.Neg(),
			UnitCostUsed:         orig.UnitCostUsed,
			Amount:               orig.Amount.Neg(),
			LayerId:              orig.LayerId,
			IsReversal:           true,
			ReversesAllocationId: &orig.ID,
			ReversalReason:       &reasonCopy,
			CorrelationId:        orig.CorrelationId,
		}
		if err := tx.Create(rev).Error; err != nil {
			return err
		}

		// Mark original reversed (metadata-only update). Nulling live frees
		// the uniq_alloc_live slot so a corrected allocation can be recorded.
		if err := tx.Model(&models.CogsAllocation{}).
			Where("id = ?", orig.ID).
			Updates(map[string]interface{}{
				"reversed_by_allocation_id": rev.ID,
				"reversal_reason":           &reasonCopy,
				"reversed_at":               &now,
				"live":                      nil,
			}).Error; err != nil {
			return err
		}

		reversal = rev
		return nil
	})
	if err != nil {
		err = classifyDBError(err)
		config.LogError(logger, "workflow", "ReverseAllocation", "reversal failed",
			map[string]interface{}{"allocationId": allocationId, "reason": reason}, err)
		return nil, err
	}
	return reversal, nil
}

// restoreFifoLayers puts back every draw the original allocation recorded.
// A restore that would push a layer above qty_received means the ledger
// disagrees with its own history; that is fatal, not retryable.
func restoreFifoLayers(tx *gorm.DB, orig *models.CogsAllocation) error {
	var draws []*models.CogsAllocationLayer
	if err := tx.
		Where("allocation_id = ?", orig.ID).
		Order("id ASC").
		Find(&draws).Error; err != nil {
		return err
	}
	if len(draws) == 0 {
		return &InvariantViolationError{
			Detail: fmt.Sprintf("fifo allocation %d has no layer draws to restore", orig.ID),
		}
	}

	for _, d := range draws {
		res := tx.Model(&models.ReceiptLayer{}).
			Where("id = ? AND owner_id = ? AND qty_remaining + ? <= qty_received", d.LayerId, orig.OwnerId, d.Qty).
			Update("qty_remaining", gorm.Expr("qty_remaining + ?", d.Qty))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return &InvariantViolationError{
				Detail: fmt.Sprintf("restoring %s to layer %d would exceed qty_received", d.Qty, d.LayerId),
			}
		}
	}
	return nil
}
