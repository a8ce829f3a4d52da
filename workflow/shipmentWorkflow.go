package workflow

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/mmdatafocus/sellerledger_backend/config"
	"github.com/mmdatafocus/sellerledger_backend/models"
	"github.com/mmdatafocus/sellerledger_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const shipmentHandlerName = "cogs-allocation"

// ProcessShipmentMessage is the shipped-event entry point. It explodes the
// seller SKU into components, allocates COGS for every component in ONE
// transaction (all-or-nothing per message), marks the order line shipped, and
// emits allocation-recorded events after commit.
//
// Redelivery is safe twice over: the durable idempotency key short-circuits a
// replay, and the per-(order, sku) allocation check inside the transaction
// catches anything that slips past it.
func ProcessShipmentMessage(ctx context.Context, logger *logrus.Logger, msg *config.ShipmentMessage, messageId string) error {
	if msg.OwnerId == "" {
		return models.ErrOwnerIdRequired
	}
	ctx = utils.SetOwnerIdInContext(ctx, msg.OwnerId)
	if msg.CorrelationId != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, msg.CorrelationId)
	}

	db := config.GetDB()
	skip, err := BeginIdempotency(db.WithContext(ctx), msg.OwnerId, shipmentHandlerName, messageId)
	if err != nil {
		return err
	}
	if skip {
		logger.WithFields(logrus.Fields{
			"ownerId":   msg.OwnerId,
			"orderId":   msg.OrderId,
			"messageId": messageId,
		}).Info("shipment message already processed, skipping")
		return nil
	}

	allocations, err := allocateShipment(ctx, logger, msg)
	if isDuplicateKeyErr(err) {
		// A concurrent delivery committed the same (order, sku) in the window
		// between our existence check and insert; the live unique index
		// rejected ours. Its rows are committed now, so a second pass skips
		// them and finishes any components the winner did not cover.
		allocations, err = allocateShipment(ctx, logger, msg)
	}
	if err != nil {
		_ = MarkIdempotencyFailed(db.WithContext(ctx), msg.OwnerId, shipmentHandlerName, messageId, err)
		config.LogError(logger, "workflow", "ProcessShipmentMessage", "shipment allocation failed", msg, err)
		return err
	}
	if err := MarkIdempotencySucceeded(db.WithContext(ctx), msg.OwnerId, shipmentHandlerName, messageId); err != nil {
		return err
	}

	// Post-commit, best effort. A publish failure never un-ships the order.
	for _, alloc := range allocations {
		publishAllocationEvent(ctx, logger, alloc)
	}
	return nil
}

// allocateShipment runs the explode-then-allocate pipeline in one transaction.
// Components are allocated in SKU order so two concurrent bundle shipments
// acquire their per-SKU locks in the same sequence.
func allocateShipment(ctx context.Context, logger *logrus.Logger, msg *config.ShipmentMessage) ([]*models.CogsAllocation, error) {
	db := config.GetDB()
	var allocations []*models.CogsAllocation

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		components, err := models.ExplodeBundleTx(tx, msg.OwnerId, msg.Sku, msg.Qty)
		if err != nil {
			if errors.Is(err, models.ErrBundleCycleDetected) {
				// Catalog writes validate the graph, so a cycle reaching this
				// point is corrupted data. Redelivery cannot fix it.
				return &InvariantViolationError{Detail: "bundle expansion for " + msg.Sku + " exceeded depth limit"}
			}
			return err
		}
		sort.Slice(components, func(i, j int) bool { return components[i].Sku < components[j].Sku })

		for _, c := range components {
			if err := AcquireSkuAllocationLock(tx, msg.OwnerId, c.Sku); err != nil {
				return err
			}
			defer ReleaseSkuAllocationLock(tx, msg.OwnerId, c.Sku)
		}

		for _, c := range components {
			alloc, already, err := allocateCogsTx(tx, logger, msg.OwnerId, &AllocationRequest{
				OrderId:       msg.OrderId,
				Sku:           c.Sku,
				Qty:           c.Qty,
				ShippedAt:     msg.ShippedAt,
				CorrelationId: msg.CorrelationId,
			})
			if err != nil {
				return err
			}
			// Replayed components were published on their first commit.
			if !already {
				allocations = append(allocations, alloc)
			}
		}

		return markOrderLineShipped(tx, msg)
	})
	if err != nil {
		return nil, classifyDBError(err)
	}
	return allocations, nil
}

// markOrderLineShipped flips the matching pending line to SHIPPED, which
// releases its reservation. Zero rows is fine: order sync may lag the
// shipment feed, and reservations for shipped lines already exclude by
// shipped_at once the sync catches up.
func markOrderLineShipped(tx *gorm.DB, msg *config.ShipmentMessage) error {
	shippedAt := msg.ShippedAt
	if shippedAt.IsZero() {
		shippedAt = time.Now().UTC()
	}
	return tx.Model(&models.OrderLine{}).
		Where("owner_id = ? AND order_id = ? AND seller_sku = ? AND status_group = ? AND shipped_at IS NULL",
			msg.OwnerId, msg.OrderId, msg.Sku, models.OrderStatusGroupPending).
		Updates(map[string]interface{}{
			"status_group": models.OrderStatusGroupShipped,
			"shipped_at":   shippedAt,
		}).Error
}

func publishAllocationEvent(ctx context.Context, logger *logrus.Logger, alloc *models.CogsAllocation) {
	_, err := config.PublishAllocationRecorded(ctx, config.AllocationMessage{
		OwnerId:       alloc.OwnerId,
		AllocationId:  alloc.ID,
		OrderId:       alloc.OrderId,
		Sku:           alloc.Sku,
		Method:        string(alloc.Method),
		Qty:           alloc.Qty.String(),
		UnitCostUsed:  alloc.UnitCostUsed.String(),
		Amount:        alloc.Amount.String(),
		IsReversal:    alloc.IsReversal,
		ShippedAt:     alloc.ShippedAt,
		CorrelationId: alloc.CorrelationId,
	})
	if err != nil {
		config.LogError(logger, "workflow", "publishAllocationEvent", "publish allocation event failed",
			map[string]interface{}{"allocationId": alloc.ID}, err)
	}
}
