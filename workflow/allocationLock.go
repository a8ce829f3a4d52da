package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireSkuAllocationLock serializes allocation per (owner, sku) across
// instances using MySQL advisory locks. Concurrent shipments of the same SKU
// must not interleave their layer reads and writes; different SKUs proceed in
// parallel.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB transaction that will do the allocation writes.
func AcquireSkuAllocationLock(tx *gorm.DB, ownerId, sku string) error {
	lockName := fmt.Sprintf("alloc:%s:%s", ownerId, sku)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("%w: could not acquire allocation lock for owner=%s sku=%s", ErrContention, ownerId, sku)
	}
	return nil
}

func ReleaseSkuAllocationLock(tx *gorm.DB, ownerId, sku string) {
	lockName := fmt.Sprintf("alloc:%s:%s", ownerId, sku)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
