package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/sellerledger_backend/config"
	"github.com/mmdatafocus/sellerledger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrOwnerIdRequired = errors.New("owner id is required")
	ErrItemNotFound    = errors.New("inventory item not found")

	// ErrBundleCycleDetected is a fatal-invariant error: a bundle must never
	// reference itself, directly or transitively.
	ErrBundleCycleDetected = errors.New("bundle cycle detected")

	// ErrBundleNotStockable: bundles are virtual, only components hold stock.
	ErrBundleNotStockable = errors.New("bundle skus cannot hold stock directly")
)

const itemCacheTTL = 10 * time.Minute

// InventoryItem is the canonical SKU registry entry. Identity (owner_id, sku)
// is immutable; only display attributes are editable.
type InventoryItem struct {
	ID            int           `gorm:"primary_key" json:"id"`
	OwnerId       string        `gorm:"size:64;not null;index:uniq_item_owner_sku,unique" json:"owner_id"`
	Sku           string        `gorm:"size:100;not null;index:uniq_item_owner_sku,unique" json:"sku"`
	Name          string        `gorm:"size:255" json:"name"`
	IsBundle      *bool         `gorm:"not null;default:false" json:"is_bundle"`
	CostingMethod CostingMethod `gorm:"type:enum('FIFO','AVG');default:'FIFO'" json:"costing_method"`
	CreatedAt     time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

// BundleComponent maps one bundle SKU to a fixed multiple of a component SKU.
type BundleComponent struct {
	ID           int             `gorm:"primary_key" json:"id"`
	OwnerId      string          `gorm:"size:64;not null;index:uniq_bundle_component,unique" json:"owner_id"`
	BundleSku    string          `gorm:"size:100;not null;index:uniq_bundle_component,unique" json:"bundle_sku"`
	ComponentSku string          `gorm:"size:100;not null;index:uniq_bundle_component,unique" json:"component_sku"`
	Multiplier   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"multiplier"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewInventoryItem struct {
	Sku           string        `json:"sku" validate:"required,max=100"`
	Name          string        `json:"name" validate:"max=255"`
	IsBundle      *bool         `json:"is_bundle"`
	CostingMethod CostingMethod `json:"costing_method" validate:"required,oneof=FIFO AVG"`
}

type NewBundleComponent struct {
	ComponentSku string          `json:"component_sku" validate:"required,max=100"`
	Multiplier   decimal.Decimal `json:"multiplier"`
}

var validate = validator.New()

func itemCacheKey(ownerId, sku string) string {
	return fmt.Sprintf("InventoryItem:%s:%s", ownerId, sku)
}

func CreateInventoryItem(ctx context.Context, input *NewInventoryItem) (*InventoryItem, error) {
	ownerId, ok := utils.GetOwnerIdFromContext(ctx)
	if !ok || ownerId == "" {
		return nil, ErrOwnerIdRequired
	}
	if err := validate.Struct(input); err != nil {
		return nil, err
	}

	item := InventoryItem{
		OwnerId:       ownerId,
		Sku:           strings.TrimSpace(input.Sku),
		Name:          input.Name,
		IsBundle:      input.IsBundle,
		CostingMethod: input.CostingMethod,
	}
	if item.IsBundle == nil {
		item.IsBundle = utils.NewFalse()
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// UpdateInventoryItemName edits the only soft attribute. Sku, bundle flag and
// costing method are immutable once layers/snapshots/allocations reference them.
func UpdateInventoryItemName(ctx context.Context, sku string, name string) (*InventoryItem, error) {
	ownerId, ok := utils.GetOwnerIdFromContext(ctx)
	if !ok || ownerId == "" {
		return nil, ErrOwnerIdRequired
	}

	db := config.GetDB()
	var item InventoryItem
	if err := db.WithContext(ctx).
		Where("owner_id = ? AND sku = ?", ownerId, sku).
		First(&item).Error; err != nil {
		return nil, ErrItemNotFound
	}
	if err := db.WithContext(ctx).Model(&item).Update("name", name).Error; err != nil {
		return nil, err
	}
	_ = config.DeleteRedisKey(itemCacheKey(ownerId, sku))
	return &item, nil
}

// GetInventoryItem resolves a SKU, via redis cache when available.
func GetInventoryItem(ctx context.Context, sku string) (*InventoryItem, error) {
	ownerId, ok := utils.GetOwnerIdFromContext(ctx)
	if !ok || ownerId == "" {
		return nil, ErrOwnerIdRequired
	}

	var item InventoryItem
	if found, err := config.GetRedisObject(itemCacheKey(ownerId, sku), &item); err == nil && found {
		return &item, nil
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).
		Where("owner_id = ? AND sku = ?", ownerId, sku).
		First(&item).Error; err != nil {
		return nil, ErrItemNotFound
	}
	_ = config.SetRedisObject(itemCacheKey(ownerId, sku), &item, itemCacheTTL)
	return &item, nil
}

// GetInventoryItemTx is the transactional variant used inside posting flows.
func GetInventoryItemTx(tx *gorm.DB, ownerId, sku string) (*InventoryItem, error) {
	var item InventoryItem
	if err := tx.
		Where("owner_id = ? AND sku = ?", ownerId, sku).
		First(&item).Error; err != nil {
		return nil, ErrItemNotFound
	}
	return &item, nil
}

// SetBundleComponents replaces the component list of a bundle SKU.
// Cycles are rejected here, at catalog-write time, so the allocation path can
// treat an expansion overflow as corruption rather than routine input error.
func SetBundleComponents(ctx context.Context, bundleSku string, components []*NewBundleComponent) ([]*BundleComponent, error) {
	ownerId, ok := utils.GetOwnerIdFromContext(ctx)
	if !ok || ownerId == "" {
		return nil, ErrOwnerIdRequired
	}
	if len(components) == 0 {
		return nil, errors.New("at least one component is required")
	}

	db := config.GetDB()
	item, err := GetInventoryItemTx(db.WithContext(ctx), ownerId, bundleSku)
	if err != nil {
		return nil, err
	}
	if item.IsBundle == nil || !*item.IsBundle {
		return nil, fmt.Errorf("item %s is not a bundle", bundleSku)
	}

	componentSkus := make([]string, 0, len(components))
	for _, c := range components {
		if err := validate.Struct(c); err != nil {
			return nil, err
		}
		if !c.Multiplier.IsPositive() {
			return nil, fmt.Errorf("component %s: multiplier must be positive", c.ComponentSku)
		}
		if c.ComponentSku == bundleSku {
			return nil, ErrBundleCycleDetected
		}
		componentSkus = append(componentSkus, c.ComponentSku)
	}
	if len(utils.UniqueSlice(componentSkus)) != len(componentSkus) {
		return nil, errors.New("duplicate component sku in bundle definition")
	}

	var result []*BundleComponent
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// One catalog writer per owner at a time: two concurrent writers could
		// each validate a graph missing the other's edges and commit a cycle.
		lockName := "catalog:" + ownerId
		var got int
		if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&got).Error; err != nil {
			return err
		}
		if got != 1 {
			return fmt.Errorf("could not acquire catalog lock for owner %s", ownerId)
		}
		defer func() {
			var released int
			_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&released).Error
		}()

		if err := tx.
			Where("owner_id = ? AND bundle_sku = ?", ownerId, bundleSku).
			Delete(&BundleComponent{}).Error; err != nil {
			return err
		}
		for _, c := range components {
			row := &BundleComponent{
				OwnerId:      ownerId,
				BundleSku:    bundleSku,
				ComponentSku: c.ComponentSku,
				Multiplier:   c.Multiplier,
			}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
			result = append(result, row)
		}
		// Validate the whole graph with the new edges in place.
		if err := ensureNoBundleCycle(tx, ownerId, bundleSku); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ensureNoBundleCycle walks the component graph from start; revisiting a SKU on
// the current path is a cycle.
func ensureNoBundleCycle(tx *gorm.DB, ownerId, start string) error {
	// FOR SHARE: a writer still in its commit window holds row locks on its
	// new edges, so this read waits until those edges are visible instead of
	// validating a stale graph.
	var edges []*BundleComponent
	if err := tx.Clauses(clause.Locking{Strength: "SHARE"}).
		Where("owner_id = ?", ownerId).
		Find(&edges).Error; err != nil {
		return err
	}
	graph := make(map[string][]string)
	for _, e := range edges {
		graph[e.BundleSku] = append(graph[e.BundleSku], e.ComponentSku)
	}

	onPath := make(map[string]bool)
	var walk func(sku string) error
	walk = func(sku string) error {
		if onPath[sku] {
			return ErrBundleCycleDetected
		}
		onPath[sku] = true
		for _, next := range graph[sku] {
			if err := walk(next); err != nil {
				return err
			}
		}
		onPath[sku] = false
		return nil
	}
	return walk(start)
}
