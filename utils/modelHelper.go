package utils

import (
	"context"

	"github.com/mmdatafocus/sellerledger_backend/config"
)

/* DB fetching */

// fetch model from db
// (ctx's owner_id is used in query's WHERE, may return RecordNotFound)
func FetchModel[T any](ctx context.Context, ownerId string, id int, associations ...string) (*T, error) {

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("owner_id = ?", ownerId)
	// preloading
	for _, field := range associations {
		dbCtx = dbCtx.Preload(field)
	}
	var result T
	err := dbCtx.First(&result, id).Error
	if err != nil {
		return nil, ErrorRecordNotFound
	}
	return &result, nil
}

// ValidateResourceId checks a scoped row exists without loading it fully.
func ValidateResourceId[T any](ctx context.Context, ownerId string, id int) error {
	if id == 0 {
		return nil
	}
	db := config.GetDB()
	var count int64
	if err := db.WithContext(ctx).Model(new(T)).
		Where("owner_id = ? AND id = ?", ownerId, id).
		Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrorRecordNotFound
	}
	return nil
}
