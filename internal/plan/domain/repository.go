package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	// InsertVersion writes a version unless one with the same key exists.
	InsertVersion(ctx context.Context, db *gorm.DB, version *PlanVersion) error
	ListVersions(ctx context.Context, db *gorm.DB) ([]PlanVersion, error)
}
