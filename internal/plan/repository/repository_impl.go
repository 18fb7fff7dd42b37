package repository

import (
	"context"

	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() plandomain.Repository {
	return &repo{}
}

func (r *repo) InsertVersion(ctx context.Context, db *gorm.DB, version *plandomain.PlanVersion) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO plan_versions (code, version, definition, checksum, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (code, version) DO NOTHING`,
		version.Code,
		version.Version,
		version.Definition,
		version.Checksum,
		version.CreatedAt,
	).Error
}

func (r *repo) ListVersions(ctx context.Context, db *gorm.DB) ([]plandomain.PlanVersion, error) {
	var versions []plandomain.PlanVersion
	err := db.WithContext(ctx).Raw(
		`SELECT code, version, definition, checksum, created_at
		 FROM plan_versions ORDER BY code ASC, version ASC`,
	).Scan(&versions).Error
	if err != nil {
		return nil, err
	}
	return versions, nil
}
