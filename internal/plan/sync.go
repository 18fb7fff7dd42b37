package plan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/smallbiznis/meterbill/internal/clock"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type SyncParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Repo      plandomain.Repository
	Catalog   plandomain.Catalog
}

// RegisterSync checks the loaded catalog against persisted versions during startup.
func RegisterSync(p SyncParams) {
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return SyncCatalog(ctx, p.DB, p.Repo, p.Catalog, p.Clock, p.Log)
		},
	})
}

// SyncCatalog records new plan versions and fails when a recorded version has been
// edited or removed from the definitions.
func SyncCatalog(ctx context.Context, db *gorm.DB, repo plandomain.Repository, catalog plandomain.Catalog, clk clock.Clock, log *zap.Logger) error {
	log = log.Named("plan.sync")

	known := make(map[plandomain.Ref]string)
	for _, p := range catalog.Versions() {
		definition, checksum, err := Fingerprint(p)
		if err != nil {
			return err
		}
		known[p.Ref()] = checksum
		if err := repo.InsertVersion(ctx, db, &plandomain.PlanVersion{
			Code:       p.Code,
			Version:    p.Version,
			Definition: definition,
			Checksum:   checksum,
			CreatedAt:  clk.Now(),
		}); err != nil {
			return err
		}
	}

	persisted, err := repo.ListVersions(ctx, db)
	if err != nil {
		return err
	}

	var errs []error
	for _, row := range persisted {
		ref := plandomain.Ref{Code: row.Code, Version: row.Version}
		checksum, ok := known[ref]
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("%w: %s@%d", plandomain.ErrPlanVersionMissing, row.Code, row.Version))
		case checksum != row.Checksum:
			errs = append(errs, fmt.Errorf("%w: %s@%d", plandomain.ErrPlanVersionMutated, row.Code, row.Version))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	log.Info("plan versions in sync", zap.Int("versions", len(persisted)))
	return nil
}

// Fingerprint returns the canonical JSON of a plan and its sha256.
func Fingerprint(p plandomain.Plan) ([]byte, string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(raw)
	return raw, hex.EncodeToString(sum[:]), nil
}
