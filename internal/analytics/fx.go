package analytics

import (
	"github.com/smallbiznis/meterbill/internal/analytics/repository"
	"github.com/smallbiznis/meterbill/internal/analytics/service"
	"go.uber.org/fx"
)

var Module = fx.Module("analytics.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
