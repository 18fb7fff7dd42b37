package alert

import (
	alertdomain "github.com/smallbiznis/meterbill/internal/alert/domain"
	"github.com/smallbiznis/meterbill/internal/alert/repository"
	"github.com/smallbiznis/meterbill/internal/alert/service"
	ratingdomain "github.com/smallbiznis/meterbill/internal/rating/domain"
	usagedomain "github.com/smallbiznis/meterbill/internal/usage/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("alert.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) alertdomain.Service { return s }),
	fx.Provide(
		fx.Annotate(
			func(s *service.Service) usagedomain.Observer { return s },
			fx.ResultTags(`group:"usage_observers"`),
		),
		fx.Annotate(
			func(s *service.Service) ratingdomain.EstimateObserver { return s },
			fx.ResultTags(`group:"estimate_observers"`),
		),
	),
)
