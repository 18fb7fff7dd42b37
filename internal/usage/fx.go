package usage

import (
	usagedomain "github.com/smallbiznis/meterbill/internal/usage/domain"
	"github.com/smallbiznis/meterbill/internal/usage/liveevents"
	"github.com/smallbiznis/meterbill/internal/usage/pending"
	"github.com/smallbiznis/meterbill/internal/usage/repository"
	"github.com/smallbiznis/meterbill/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(liveevents.NewHub),
	fx.Provide(
		fx.Annotate(
			func(h *liveevents.Hub) usagedomain.Observer { return h },
			fx.ResultTags(`group:"usage_observers"`),
		),
	),
	pending.Module,
)
