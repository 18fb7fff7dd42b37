package plan

import (
	"github.com/smallbiznis/meterbill/internal/plan/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("plan",
	fx.Provide(LoadCatalog),
	fx.Provide(repository.Provide),
	fx.Invoke(RegisterSync),
)
