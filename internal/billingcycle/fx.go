package billingcycle

import (
	"github.com/smallbiznis/meterbill/internal/billingcycle/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("billingcycle",
	fx.Provide(repository.Provide),
)
