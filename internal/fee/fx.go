package fee

import (
	"github.com/smallbiznis/settlement/internal/fee/service"
	"go.uber.org/fx"
)

var Module = fx.Module("fee.service",
	fx.Provide(service.NewCalculator),
)
