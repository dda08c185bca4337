package split

import (
	"github.com/smallbiznis/settlement/internal/split/service"
	"go.uber.org/fx"
)

var Module = fx.Module("split.service",
	fx.Provide(service.NewSplitter),
)
