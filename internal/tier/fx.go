package tier

import (
	"github.com/smallbiznis/settlement/internal/tier/repository"
	"github.com/smallbiznis/settlement/internal/tier/service"
	"go.uber.org/fx"
)

var Module = fx.Module("tier.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
