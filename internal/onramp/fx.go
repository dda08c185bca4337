package onramp

import (
	"github.com/smallbiznis/settlement/internal/onramp/repository"
	"github.com/smallbiznis/settlement/internal/onramp/service"
	"go.uber.org/fx"
)

var Module = fx.Module("onramp.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
