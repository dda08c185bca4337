package purchase

import (
	"github.com/smallbiznis/settlement/internal/purchase/repository"
	"github.com/smallbiznis/settlement/internal/purchase/service"
	"go.uber.org/fx"
)

var Module = fx.Module("purchase.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
