package batch

import (
	"github.com/smallbiznis/settlement/internal/batch/repository"
	"github.com/smallbiznis/settlement/internal/batch/service"
	"go.uber.org/fx"
)

var Module = fx.Module("batch.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
