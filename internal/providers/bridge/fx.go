package bridge

import "go.uber.org/fx"

var Module = fx.Module("bridge.client",
	fx.Provide(NewClient),
	fx.Provide(NewTransfers),
)
