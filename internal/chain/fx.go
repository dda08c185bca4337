package chain

import "go.uber.org/fx"

var Module = fx.Module("chain",
	fx.Provide(NewRPCClient),
	fx.Provide(NewSettler),
)
