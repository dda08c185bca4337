package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/audit"
	"github.com/smallbiznis/settlement/internal/batch"
	"github.com/smallbiznis/settlement/internal/catalog"
	"github.com/smallbiznis/settlement/internal/chain"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/fee"
	"github.com/smallbiznis/settlement/internal/ledger"
	"github.com/smallbiznis/settlement/internal/notification"
	"github.com/smallbiznis/settlement/internal/observability"
	"github.com/smallbiznis/settlement/internal/onramp"
	"github.com/smallbiznis/settlement/internal/providers"
	"github.com/smallbiznis/settlement/internal/purchase"
	"github.com/smallbiznis/settlement/internal/ratelimit"
	"github.com/smallbiznis/settlement/internal/scheduler"
	"github.com/smallbiznis/settlement/internal/split"
	"github.com/smallbiznis/settlement/internal/tasks"
	"github.com/smallbiznis/settlement/internal/tier"
	"github.com/smallbiznis/settlement/internal/treasury"
	"github.com/smallbiznis/settlement/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,

		providers.Module,
		chain.Module,
		notification.Module,
		tasks.Module,

		// Domain services required by scheduler
		audit.Module,
		ledger.Module,
		fee.Module,
		catalog.Module,
		tier.Module,
		split.Module,
		purchase.Module,
		batch.Module,
		onramp.Module,
		treasury.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
