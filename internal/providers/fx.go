package providers

import (
	"github.com/smallbiznis/settlement/internal/providers/bridge"
	"github.com/smallbiznis/settlement/internal/providers/email"
	"github.com/smallbiznis/settlement/internal/providers/slack"
	"github.com/smallbiznis/settlement/internal/providers/stripe"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
	slack.Module,
	stripe.Module,
	bridge.Module,
)
