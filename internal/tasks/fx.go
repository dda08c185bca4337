package tasks

import (
	"context"

	"github.com/smallbiznis/settlement/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("tasks",
	fx.Provide(NewRunner),
)

// NewRunner selects the runner named by TASK_RUNNER.
func NewRunner(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (Runner, error) {
	switch cfg.TaskRunner {
	case config.TaskRunnerInline:
		return NewInlineRunner(log), nil
	case config.TaskRunnerAsync, "":
		r := NewAsyncRunner(log, cfg.TaskWorkers, 0)
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				r.Start()
				return nil
			},
			OnStop: r.Stop,
		})
		return r, nil
	default:
		return nil, config.ErrInvalidTaskRunner
	}
}
