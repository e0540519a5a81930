package app

import (
	"context"
	"time"

	"github.com/rsess/rsessd/src/rsessd/gateway"
	"github.com/rsess/rsessd/src/rsessd/handler"
	"github.com/rsess/rsessd/src/rsessd/internal/clock"
	"github.com/rsess/rsessd/src/rsessd/internal/core"
	"github.com/rsess/rsessd/src/rsessd/internal/executor"
	"github.com/rsess/rsessd/src/rsessd/internal/fs"
	"github.com/rsess/rsessd/src/rsessd/internal/jsonrpcfx"
	"github.com/rsess/rsessd/src/rsessd/internal/process"
	"github.com/rsess/rsessd/src/rsessd/internal/serverinfofile"
	"github.com/rsess/rsessd/src/rsessd/internal/settings"
	"github.com/rsess/rsessd/src/rsessd/internal/watcher"
	"github.com/rsess/rsessd/src/rsessd/repository/opslot"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/fx"
)

// Module defines the rsessd application module.
var Module = fx.Options(
	gateway.Module, // outbounds
	handler.Module, // inbounds
	jsonrpcfx.Module,
	fs.Module,
	executor.Module,
	process.Module,
	watcher.Module,
	clock.Module,
	serverinfofile.Module,
	settings.Module,
	fx.Provide(opslot.New),
	core.ConfigModule,
	core.LoggerModule,
	fx.Provide(func(lc fx.Lifecycle) tally.Scope {
		rs, closer := tally.NewRootScope(tally.ScopeOptions{
			Tags: map[string]string{
				"service": "rsessd",
			},
		}, 1*time.Second)

		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return closer.Close()
			},
		})

		return rs
	}),
	fx.Decorate(decorateEnvContext),
	fx.Decorate(decorateConfigProvider),
	fx.Provide(func() Context {
		return Context{
			Environment:        "local",
			RuntimeEnvironment: "local",
		}
	}),
)
