package controller

import (
	"github.com/rsess/rsessd/src/rsessd/controller/build"
	"github.com/rsess/rsessd/src/rsessd/controller/find"
	"github.com/rsess/rsessd/src/rsessd/controller/render"
	rsessddaemon "github.com/rsess/rsessd/src/rsessd/controller/rsessd-daemon"
	"go.uber.org/fx"
)

var Module = fx.Options(
	fx.Provide(rsessddaemon.New),
	fx.Provide(render.New),
	fx.Provide(build.New),
	fx.Provide(find.New),
)
