package handler

import (
	controller "github.com/rsess/rsessd/src/rsessd/controller"
	rsessddaemon "github.com/rsess/rsessd/src/rsessd/controller/rsessd-daemon"
	handler "github.com/rsess/rsessd/src/rsessd/handler/rsessd-daemon"
	"github.com/rsess/rsessd/src/rsessd/repository/session"
	"go.uber.org/fx"
)

// Module provides the rsessd server into an Fx application.
var Module = fx.Options(
	controller.Module,
	fx.Provide(session.New),
	fx.Provide(handler.New),
	fx.Invoke(func(m handler.Handler) {}),
	fx.Invoke(func(m rsessddaemon.Controller) {}),
)
