package gateway

import (
	clientevents "github.com/rsess/rsessd/src/rsessd/gateway/client-events"
	"go.uber.org/fx"
)

// Module provides the outbound gateways used to reach connected clients.
var Module = fx.Options(
	clientevents.Module,
)
