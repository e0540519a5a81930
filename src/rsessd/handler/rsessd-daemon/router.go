package rsessddaemon

import (
	"context"

	"github.com/gofrs/uuid"
	tally "github.com/uber-go/tally/v4"
	"go.lsp.dev/jsonrpc2"

	controller "github.com/rsess/rsessd/src/rsessd/controller/rsessd-daemon"
	"github.com/rsess/rsessd/src/rsessd/entity"
)

type jsonRPCRouter struct {
	daemon controller.Controller
	uuid   uuid.UUID
	stats  tally.Scope
}

// HandleReq handles routing for a single request.
func (r *jsonRPCRouter) HandleReq(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	ctx = context.WithValue(ctx, entity.SessionContextKey, r.uuid)
	r.stats.Tagged(map[string]string{"method": req.Method()}).Counter("request").Inc(1)

	switch req.Method() {
	// Lifecycle related methods.
	case MethodInitialize:
		return r.Initialize(ctx, reply, req)

	case MethodShutdown:
		return r.Shutdown(ctx, reply, req)

	case MethodExit:
		return r.Exit(ctx, reply, req)

	case MethodRequestFullShutdown:
		return r.RequestFullShutdown(ctx, reply, req)

	case MethodSessionSuspend:
		return r.SessionSuspend(ctx, reply, req)

	case MethodSessionResume:
		return r.SessionResume(ctx, reply, req)

	// Render methods.
	case MethodRenderRmd:
		return r.RenderRmd(ctx, reply, req)

	case MethodTerminateRenderRmd:
		return r.TerminateRenderRmd(ctx, reply, req)

	// Build methods.
	case MethodStartBuild:
		return r.StartBuild(ctx, reply, req)

	case MethodTerminateBuild:
		return r.TerminateBuild(ctx, reply, req)

	// Find and replace methods.
	case MethodBeginFind:
		return r.BeginFind(ctx, reply, req)

	case MethodStopFind:
		return r.StopFind(ctx, reply, req)

	case MethodPreviewReplace:
		return r.PreviewReplace(ctx, reply, req)

	case MethodCompleteReplace:
		return r.CompleteReplace(ctx, reply, req)

	case MethodStopReplace:
		return r.StopReplace(ctx, reply, req)

	default:
		return jsonrpc2.MethodNotFoundHandler(ctx, reply, req)
	}
}

func (r *jsonRPCRouter) UUID() uuid.UUID {
	return r.uuid
}
