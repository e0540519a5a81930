package rsessddaemon

import (
	"context"

	"go.lsp.dev/jsonrpc2"

	"github.com/rsess/rsessd/src/rsessd/mapper"
)

// Initialize binds the connection to its session scope and workspace.
func (r *jsonRPCRouter) Initialize(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	params, err := mapper.RequestToInitializeParams(req)
	if err != nil {
		return reply(ctx, nil, err)
	}

	result, err := r.daemon.Initialize(ctx, params)
	if err != nil {
		return reply(ctx, nil, err)
	}

	return reply(ctx, result, nil)
}

// Shutdown is sent just before Exit to indicate that the session will exit.
func (r *jsonRPCRouter) Shutdown(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	err := r.daemon.Shutdown(ctx)
	return reply(ctx, nil, err)
}

// Exit asks the server to clean up this connection, or to exit its process
// when a full shutdown was requested first.
func (r *jsonRPCRouter) Exit(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	// Reply first to ensure that a reply is sent before the controller initiates the shutdown.
	reply(ctx, nil, nil)
	return r.daemon.Exit(ctx)
}

// RequestFullShutdown will indicate that the next Exit request should perform a full shutdown of the server.
func (r *jsonRPCRouter) RequestFullShutdown(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	err := r.daemon.RequestFullShutdown(ctx)
	return reply(ctx, nil, err)
}

// SessionSuspend persists operation state ahead of a process suspend.
func (r *jsonRPCRouter) SessionSuspend(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	err := r.daemon.Suspend(ctx)
	return reply(ctx, err == nil, err)
}

// SessionResume returns the operation state persisted by a prior process.
func (r *jsonRPCRouter) SessionResume(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	restored, err := r.daemon.Resume(ctx)
	if err != nil {
		return reply(ctx, nil, err)
	}
	return reply(ctx, restored, nil)
}

// RenderRmd starts an R Markdown render.
func (r *jsonRPCRouter) RenderRmd(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	params, err := mapper.RequestToRenderParams(req)
	if err != nil {
		return reply(ctx, nil, err)
	}

	started, err := r.daemon.RenderRmd(ctx, params)
	return reply(ctx, started, err)
}

// TerminateRenderRmd cancels the running render.
func (r *jsonRPCRouter) TerminateRenderRmd(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	params, err := mapper.RequestToTerminateRenderParams(req)
	if err != nil {
		return reply(ctx, nil, err)
	}

	terminated, err := r.daemon.TerminateRenderRmd(ctx, params)
	return reply(ctx, terminated, err)
}

// StartBuild starts a package or project build.
func (r *jsonRPCRouter) StartBuild(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	params, err := mapper.RequestToBuildParams(req)
	if err != nil {
		return reply(ctx, nil, err)
	}

	started, err := r.daemon.StartBuild(ctx, params)
	return reply(ctx, started, err)
}

// TerminateBuild cancels the running build.
func (r *jsonRPCRouter) TerminateBuild(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	terminated, err := r.daemon.TerminateBuild(ctx)
	return reply(ctx, terminated, err)
}

// BeginFind starts a workspace search and replies with its handle.
func (r *jsonRPCRouter) BeginFind(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	params, err := mapper.RequestToFindParams(req)
	if err != nil {
		return reply(ctx, nil, err)
	}

	handle, err := r.daemon.BeginFind(ctx, params)
	if err != nil {
		return reply(ctx, nil, err)
	}
	return reply(ctx, handle, nil)
}

// StopFind cancels the running search.
func (r *jsonRPCRouter) StopFind(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	params, err := mapper.RequestToStopParams(req)
	if err != nil {
		return reply(ctx, nil, err)
	}

	stopped, err := r.daemon.StopFind(ctx, params)
	return reply(ctx, stopped, err)
}

// PreviewReplace starts a dry-run replace and replies with its handle.
func (r *jsonRPCRouter) PreviewReplace(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	params, err := mapper.RequestToReplaceParams(req)
	if err != nil {
		return reply(ctx, nil, err)
	}

	handle, err := r.daemon.PreviewReplace(ctx, params)
	if err != nil {
		return reply(ctx, nil, err)
	}
	return reply(ctx, handle, nil)
}

// CompleteReplace starts a replace that rewrites matched files.
func (r *jsonRPCRouter) CompleteReplace(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	params, err := mapper.RequestToReplaceParams(req)
	if err != nil {
		return reply(ctx, nil, err)
	}

	handle, err := r.daemon.CompleteReplace(ctx, params)
	if err != nil {
		return reply(ctx, nil, err)
	}
	return reply(ctx, handle, nil)
}

// StopReplace cancels the running replace.
func (r *jsonRPCRouter) StopReplace(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	params, err := mapper.RequestToStopParams(req)
	if err != nil {
		return reply(ctx, nil, err)
	}

	stopped, err := r.daemon.StopReplace(ctx, params)
	return reply(ctx, stopped, err)
}
