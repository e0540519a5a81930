// Package rsessddaemon routes inbound JSON-RPC requests from IDE clients to
// the daemon controller.
package rsessddaemon

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid"
	tally "github.com/uber-go/tally/v4"
	"go.lsp.dev/jsonrpc2"

	controller "github.com/rsess/rsessd/src/rsessd/controller/rsessd-daemon"
	"github.com/rsess/rsessd/src/rsessd/entity"
	"github.com/rsess/rsessd/src/rsessd/internal/jsonrpcfx"
)

// Method names of the daemon's JSON-RPC surface.
const (
	MethodInitialize          = "initialize"
	MethodShutdown            = "shutdown"
	MethodExit                = "exit"
	MethodRequestFullShutdown = "request_full_shutdown"

	MethodRenderRmd          = "render_rmd"
	MethodTerminateRenderRmd = "terminate_render_rmd"

	MethodStartBuild     = "start_build"
	MethodTerminateBuild = "terminate_build"

	MethodBeginFind       = "begin_find"
	MethodStopFind        = "stop_find"
	MethodPreviewReplace  = "preview_replace"
	MethodCompleteReplace = "complete_replace"
	MethodStopReplace     = "stop_replace"

	MethodSessionSuspend = "session_suspend"
	MethodSessionResume  = "session_resume"
)

// Handler owns the inbound side of the daemon: it hands each new connection
// a router bound to that connection's session.
type Handler interface {
	ConnectionManager() jsonrpcfx.ConnectionManager
}

type handler struct {
	daemon            controller.Controller
	connectionManager jsonrpcfx.ConnectionManager
	stats             tally.Scope
}

// New constructs a new rsessd-daemon Handler and registers its connection
// manager with the JSON-RPC module.
func New(ctrl controller.Controller, jsonrpcmod jsonrpcfx.JSONRPCModule, stats tally.Scope) (Handler, error) {
	c := jsonRPCConnectionManager{
		ctrl:  ctrl,
		stats: stats.SubScope("json_rpc"),
	}
	if err := jsonrpcmod.RegisterConnectionManager(&c); err != nil {
		return nil, err
	}

	return &handler{
		daemon:            ctrl,
		connectionManager: &c,
		stats:             stats,
	}, nil
}

func (h *handler) ConnectionManager() jsonrpcfx.ConnectionManager {
	return h.connectionManager
}

type jsonRPCConnectionManager struct {
	ctrl  controller.Controller
	stats tally.Scope
}

// NewConnection will store a new connection and return a router that includes its UUID.
func (c *jsonRPCConnectionManager) NewConnection(ctx context.Context, conn *jsonrpc2.Conn) (router jsonrpcfx.Router, err error) {
	id, err := c.ctrl.InitSession(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("error while creating new connection: %w", err)
	}

	r := jsonRPCRouter{
		daemon: c.ctrl,
		uuid:   id,
		stats:  c.stats,
	}

	return &r, nil
}

// RemoveConnection cleans up a closed connection.
func (c *jsonRPCConnectionManager) RemoveConnection(ctx context.Context, id uuid.UUID) {
	// Ensure session is removed even if no Exit call has been received.
	ctx = context.WithValue(ctx, entity.SessionContextKey, id)
	c.ctrl.EndSession(ctx, id)
}
