package clientevents

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/rsess/rsessd/src/rsessd/entity"
	"github.com/rsess/rsessd/src/rsessd/mapper"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const _errSendToClient = "sending event to IDE client: %w"

// Event method names sent over the wire. The client dispatches on these
// strings, so they are part of the protocol surface.
const (
	MethodRenderStarted   = "rmd_render_started"
	MethodRenderOutput    = "rmd_render_output"
	MethodRenderCompleted = "rmd_render_completed"
	MethodOutputChanged   = "rmd_output_changed"

	MethodBuildStarted   = "build_started"
	MethodBuildOutput    = "build_output"
	MethodBuildErrors    = "build_errors"
	MethodBuildCompleted = "build_completed"

	MethodFindResult         = "find_result"
	MethodReplaceResult      = "replace_result"
	MethodReplaceUpdated     = "replace_updated"
	MethodFindOperationEnded = "find_operation_ended"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Gateway is used to send outbound events to the IDE client.
// All calls to the gateway should include a context with a session UUID,
// which routes the event to the correct client connection. Events on a
// single connection are delivered in call order.
type Gateway interface {
	// RegisterClient registers a new client with the gateway. Should be called each time a new IDE connection is initialized.
	RegisterClient(ctx context.Context, id uuid.UUID, conn *jsonrpc2.Conn) error
	// DeregisterClient removes a client from the gateway. Should be called each time an IDE connection is closed.
	DeregisterClient(ctx context.Context, id uuid.UUID) error

	RenderStarted(ctx context.Context, payload *mapper.RenderStarted) error
	RenderOutput(ctx context.Context, chunk entity.OutputChunk) error
	RenderCompleted(ctx context.Context, payload *mapper.RenderCompleted) error
	// OutputChanged signals the preview that a watched render output file
	// was rewritten and should be reloaded.
	OutputChanged(ctx context.Context, outputURL string) error

	BuildStarted(ctx context.Context) error
	BuildOutput(ctx context.Context, chunk entity.OutputChunk) error
	BuildErrors(ctx context.Context, payload *mapper.BuildErrors) error
	BuildCompleted(ctx context.Context, payload *mapper.BuildCompleted) error

	FindResults(ctx context.Context, batch *mapper.FindResultBatch) error
	ReplaceResults(ctx context.Context, batch *mapper.FindResultBatch) error
	ReplaceUpdated(ctx context.Context, progress *mapper.ReplaceProgress) error
	FindOperationEnded(ctx context.Context, payload *mapper.FindOperationEnded) error

	// Publish sends an arbitrary named event. Prefer the typed methods.
	Publish(ctx context.Context, method string, params interface{}) error
}

type gateway struct {
	connections map[uuid.UUID]jsonrpc2.Conn
	connMu      sync.Mutex
	logger      *zap.SugaredLogger
}

// New returns a Gateway for sending client events.
func New(logger *zap.SugaredLogger) Gateway {
	return &gateway{
		connections: make(map[uuid.UUID]jsonrpc2.Conn),
		logger:      logger,
	}
}

func (g *gateway) RegisterClient(ctx context.Context, id uuid.UUID, conn *jsonrpc2.Conn) error {
	g.connMu.Lock()
	defer g.connMu.Unlock()

	g.connections[id] = *conn
	return nil
}

func (g *gateway) DeregisterClient(ctx context.Context, id uuid.UUID) error {
	g.connMu.Lock()
	defer g.connMu.Unlock()

	delete(g.connections, id)
	return nil
}

func (g *gateway) RenderStarted(ctx context.Context, payload *mapper.RenderStarted) error {
	return g.Publish(ctx, MethodRenderStarted, payload)
}

func (g *gateway) RenderOutput(ctx context.Context, chunk entity.OutputChunk) error {
	return g.Publish(ctx, MethodRenderOutput, chunk)
}

func (g *gateway) RenderCompleted(ctx context.Context, payload *mapper.RenderCompleted) error {
	return g.Publish(ctx, MethodRenderCompleted, payload)
}

func (g *gateway) OutputChanged(ctx context.Context, outputURL string) error {
	return g.Publish(ctx, MethodOutputChanged, map[string]string{"output_url": outputURL})
}

func (g *gateway) BuildStarted(ctx context.Context) error {
	return g.Publish(ctx, MethodBuildStarted, struct{}{})
}

func (g *gateway) BuildOutput(ctx context.Context, chunk entity.OutputChunk) error {
	return g.Publish(ctx, MethodBuildOutput, chunk)
}

func (g *gateway) BuildErrors(ctx context.Context, payload *mapper.BuildErrors) error {
	return g.Publish(ctx, MethodBuildErrors, payload)
}

func (g *gateway) BuildCompleted(ctx context.Context, payload *mapper.BuildCompleted) error {
	return g.Publish(ctx, MethodBuildCompleted, payload)
}

func (g *gateway) FindResults(ctx context.Context, batch *mapper.FindResultBatch) error {
	return g.Publish(ctx, MethodFindResult, batch)
}

func (g *gateway) ReplaceResults(ctx context.Context, batch *mapper.FindResultBatch) error {
	return g.Publish(ctx, MethodReplaceResult, batch)
}

func (g *gateway) ReplaceUpdated(ctx context.Context, progress *mapper.ReplaceProgress) error {
	return g.Publish(ctx, MethodReplaceUpdated, progress)
}

func (g *gateway) FindOperationEnded(ctx context.Context, payload *mapper.FindOperationEnded) error {
	return g.Publish(ctx, MethodFindOperationEnded, payload)
}

func (g *gateway) Publish(ctx context.Context, method string, params interface{}) error {
	conn, err := g.getConn(ctx)
	if err != nil {
		return fmt.Errorf(_errSendToClient, err)
	}
	if err := conn.Notify(ctx, method, params); err != nil {
		return fmt.Errorf(_errSendToClient, err)
	}
	return nil
}

func (g *gateway) getConn(ctx context.Context) (jsonrpc2.Conn, error) {
	g.connMu.Lock()
	defer g.connMu.Unlock()

	id, err := mapper.ContextToSessionUUID(ctx)
	if err != nil {
		return nil, err
	}

	conn, ok := g.connections[id]
	if !ok {
		return nil, fmt.Errorf("client with id %q not found", id)
	}
	return conn, nil
}
