// Package rsessddaemon implements the rsessd daemon business logic: session
// lifecycle, process shutdown, suspend/resume, and delegation to the
// per-operation controllers.
package rsessddaemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/rsess/rsessd/src/rsessd/controller/build"
	"github.com/rsess/rsessd/src/rsessd/controller/find"
	"github.com/rsess/rsessd/src/rsessd/controller/render"
	"github.com/rsess/rsessd/src/rsessd/entity"
	clientevents "github.com/rsess/rsessd/src/rsessd/gateway/client-events"
	"github.com/rsess/rsessd/src/rsessd/internal/scope"
	"github.com/rsess/rsessd/src/rsessd/mapper"
	"github.com/rsess/rsessd/src/rsessd/repository/opslot"
	"github.com/rsess/rsessd/src/rsessd/repository/session"
)

const (
	_serverName = "rsessd"

	// Configuration keys
	_idleTimeoutMinutesKey = "idleTimeoutMinutes"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Controller orchestrates the business logic for each request.
type Controller interface {
	// Lifecycle methods.
	Initialize(ctx context.Context, params *entity.InitializeParams) (*entity.InitializeResult, error)
	Shutdown(ctx context.Context) error
	Exit(ctx context.Context) error
	RequestFullShutdown(ctx context.Context) error

	// Suspend persists operation state ahead of a process suspend.
	Suspend(ctx context.Context) error
	// Resume returns whatever operation state a prior process persisted.
	Resume(ctx context.Context) (map[entity.OperationKind]*mapper.SuspendedOperation, error)

	// Async operation methods, delegated to the per-kind controllers.
	RenderRmd(ctx context.Context, params *entity.RenderParams) (bool, error)
	TerminateRenderRmd(ctx context.Context, params *entity.TerminateRenderParams) (bool, error)
	StartBuild(ctx context.Context, params *entity.BuildParams) (bool, error)
	TerminateBuild(ctx context.Context) (bool, error)
	BeginFind(ctx context.Context, params *entity.FindParams) (string, error)
	StopFind(ctx context.Context, params *entity.StopParams) (bool, error)
	PreviewReplace(ctx context.Context, params *entity.ReplaceParams) (string, error)
	CompleteReplace(ctx context.Context, params *entity.ReplaceParams) (string, error)
	StopReplace(ctx context.Context, params *entity.StopParams) (bool, error)

	// Connection lifecycle, called by the connection manager.
	InitSession(ctx context.Context, conn *jsonrpc2.Conn) (uuid.UUID, error)
	EndSession(ctx context.Context, uuid uuid.UUID) error
}

// Params are inbound parameters to initialize a new controller.
type Params struct {
	fx.In

	Shutdowner fx.Shutdowner
	Sessions   session.Repository
	Slots      opslot.Registry
	Events     clientevents.Gateway
	Logger     *zap.SugaredLogger
	Config     config.Provider

	Render render.Controller
	Build  build.Controller
	Find   find.Controller
}

type controller struct {
	sessions   session.Repository
	slots      opslot.Registry
	shutdowner fx.Shutdowner
	events     clientevents.Gateway
	logger     *zap.SugaredLogger

	render render.Controller
	build  build.Controller
	find   find.Controller

	fullShutdown       bool
	idleTimer          *time.Timer
	idleTimerMu        sync.Mutex
	idleTimeoutMinutes time.Duration
}

// New constructs a new top-level controller for the service.
func New(p Params) (Controller, error) {
	ctx := context.Background()

	var timeoutMinutesRaw int64
	if err := p.Config.Get(_idleTimeoutMinutesKey).Populate(&timeoutMinutesRaw); err != nil || timeoutMinutesRaw == 0 {
		return nil, fmt.Errorf("unable to get idle timeout from config: %w", err)
	}

	c := &controller{
		sessions:   p.Sessions,
		slots:      p.Slots,
		shutdowner: p.Shutdowner,
		events:     p.Events,
		logger:     p.Logger,

		render: p.Render,
		build:  p.Build,
		find:   p.Find,

		idleTimeoutMinutes: time.Duration(timeoutMinutesRaw) * time.Minute,
	}
	c.refreshIdleTimer(ctx)

	return c, nil
}

// Initialize binds a connected client to its session scope and workspace.
// Reinitializing a scope that already has a live session quiet-terminates any
// render still running there, so an orphaned Shiny server never outlives its
// viewer.
func (c *controller) Initialize(ctx context.Context, params *entity.InitializeParams) (*entity.InitializeResult, error) {
	s, err := c.sessions.GetFromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting session from context: %w", err)
	}

	parsed := scope.ParseSessionURL(params.ScopePath)
	if !parsed.Scope.IsEmpty() {
		existing, err := c.sessions.GetAllFromScope(ctx, parsed.Scope)
		if err == nil && len(existing) > 0 {
			c.logger.Infow("scope reinitialized, terminating prior render", "scope", parsed.Scope)
			c.render.TerminateQuietly(ctx)
		}
	}

	s.Scope = parsed.Scope
	s.WorkspaceRoot = params.WorkspaceRoot
	s.Env = os.Environ()
	s.ClientName = entity.ClientName(params.ClientName)
	if s.ClientName == "" {
		s.ClientName = entity.ClientNameDesktop
	}

	if err := c.sessions.Set(ctx, s); err != nil {
		return nil, fmt.Errorf("setting updated session state: %w", err)
	}

	return &entity.InitializeResult{
		ServerName: _serverName,
		SessionID:  s.UUID.String(),
		SessionURL: scope.URLPathForScope(s.Scope),
	}, nil
}

// Shutdown is sent just before Exit to indicate that the session will exit.
func (c *controller) Shutdown(ctx context.Context) error {
	return c.slots.Suspend(ctx)
}

// Exit cleans up after an individual connection, or shuts the whole process
// down when a full shutdown was requested first.
func (c *controller) Exit(ctx context.Context) error {
	if c.fullShutdown {
		// Zero out the timer to trigger immediate shutdown.
		c.idleTimerMu.Lock()
		c.idleTimer.Reset(0)
		c.idleTimerMu.Unlock()
		return nil
	}

	s, err := c.sessions.GetFromContext(ctx)
	if err != nil {
		return fmt.Errorf("error during session exit: %w", err)
	}
	return c.EndSession(ctx, s.UUID)
}

// RequestFullShutdown makes the next Exit request shut down the process.
func (c *controller) RequestFullShutdown(ctx context.Context) error {
	c.fullShutdown = true
	return nil
}

// Suspend persists the state of every occupied operation slot.
func (c *controller) Suspend(ctx context.Context) error {
	return c.slots.Suspend(ctx)
}

// Resume loads the operation state persisted by a previous process, keyed by
// operation kind.
func (c *controller) Resume(ctx context.Context) (map[entity.OperationKind]*mapper.SuspendedOperation, error) {
	return c.slots.Resume(ctx)
}

func (c *controller) RenderRmd(ctx context.Context, params *entity.RenderParams) (bool, error) {
	return c.render.RenderRmd(ctx, params)
}

func (c *controller) TerminateRenderRmd(ctx context.Context, params *entity.TerminateRenderParams) (bool, error) {
	return c.render.TerminateRenderRmd(ctx, params)
}

func (c *controller) StartBuild(ctx context.Context, params *entity.BuildParams) (bool, error) {
	return c.build.StartBuild(ctx, params)
}

func (c *controller) TerminateBuild(ctx context.Context) (bool, error) {
	return c.build.TerminateBuild(ctx)
}

func (c *controller) BeginFind(ctx context.Context, params *entity.FindParams) (string, error) {
	return c.find.BeginFind(ctx, params)
}

func (c *controller) StopFind(ctx context.Context, params *entity.StopParams) (bool, error) {
	return c.find.StopFind(ctx, params)
}

func (c *controller) PreviewReplace(ctx context.Context, params *entity.ReplaceParams) (string, error) {
	return c.find.PreviewReplace(ctx, params)
}

func (c *controller) CompleteReplace(ctx context.Context, params *entity.ReplaceParams) (string, error) {
	return c.find.CompleteReplace(ctx, params)
}

func (c *controller) StopReplace(ctx context.Context, params *entity.StopParams) (bool, error) {
	return c.find.StopReplace(ctx, params)
}

// InitSession creates a new empty session and returns its UUID.
func (c *controller) InitSession(ctx context.Context, conn *jsonrpc2.Conn) (uuid.UUID, error) {
	defer c.refreshIdleTimer(ctx)

	id, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, err
	}

	if err := c.events.RegisterClient(ctx, id, conn); err != nil {
		return uuid.Nil, err
	}

	if err := c.sessions.Set(ctx, &entity.Session{UUID: id, Conn: conn}); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// EndSession includes any cleanup at the end of the session, during or after
// the last JSON-RPC request.
func (c *controller) EndSession(ctx context.Context, uuid uuid.UUID) error {
	defer c.refreshIdleTimer(ctx)

	if err := c.events.DeregisterClient(ctx, uuid); err != nil {
		c.logger.Error(err)
	}

	return c.sessions.Delete(ctx, uuid)
}

// refreshIdleTimer ensures that the service shuts down after a defined
// inactivity period with no connections.
func (c *controller) refreshIdleTimer(ctx context.Context) error {
	c.idleTimerMu.Lock()
	defer c.idleTimerMu.Unlock()

	// First call initializes new timer and leaves it running prior to first connection.
	if c.idleTimer == nil {
		c.idleTimer = time.NewTimer(c.idleTimeoutMinutes)
		go func() {
			<-c.idleTimer.C
			c.logger.Info("Shutdown signal received.")
			if err := c.shutdowner.Shutdown(); err != nil {
				os.Exit(1)
			}
		}()
		return nil
	}

	// Subsequent calls stop the timer and reset it only if no connections are active.
	currentSessions, err := c.sessions.SessionCount(ctx)
	if err != nil {
		return fmt.Errorf("error resetting timeout: %w", err)
	}

	c.idleTimer.Stop()
	if currentSessions == 0 {
		c.idleTimer.Reset(c.idleTimeoutMinutes)
	}
	return nil
}
