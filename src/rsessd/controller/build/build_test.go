package build

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally/v4"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/rsess/rsessd/src/rsessd/entity"
	"github.com/rsess/rsessd/src/rsessd/factory"
	clientevents "github.com/rsess/rsessd/src/rsessd/gateway/client-events"
	"github.com/rsess/rsessd/src/rsessd/internal/clock"
	"github.com/rsess/rsessd/src/rsessd/internal/executor"
	"github.com/rsess/rsessd/src/rsessd/internal/fs"
	"github.com/rsess/rsessd/src/rsessd/internal/outputparser"
	"github.com/rsess/rsessd/src/rsessd/internal/settings"
	"github.com/rsess/rsessd/src/rsessd/mapper"
	"github.com/rsess/rsessd/src/rsessd/repository/opslot"
	"github.com/rsess/rsessd/src/rsessd/repository/session"
)

type fixture struct {
	controller    Controller
	supervisor    *factory.ScriptedSupervisor
	events        *factory.EventRecorder
	workspaceRoot string
	ctx           context.Context
}

func newFixture(t *testing.T, testthatVersion string) *fixture {
	t.Helper()

	path := filepath.Join(t.TempDir(), "settings.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := settings.NewWithDB(db, zap.NewNop().Sugar())
	require.NoError(t, err)

	supervisor := factory.NewScriptedSupervisor()
	events := factory.NewEventRecorder()
	sessions := session.New(tally.NewTestScope("testing", nil))

	workspaceRoot := t.TempDir()
	id := factory.UUID()
	ctx := factory.SessionContext(id)
	require.NoError(t, sessions.Set(ctx, &entity.Session{UUID: id, WorkspaceRoot: workspaceRoot}))

	execRunner := executor.NewExecutor(executor.WithExecFunc(func(cmd *exec.Cmd) error {
		cmd.Stdout.Write([]byte(testthatVersion))
		return nil
	}))

	c := New(Params{
		Sessions:   sessions,
		Slots:      opslot.New(store, tally.NewTestScope("testing", nil), clock.New()),
		Events:     events,
		Supervisor: supervisor,
		Executor:   execRunner,
		FS:         fs.New(),
		Logger:     zap.NewNop().Sugar(),
		Stats:      tally.NewTestScope("testing", nil),
	})

	return &fixture{
		controller:    c,
		supervisor:    supervisor,
		events:        events,
		workspaceRoot: workspaceRoot,
		ctx:           ctx,
	}
}

func writeDescription(t *testing.T, dir, pkg string) {
	t.Helper()
	content := "Package: " + pkg + "\nTitle: Test Package\nVersion: 0.1.0\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "DESCRIPTION"), []byte(content), 0644))
}

func TestBuildAllSuccess(t *testing.T) {
	f := newFixture(t, "3.1.4")
	writeDescription(t, f.workspaceRoot, "mypkg")

	started, err := f.controller.StartBuild(f.ctx, &entity.BuildParams{Type: TypeBuildAll})
	require.NoError(t, err)
	require.True(t, started)

	require.Len(t, f.events.ByMethod(clientevents.MethodBuildStarted), 1)

	specs := f.supervisor.Specs()
	require.Len(t, specs, 1)
	assert.Equal(t, "R", specs[0].Path)
	assert.Equal(t, "CMD", specs[0].Args[0])
	assert.Equal(t, "INSTALL", specs[0].Args[1])

	// Command echo precedes process output.
	outputs := f.events.ByMethod(clientevents.MethodBuildOutput)
	require.NotEmpty(t, outputs)
	echo := outputs[0].Payload.(entity.OutputChunk)
	assert.Equal(t, entity.OutputCommand, echo.Channel)
	assert.True(t, strings.HasPrefix(echo.Text, "==> R CMD INSTALL"))

	cb := f.supervisor.Callbacks()
	cb.OnStdout("* installing *source* package 'mypkg' ...\n")
	cb.OnExit(0)

	completed := f.events.ByMethod(clientevents.MethodBuildCompleted)
	require.Len(t, completed, 1)
	payload := completed[0].Payload.(*mapper.BuildCompleted)
	assert.True(t, payload.RestartR)
	assert.Equal(t, "library(mypkg)", payload.AfterRestartCommand)
}

func TestBuildSlotBusy(t *testing.T) {
	f := newFixture(t, "3.1.4")
	writeDescription(t, f.workspaceRoot, "mypkg")

	started, err := f.controller.StartBuild(f.ctx, &entity.BuildParams{Type: TypeBuildAll})
	require.NoError(t, err)
	require.True(t, started)

	started, err = f.controller.StartBuild(f.ctx, &entity.BuildParams{Type: TypeMake})
	require.NoError(t, err)
	assert.False(t, started)
}

func TestBuildPreflightMissingDescription(t *testing.T) {
	f := newFixture(t, "3.1.4")

	started, err := f.controller.StartBuild(f.ctx, &entity.BuildParams{Type: TypeBuildAll})
	assert.False(t, started)
	require.Error(t, err)

	// Failed terminal event without any spawned process.
	assert.Empty(t, f.supervisor.Specs())
	require.Len(t, f.events.ByMethod(clientevents.MethodBuildCompleted), 1)
}

func TestBuildFailureReportsExitStatusAndErrors(t *testing.T) {
	f := newFixture(t, "3.1.4")
	writeDescription(t, f.workspaceRoot, "mypkg")

	started, err := f.controller.StartBuild(f.ctx, &entity.BuildParams{Type: TypeBuildAll})
	require.NoError(t, err)
	require.True(t, started)

	cb := f.supervisor.Callbacks()
	cb.OnStderr("src/ops.c:12:3: error: expected ';' before 'return'\n")
	cb.OnExit(1)

	// Exit status recorded as error output.
	var statusChunk *entity.OutputChunk
	for _, e := range f.events.ByMethod(clientevents.MethodBuildOutput) {
		chunk := e.Payload.(entity.OutputChunk)
		if strings.Contains(chunk.Text, "Exited with status 1.") {
			statusChunk = &chunk
			break
		}
	}
	require.NotNil(t, statusChunk)
	assert.Equal(t, entity.OutputError, statusChunk.Channel)
	assert.Equal(t, "\nExited with status 1.\n\n", statusChunk.Text)

	errorsEvents := f.events.ByMethod(clientevents.MethodBuildErrors)
	require.Len(t, errorsEvents, 1)
	payload := errorsEvents[0].Payload.(*mapper.BuildErrors)
	assert.True(t, strings.HasSuffix(payload.BaseDir, "/"))
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, 12, payload.Errors[0].Line)
	assert.Equal(t, 3, payload.Errors[0].Column)

	completed := f.events.ByMethod(clientevents.MethodBuildCompleted)
	require.Len(t, completed, 1)
	assert.False(t, completed[0].Payload.(*mapper.BuildCompleted).RestartR)
}

func TestTerminateBuild(t *testing.T) {
	f := newFixture(t, "3.1.4")
	writeDescription(t, f.workspaceRoot, "mypkg")

	started, err := f.controller.StartBuild(f.ctx, &entity.BuildParams{Type: TypeBuildAll})
	require.NoError(t, err)
	require.True(t, started)

	ok, err := f.controller.TerminateBuild(f.ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	cb := f.supervisor.Callbacks()
	assert.False(t, cb.OnContinue())
	cb.OnExit(143)

	completed := f.events.ByMethod(clientevents.MethodBuildCompleted)
	require.Len(t, completed, 1)
	assert.False(t, completed[0].Payload.(*mapper.BuildCompleted).RestartR)
}

func TestTerminateBuildNothingRunning(t *testing.T) {
	f := newFixture(t, "3.1.4")
	ok, err := f.controller.TerminateBuild(f.ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTestPackageUsesLegacyGrammarForOldTestthat(t *testing.T) {
	f := newFixture(t, "2.3.2")
	writeDescription(t, f.workspaceRoot, "mypkg")

	started, err := f.controller.StartBuild(f.ctx, &entity.BuildParams{Type: TypeTestPackage})
	require.NoError(t, err)
	require.True(t, started)

	cb := f.supervisor.Callbacks()
	cb.OnStdout("test-ops.R:12: failure: multiplication works\n")
	cb.OnExit(1)

	errorsEvents := f.events.ByMethod(clientevents.MethodBuildErrors)
	require.Len(t, errorsEvents, 1)
	markers := errorsEvents[0].Payload.(*mapper.BuildErrors).Errors
	require.Len(t, markers, 1)
	assert.Equal(t, 12, markers[0].Line)
	assert.Equal(t, "multiplication works", markers[0].Message)
}

func TestBuildSpecPerType(t *testing.T) {
	c := &controller{}
	opts := &Options{MakefilePath: "src", CustomScript: "build.sh"}

	tests := []struct {
		name      string
		buildType string
		subType   string
		wantPath  string
		wantArg   string
	}{
		{name: "source package", buildType: TypeBuildSourcePackage, wantPath: "R", wantArg: "build"},
		{name: "binary package", buildType: TypeBuildBinaryPackage, wantPath: "R", wantArg: "--build"},
		{name: "check", buildType: TypeCheckPackage, wantPath: "R", wantArg: "check"},
		{name: "test", buildType: TypeTestPackage, wantPath: "Rscript", wantArg: "testthat::test_local()"},
		{name: "roxygenize", buildType: TypeRoxygenize, wantPath: "Rscript", wantArg: "roxygen2::roxygenize('.')"},
		{name: "make with target", buildType: TypeMake, subType: "clean", wantPath: "make", wantArg: "clean"},
		{name: "website", buildType: TypeWebsite, wantPath: "Rscript", wantArg: "rmarkdown::render_site()"},
		{name: "custom", buildType: TypeCustom, wantPath: "sh", wantArg: "/ws/build.sh"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := c.buildSpec(&entity.BuildParams{Type: tt.buildType, SubType: tt.subType}, "/ws/pkg", "/ws", opts)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPath, spec.Path)
			assert.Contains(t, spec.Args, tt.wantArg)
		})
	}

	t.Run("unknown type", func(t *testing.T) {
		_, err := c.buildSpec(&entity.BuildParams{Type: "mystery"}, "/ws/pkg", "/ws", opts)
		assert.Error(t, err)
	})
}

func TestLoadOptionsPackagePath(t *testing.T) {
	f := newFixture(t, "3.1.4")
	yaml := "package_path: subpkg\ninstall_args: --no-docs\n"
	require.NoError(t, os.WriteFile(filepath.Join(f.workspaceRoot, _buildOptionsFile), []byte(yaml), 0644))

	subpkg := filepath.Join(f.workspaceRoot, "subpkg")
	require.NoError(t, os.MkdirAll(subpkg, 0755))
	writeDescription(t, subpkg, "subpkg")

	started, err := f.controller.StartBuild(f.ctx, &entity.BuildParams{Type: TypeBuildAll})
	require.NoError(t, err)
	require.True(t, started)

	specs := f.supervisor.Specs()
	require.Len(t, specs, 1)
	assert.Equal(t, subpkg, specs[0].Dir)
	assert.Contains(t, specs[0].Args, "--no-docs")
	assert.Contains(t, specs[0].Args, subpkg)
}

func TestDetectTestthatGrammar(t *testing.T) {
	tests := []struct {
		version string
		want    outputparser.TestthatGrammar
	}{
		{version: "3.1.4", want: outputparser.TestthatEdition3},
		{version: "2.3.2", want: outputparser.TestthatLegacy},
		{version: "garbage", want: outputparser.TestthatEdition3},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			c := &controller{
				executor: executor.NewExecutor(executor.WithExecFunc(func(cmd *exec.Cmd) error {
					cmd.Stdout.Write([]byte(tt.version))
					return nil
				})),
				logger: zap.NewNop().Sugar(),
			}
			assert.Equal(t, tt.want, c.detectTestthatGrammar())
		})
	}
}
