// Package build runs R package and project builds as supervised external
// processes, streaming output and parsed errors to the IDE client.
package build

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/uuid"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/rsess/rsessd/src/rsessd/entity"
	clientevents "github.com/rsess/rsessd/src/rsessd/gateway/client-events"
	rsesserrors "github.com/rsess/rsessd/src/rsessd/internal/errors"
	"github.com/rsess/rsessd/src/rsessd/internal/executor"
	"github.com/rsess/rsessd/src/rsessd/internal/fs"
	"github.com/rsess/rsessd/src/rsessd/internal/outputparser"
	"github.com/rsess/rsessd/src/rsessd/internal/process"
	"github.com/rsess/rsessd/src/rsessd/mapper"
	"github.com/rsess/rsessd/src/rsessd/repository/opslot"
	"github.com/rsess/rsessd/src/rsessd/repository/session"
)

const (
	_nameKey = "build"

	// Per-project build options, read from the workspace root.
	_buildOptionsFile = "rsessd-build.yaml"
	_descriptionFile  = "DESCRIPTION"
)

// Build types accepted by StartBuild.
const (
	TypeBuildAll           = "build-all"
	TypeRebuildAll         = "rebuild-all"
	TypeBuildSourcePackage = "build-source-package"
	TypeBuildBinaryPackage = "build-binary-package"
	TypeCheckPackage       = "check-package"
	TypeTestPackage        = "test-package"
	TypeRoxygenize         = "roxygenize-package"
	TypeMake               = "make"
	TypeWebsite            = "website"
	TypeCustom             = "custom"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Controller runs builds.
type Controller interface {
	// StartBuild starts a build of the given type. Returns false when a
	// build is already running in the slot.
	StartBuild(ctx context.Context, params *entity.BuildParams) (bool, error)
	// TerminateBuild requests cooperative cancellation of the running build.
	TerminateBuild(ctx context.Context) (bool, error)
}

// Options are the per-project build options.
type Options struct {
	// PackagePath locates the package directory relative to the workspace
	// root. Empty means the workspace root itself.
	PackagePath string `yaml:"package_path"`
	InstallArgs string `yaml:"install_args"`
	BuildArgs   string `yaml:"build_args"`
	CheckArgs   string `yaml:"check_args"`
	// MakefilePath is the directory make runs in, relative to the root.
	MakefilePath string `yaml:"makefile_path"`
	// WebsitePath is the site directory, relative to the root.
	WebsitePath string `yaml:"website_path"`
	// CustomScript is the script run by the custom build type.
	CustomScript string `yaml:"custom_script"`
}

// Params are inbound parameters to construct the controller.
type Params struct {
	fx.In

	Sessions   session.Repository
	Slots      opslot.Registry
	Events     clientevents.Gateway
	Supervisor process.Supervisor
	Executor   executor.Executor
	FS         fs.SessionFS
	Logger     *zap.SugaredLogger
	Stats      tally.Scope
}

type buildJob struct {
	*process.Job

	buildType string
	// pkgDir is the directory error paths are resolved against.
	pkgDir  string
	grammar outputparser.TestthatGrammar
}

type controller struct {
	sessions   session.Repository
	slots      opslot.Registry
	events     clientevents.Gateway
	supervisor process.Supervisor
	executor   executor.Executor
	fs         fs.SessionFS
	logger     *zap.SugaredLogger
	stats      tally.Scope

	mu      sync.Mutex
	current *buildJob
}

// New creates a build Controller.
func New(p Params) Controller {
	return &controller{
		sessions:   p.Sessions,
		slots:      p.Slots,
		events:     p.Events,
		supervisor: p.Supervisor,
		executor:   p.Executor,
		fs:         p.FS,
		logger:     p.Logger.With("controller", _nameKey),
		stats:      p.Stats.SubScope(_nameKey),
	}
}

func (c *controller) StartBuild(ctx context.Context, params *entity.BuildParams) (bool, error) {
	sesh, err := c.sessions.GetFromContext(ctx)
	if err != nil {
		return false, err
	}

	handle, err := uuid.NewV4()
	if err != nil {
		return false, err
	}

	eventCtx, err := mapper.DetachedSessionContext(ctx)
	if err != nil {
		return false, err
	}

	opts := c.loadOptions(sesh.WorkspaceRoot)
	pkgDir := sesh.WorkspaceRoot
	if opts.PackagePath != "" {
		pkgDir = filepath.Join(sesh.WorkspaceRoot, opts.PackagePath)
	}

	job := &buildJob{
		Job:       process.NewJob(entity.OperationBuild, handle.String()),
		buildType: params.Type,
		pkgDir:    pkgDir,
	}

	if err := c.slots.TryStart(ctx, job.Job); err != nil {
		var inProgress *rsesserrors.OperationInProgressError
		if errors.As(err, &inProgress) {
			return false, nil
		}
		return false, err
	}

	c.mu.Lock()
	c.current = job
	c.mu.Unlock()
	job.MarkRunning()
	job.SetErrorsBaseDir(mapper.NormalizeErrorsBaseDir(pkgDir))

	c.events.BuildStarted(eventCtx)

	// Preflight failures complete the build immediately; no process runs.
	if err := c.preflight(params.Type, pkgDir, opts); err != nil {
		c.failBeforeLaunch(eventCtx, job, err.Error())
		return false, err
	}

	spec, err := c.buildSpec(params, pkgDir, sesh.WorkspaceRoot, opts)
	if err != nil {
		c.failBeforeLaunch(eventCtx, job, err.Error())
		return false, err
	}
	spec.Env = sesh.Env

	if params.Type == TypeTestPackage {
		job.grammar = c.detectTestthatGrammar()
	}

	cmdEcho := fmt.Sprintf("==> %s %s\n\n", filepath.Base(spec.Path), strings.Join(spec.Args, " "))
	job.AppendOutput(entity.OutputCommand, cmdEcho)
	c.events.BuildOutput(eventCtx, entity.OutputChunk{Channel: entity.OutputCommand, Text: cmdEcho})

	_, err = c.supervisor.Start(eventCtx, spec, process.Callbacks{
		OnContinue: func() bool { return !job.TerminateRequested() },
		OnStdout:   func(text string) { c.onOutput(eventCtx, job, entity.OutputNormal, text) },
		OnStderr:   func(text string) { c.onOutput(eventCtx, job, entity.OutputError, text) },
		OnExit:     func(exitCode int) { c.onExit(eventCtx, job, exitCode) },
	})
	if err != nil {
		c.failBeforeLaunch(eventCtx, job, err.Error())
		return false, err
	}

	c.logger.Infow("build started", "type", params.Type, "dir", pkgDir)
	return true, nil
}

func (c *controller) TerminateBuild(ctx context.Context) (bool, error) {
	c.mu.Lock()
	job := c.current
	c.mu.Unlock()

	if job == nil || job.State() != entity.OperationRunning {
		return false, nil
	}
	job.Terminate()
	return true, nil
}

func (c *controller) onOutput(ctx context.Context, job *buildJob, channel entity.OutputChannel, text string) {
	job.AppendOutput(channel, text)
	c.events.BuildOutput(ctx, entity.OutputChunk{Channel: channel, Text: text})
}

func (c *controller) onExit(ctx context.Context, job *buildJob, exitCode int) {
	if exitCode != 0 {
		statusText := fmt.Sprintf("\nExited with status %d.\n\n", exitCode)
		job.AppendOutput(entity.OutputError, statusText)
		c.events.BuildOutput(ctx, entity.OutputChunk{Channel: entity.OutputError, Text: statusText})
	}

	switch {
	case job.TerminateRequested():
		job.Complete(entity.OperationCancelled)
	case exitCode == 0:
		job.Complete(entity.OperationSucceeded)
	default:
		job.Complete(entity.OperationFailed)
	}

	var all strings.Builder
	for _, chunk := range job.Output() {
		if chunk.Channel != entity.OutputCommand {
			all.WriteString(chunk.Text)
		}
	}
	if markers := c.parseErrors(job, all.String()); len(markers) > 0 {
		job.AppendMarkers(markers...)
		c.events.BuildErrors(ctx, &mapper.BuildErrors{
			BaseDir: job.ErrorsBaseDir(),
			Errors:  markers,
		})
	}

	succeeded := job.State() == entity.OperationSucceeded
	c.stats.Tagged(map[string]string{"succeeded": fmt.Sprintf("%t", succeeded)}).Counter("completed").Inc(1)

	completed := &mapper.BuildCompleted{}
	if succeeded && (job.buildType == TypeBuildAll || job.buildType == TypeRebuildAll) {
		// A freshly installed package only takes effect in a new R session.
		completed.RestartR = true
		if pkg := c.packageName(job.pkgDir); pkg != "" {
			completed.AfterRestartCommand = fmt.Sprintf("library(%s)", pkg)
		}
	}
	c.events.BuildCompleted(ctx, completed)
	c.logger.Infow("build finished", "type", job.buildType, "state", job.State().String(), "exitCode", exitCode)
}

func (c *controller) failBeforeLaunch(ctx context.Context, job *buildJob, message string) {
	text := message + "\n"
	job.AppendOutput(entity.OutputError, text)
	job.Complete(entity.OperationFailed)
	c.events.BuildOutput(ctx, entity.OutputChunk{Channel: entity.OutputError, Text: text})
	c.events.BuildCompleted(ctx, &mapper.BuildCompleted{})
	c.stats.Tagged(map[string]string{"succeeded": "false"}).Counter("completed").Inc(1)
}

func (c *controller) preflight(buildType, pkgDir string, opts *Options) error {
	exists, err := c.fs.DirExists(pkgDir)
	if err != nil || !exists {
		return &rsesserrors.LaunchError{Command: buildType, Reason: fmt.Sprintf("build directory %q does not exist", pkgDir)}
	}

	switch buildType {
	case TypeBuildAll, TypeRebuildAll, TypeBuildSourcePackage, TypeBuildBinaryPackage, TypeCheckPackage, TypeTestPackage, TypeRoxygenize:
		if ok, _ := c.fs.FileExists(filepath.Join(pkgDir, _descriptionFile)); !ok {
			return &rsesserrors.LaunchError{Command: buildType, Reason: fmt.Sprintf("no DESCRIPTION file in %q; not an R package directory", pkgDir)}
		}
	case TypeCustom:
		if opts.CustomScript == "" {
			return &rsesserrors.LaunchError{Command: buildType, Reason: "no custom_script configured"}
		}
	}
	return nil
}

func (c *controller) buildSpec(params *entity.BuildParams, pkgDir, workspaceRoot string, opts *Options) (process.Spec, error) {
	switch params.Type {
	case TypeBuildAll, TypeRebuildAll:
		args := []string{"CMD", "INSTALL", "--with-keep.source"}
		if params.Type == TypeRebuildAll {
			args = append(args, "--preclean")
		}
		args = append(args, splitArgs(opts.InstallArgs)...)
		args = append(args, pkgDir)
		return process.Spec{Path: "R", Args: args, Dir: pkgDir}, nil

	case TypeBuildSourcePackage:
		args := append([]string{"CMD", "build"}, splitArgs(opts.BuildArgs)...)
		args = append(args, pkgDir)
		return process.Spec{Path: "R", Args: args, Dir: filepath.Dir(pkgDir)}, nil

	case TypeBuildBinaryPackage:
		args := append([]string{"CMD", "INSTALL", "--build"}, splitArgs(opts.BuildArgs)...)
		args = append(args, pkgDir)
		return process.Spec{Path: "R", Args: args, Dir: filepath.Dir(pkgDir)}, nil

	case TypeCheckPackage:
		args := append([]string{"CMD", "check"}, splitArgs(opts.CheckArgs)...)
		args = append(args, pkgDir)
		return process.Spec{Path: "R", Args: args, Dir: filepath.Dir(pkgDir)}, nil

	case TypeTestPackage:
		return process.Spec{Path: "Rscript", Args: []string{"-e", "testthat::test_local()"}, Dir: pkgDir}, nil

	case TypeRoxygenize:
		return process.Spec{Path: "Rscript", Args: []string{"-e", "roxygen2::roxygenize('.')"}, Dir: pkgDir}, nil

	case TypeMake:
		dir := workspaceRoot
		if opts.MakefilePath != "" {
			dir = filepath.Join(workspaceRoot, opts.MakefilePath)
		}
		args := []string{}
		if params.SubType != "" {
			args = append(args, params.SubType)
		}
		return process.Spec{Path: "make", Args: args, Dir: dir}, nil

	case TypeWebsite:
		dir := workspaceRoot
		if opts.WebsitePath != "" {
			dir = filepath.Join(workspaceRoot, opts.WebsitePath)
		}
		return process.Spec{Path: "Rscript", Args: []string{"-e", "rmarkdown::render_site()"}, Dir: dir}, nil

	case TypeCustom:
		script := opts.CustomScript
		if !filepath.IsAbs(script) {
			script = filepath.Join(workspaceRoot, script)
		}
		return process.Spec{Path: "sh", Args: []string{script}, Dir: workspaceRoot}, nil
	}

	return process.Spec{}, fmt.Errorf("unknown build type %q", params.Type)
}

// parseErrors picks the error grammar for the completed build type.
func (c *controller) parseErrors(job *buildJob, output string) []entity.Marker {
	baseDir := job.pkgDir
	switch job.buildType {
	case TypeTestPackage:
		return outputparser.ParseTestthat(filepath.Join(baseDir, "tests", "testthat"), output, job.grammar)
	case TypeMake, TypeCustom:
		return outputparser.ParseGccErrors(baseDir, output)
	default:
		markers := outputparser.ParseGccErrors(baseDir, output)
		return append(markers, outputparser.ParseRErrors(baseDir, output)...)
	}
}

// detectTestthatGrammar probes the installed testthat version once per test
// run; output format differs across major versions.
func (c *controller) detectTestthatGrammar() outputparser.TestthatGrammar {
	cmd := exec.Command("Rscript", "-e", "cat(as.character(utils::packageVersion('testthat')))")
	stdout, _, _, err := c.executor.Run(cmd)
	if err != nil {
		c.logger.Debugw("testthat version probe failed", "error", err)
		return outputparser.TestthatEdition3
	}
	return outputparser.GrammarForTestthatVersion(stdout)
}

func (c *controller) loadOptions(workspaceRoot string) *Options {
	opts := &Options{}
	data, err := c.fs.ReadFile(filepath.Join(workspaceRoot, _buildOptionsFile))
	if err != nil {
		return opts
	}
	if err := yaml.Unmarshal(data, opts); err != nil {
		c.logger.Warnw("invalid build options file", "file", _buildOptionsFile, "error", err)
		return &Options{}
	}
	return opts
}

// packageName reads the Package field of a DESCRIPTION file.
func (c *controller) packageName(pkgDir string) string {
	file, err := c.fs.Open(filepath.Join(pkgDir, _descriptionFile))
	if err != nil {
		return ""
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if after, found := strings.CutPrefix(scanner.Text(), "Package:"); found {
			return strings.TrimSpace(after)
		}
	}
	return ""
}

func splitArgs(args string) []string {
	if strings.TrimSpace(args) == "" {
		return nil
	}
	return strings.Fields(args)
}
