// Package render runs R Markdown renders as supervised Rscript processes
// and streams their progress to the IDE client.
package render

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/uuid"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/rsess/rsessd/src/rsessd/entity"
	clientevents "github.com/rsess/rsessd/src/rsessd/gateway/client-events"
	rsesserrors "github.com/rsess/rsessd/src/rsessd/internal/errors"
	"github.com/rsess/rsessd/src/rsessd/internal/fs"
	"github.com/rsess/rsessd/src/rsessd/internal/outputparser"
	"github.com/rsess/rsessd/src/rsessd/internal/process"
	"github.com/rsess/rsessd/src/rsessd/internal/watcher"
	"github.com/rsess/rsessd/src/rsessd/mapper"
	"github.com/rsess/rsessd/src/rsessd/repository/opslot"
)

const (
	_nameKey = "render"

	// rmarkdown::render announces its product with this line on success.
	_outputCreatedMarker = "Output created: "

	// Number of completed render outputs retained for serving content.
	_maxRetainedOutputs = 5

	_rscriptPath = "Rscript"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Controller runs R Markdown renders.
type Controller interface {
	// RenderRmd starts a render. Returns false when a render is already
	// running in the slot.
	RenderRmd(ctx context.Context, params *entity.RenderParams) (bool, error)
	// TerminateRenderRmd requests cooperative cancellation of the running
	// render. Normal termination completes the operation as succeeded,
	// which is how a finished Shiny document session shuts down.
	TerminateRenderRmd(ctx context.Context, params *entity.TerminateRenderParams) (bool, error)
	// TerminateQuietly cancels any running render without emitting a
	// completion event. Called when a reconnecting client supersedes this
	// session, so an orphaned Shiny server does not outlive its viewer.
	TerminateQuietly(ctx context.Context)
	// RecentOutputs lists the most recent completed render output files,
	// newest first.
	RecentOutputs(ctx context.Context) []string
}

// Params are inbound parameters to construct the controller.
type Params struct {
	fx.In

	Slots      opslot.Registry
	Events     clientevents.Gateway
	Supervisor process.Supervisor
	Watcher    watcher.FileWatcher
	FS         fs.SessionFS
	Logger     *zap.SugaredLogger
	Stats      tally.Scope
}

type renderJob struct {
	*process.Job

	mu         sync.Mutex
	targetFile string
	targetLine int
	format     string
	encoding   string
	renderType entity.RenderType
	workingDir string
	outputFile string
	lineBuf    string
	// normal is set when termination was requested as an expected shutdown
	// rather than a user abort.
	normal bool
}

type controller struct {
	slots      opslot.Registry
	events     clientevents.Gateway
	supervisor process.Supervisor
	watcher    watcher.FileWatcher
	fs         fs.SessionFS
	logger     *zap.SugaredLogger
	stats      tally.Scope

	mu      sync.Mutex
	current *renderJob
	recent  []string
}

// New creates a render Controller.
func New(p Params) Controller {
	return &controller{
		slots:      p.Slots,
		events:     p.Events,
		supervisor: p.Supervisor,
		watcher:    p.Watcher,
		fs:         p.FS,
		logger:     p.Logger.With("controller", _nameKey),
		stats:      p.Stats.SubScope(_nameKey),
	}
}

func (c *controller) RenderRmd(ctx context.Context, params *entity.RenderParams) (bool, error) {
	handle, err := uuid.NewV4()
	if err != nil {
		return false, err
	}

	workingDir := params.WorkingDir
	if workingDir == "" {
		workingDir = filepath.Dir(params.File)
	}

	job := &renderJob{
		Job:        process.NewJob(entity.OperationRender, handle.String()),
		targetFile: params.File,
		targetLine: params.Line,
		format:     params.Format,
		encoding:   params.Encoding,
		renderType: params.RenderType,
		workingDir: workingDir,
		outputFile: params.ExistingOutputFile,
	}

	if exists, _ := c.fs.FileExists(params.File); !exists {
		return false, &rsesserrors.LaunchError{Command: _rscriptPath, Reason: fmt.Sprintf("input file %q does not exist", params.File)}
	}

	if err := c.slots.TryStart(ctx, job.Job); err != nil {
		var inProgress *rsesserrors.OperationInProgressError
		if errors.As(err, &inProgress) {
			return false, nil
		}
		return false, err
	}

	eventCtx, err := mapper.DetachedSessionContext(ctx)
	if err != nil {
		return false, err
	}

	spec := process.Spec{
		Path:           _rscriptPath,
		Args:           []string{"-e", renderCommand(params)},
		Dir:            workingDir,
		RedirectStderr: true,
	}

	cmdEcho := fmt.Sprintf("==> %s %s\n\n", spec.Path, strings.Join(spec.Args, " "))

	c.mu.Lock()
	c.current = job
	c.mu.Unlock()
	job.MarkRunning()

	c.events.RenderStarted(eventCtx, &mapper.RenderStarted{
		TargetFile:   params.File,
		OutputFormat: params.Format,
		Line:         params.Line,
	})
	job.AppendOutput(entity.OutputCommand, cmdEcho)
	c.events.RenderOutput(eventCtx, entity.OutputChunk{Channel: entity.OutputCommand, Text: cmdEcho})

	handleProc, err := c.supervisor.Start(eventCtx, spec, process.Callbacks{
		OnContinue: func() bool { return !job.TerminateRequested() },
		OnStdout:   func(text string) { c.onOutput(eventCtx, job, text) },
		OnExit:     func(exitCode int) { c.onExit(eventCtx, job, exitCode) },
	})
	if err != nil {
		// Never started: fail the slot occupant and report a terminal event.
		job.AppendOutput(entity.OutputError, err.Error()+"\n")
		job.Complete(entity.OperationFailed)
		c.events.RenderOutput(eventCtx, entity.OutputChunk{Channel: entity.OutputError, Text: err.Error() + "\n"})
		c.events.RenderCompleted(eventCtx, c.completedPayload(job))
		return false, err
	}

	c.logger.Infow("render started", "file", params.File, "format", params.Format, "pid", handleProc.Pid())
	return true, nil
}

func (c *controller) TerminateRenderRmd(ctx context.Context, params *entity.TerminateRenderParams) (bool, error) {
	c.mu.Lock()
	job := c.current
	c.mu.Unlock()

	if job == nil || job.State() != entity.OperationRunning {
		return false, nil
	}

	job.mu.Lock()
	job.normal = params.Normal
	job.mu.Unlock()
	job.Terminate()
	return true, nil
}

func (c *controller) TerminateQuietly(ctx context.Context) {
	c.mu.Lock()
	job := c.current
	c.mu.Unlock()

	if job != nil && job.State() == entity.OperationRunning {
		job.TerminateQuietly()
	}
}

func (c *controller) RecentOutputs(ctx context.Context) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.recent))
	copy(out, c.recent)
	return out
}

// onOutput records a chunk, forwards it to the client and scans completed
// lines for the output location and knitr chunk failures.
func (c *controller) onOutput(ctx context.Context, job *renderJob, text string) {
	job.AppendOutput(entity.OutputNormal, text)
	c.events.RenderOutput(ctx, entity.OutputChunk{Channel: entity.OutputNormal, Text: text})

	job.mu.Lock()
	job.lineBuf += text
	lines := strings.Split(job.lineBuf, "\n")
	job.lineBuf = lines[len(lines)-1]
	workingDir := job.workingDir
	targetDir := filepath.Dir(job.targetFile)
	job.mu.Unlock()

	for _, line := range lines[:len(lines)-1] {
		if after, found := strings.CutPrefix(line, _outputCreatedMarker); found {
			outputFile := strings.TrimSpace(after)
			if !filepath.IsAbs(outputFile) {
				outputFile = filepath.Join(workingDir, outputFile)
			}
			job.mu.Lock()
			job.outputFile = outputFile
			job.mu.Unlock()
			continue
		}
		if marker, ok := outputparser.ParseKnitrError(targetDir, line); ok {
			job.AppendMarkers(marker)
		}
	}
}

func (c *controller) onExit(ctx context.Context, job *renderJob, exitCode int) {
	job.mu.Lock()
	outputFile := job.outputFile
	normal := job.normal
	format := job.format
	job.mu.Unlock()

	outputExists := false
	if outputFile != "" {
		outputExists, _ = c.fs.FileExists(outputFile)
	}

	switch {
	case job.TerminateRequested() && normal:
		job.Complete(entity.OperationSucceeded)
	case job.TerminateRequested():
		job.Complete(entity.OperationCancelled)
	case exitCode == 0 && outputExists:
		job.Complete(entity.OperationSucceeded)
	default:
		job.Complete(entity.OperationFailed)
	}

	succeeded := job.State() == entity.OperationSucceeded
	c.stats.Tagged(map[string]string{"succeeded": fmt.Sprintf("%t", succeeded)}).Counter("completed").Inc(1)

	if !succeeded && job.State() == entity.OperationFailed {
		if hint := texDiagnostic(format, job.Output()); hint != "" {
			job.AppendOutput(entity.OutputError, hint)
			c.events.RenderOutput(ctx, entity.OutputChunk{Channel: entity.OutputError, Text: hint})
		}
	}

	if succeeded && outputExists {
		c.recordOutput(outputFile)
		if job.renderType == entity.RenderTypeShiny || job.renderType == entity.RenderTypeNotebook {
			c.watchOutput(ctx, outputFile)
		}
	}

	if !job.Quiet() {
		c.events.RenderCompleted(ctx, c.completedPayload(job))
	}
	c.logger.Infow("render finished", "state", job.State().String(), "exitCode", exitCode, "outputFile", outputFile)
}

func (c *controller) completedPayload(job *renderJob) *mapper.RenderCompleted {
	job.mu.Lock()
	defer job.mu.Unlock()

	outputURL := ""
	if job.outputFile != "" {
		outputURL = mapper.OutputURLForFile(job.outputFile)
	}

	return &mapper.RenderCompleted{
		Succeeded:       job.State() == entity.OperationSucceeded,
		TargetFile:      job.targetFile,
		TargetEncoding:  job.encoding,
		TargetLine:      job.targetLine,
		OutputFile:      job.outputFile,
		OutputURL:       outputURL,
		OutputFormat:    job.format,
		KnitrErrors:     job.Markers(),
		IsShinyDocument: job.renderType == entity.RenderTypeShiny,
		HasShinyContent: job.renderType == entity.RenderTypeShiny,
	}
}

func (c *controller) recordOutput(outputFile string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Move an already-known output to the front instead of duplicating it.
	for i, existing := range c.recent {
		if existing == outputFile {
			c.recent = append(c.recent[:i], c.recent[i+1:]...)
			break
		}
	}
	c.recent = append([]string{outputFile}, c.recent...)
	if len(c.recent) > _maxRetainedOutputs {
		c.recent = c.recent[:_maxRetainedOutputs]
	}
}

func (c *controller) watchOutput(ctx context.Context, outputFile string) {
	err := c.watcher.Watch(outputFile, func(path string) {
		c.events.OutputChanged(ctx, mapper.OutputURLForFile(path))
	})
	if err != nil {
		c.logger.Warnw("watching render output", "file", outputFile, "error", err)
	}
}

// renderCommand builds the R expression handed to Rscript -e.
func renderCommand(params *entity.RenderParams) string {
	file := escapeRString(params.File)

	if params.RenderType == entity.RenderTypeShiny {
		return fmt.Sprintf("rmarkdown::run(%s)", file)
	}

	var args []string
	args = append(args, file)
	if params.RenderType == entity.RenderTypeNotebook {
		args = append(args, "output_format = 'html_notebook'")
	} else if params.Format != "" {
		args = append(args, fmt.Sprintf("output_format = %s", escapeRString(params.Format)))
	}
	if params.Encoding != "" {
		args = append(args, fmt.Sprintf("encoding = %s", escapeRString(params.Encoding)))
	}
	if params.ParamsFile != "" {
		args = append(args, fmt.Sprintf("params = readRDS(%s)", escapeRString(params.ParamsFile)))
	}
	if params.AsTempfile {
		args = append(args, "output_dir = tempdir()")
	}
	return fmt.Sprintf("rmarkdown::render(%s)", strings.Join(args, ", "))
}

func escapeRString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// texDiagnostic appends a root-cause hint when a PDF render failed because
// no TeX toolchain is available.
func texDiagnostic(format string, output []entity.OutputChunk) string {
	if !strings.Contains(strings.ToLower(format), "pdf") {
		return ""
	}

	var all strings.Builder
	for _, chunk := range output {
		all.WriteString(chunk.Text)
	}
	text := all.String()

	for _, needle := range []string{"pdflatex is not available", "No LaTeX installation detected", "LaTeX failed to compile"} {
		if strings.Contains(text, needle) {
			return "\nPDF rendering requires a LaTeX installation. Install TinyTeX with tinytex::install_tinytex() and retry.\n"
		}
	}
	return ""
}
