// Package find runs workspace-wide search and search-and-replace by
// supervising grep or git grep and decoding their color-marked output into
// match records with codepoint offsets.
package find

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/uuid"
	ignore "github.com/sabhiram/go-gitignore"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/rsess/rsessd/src/rsessd/entity"
	clientevents "github.com/rsess/rsessd/src/rsessd/gateway/client-events"
	rsesserrors "github.com/rsess/rsessd/src/rsessd/internal/errors"
	"github.com/rsess/rsessd/src/rsessd/internal/fs"
	"github.com/rsess/rsessd/src/rsessd/internal/outputparser"
	"github.com/rsess/rsessd/src/rsessd/internal/process"
	"github.com/rsess/rsessd/src/rsessd/mapper"
	"github.com/rsess/rsessd/src/rsessd/repository/opslot"
)

const (
	_nameKey = "find"

	// Hard cap on match records per operation.
	_maxCount = 1000

	// Records accumulated before an incremental batch event is flushed.
	_batchSize = 50
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Controller runs find and replace operations.
type Controller interface {
	// BeginFind starts a search and returns its handle.
	BeginFind(ctx context.Context, params *entity.FindParams) (string, error)
	// StopFind cancels the running search if its handle matches.
	StopFind(ctx context.Context, params *entity.StopParams) (bool, error)
	// PreviewReplace starts a dry-run replace: records carry replacement
	// offsets and diffs but no file is modified.
	PreviewReplace(ctx context.Context, params *entity.ReplaceParams) (string, error)
	// CompleteReplace starts a replace that rewrites matched files.
	CompleteReplace(ctx context.Context, params *entity.ReplaceParams) (string, error)
	// StopReplace cancels the running replace if its handle matches.
	StopReplace(ctx context.Context, params *entity.StopParams) (bool, error)
}

// Params are inbound parameters to construct the controller.
type Params struct {
	fx.In

	Slots      opslot.Registry
	Events     clientevents.Gateway
	Supervisor process.Supervisor
	FS         fs.SessionFS
	Logger     *zap.SugaredLogger
	Stats      tally.Scope
}

type searchMode int

const (
	modeFind searchMode = iota
	modePreview
	modeComplete
)

type fileMatch struct {
	line  int
	clean string
	on    []int
	off   []int
}

type searchJob struct {
	*process.Job

	mode        searchMode
	params      entity.ReplaceParams
	convention  outputparser.GrepConvention
	gitGrep     bool
	ignorer     *ignore.GitIgnore
	substituter *substituter

	mu        sync.Mutex
	lineBuf   string
	pending   []mapper.FindResult
	count     int
	truncated bool

	// Per-file matches retained for the rewrite pass in complete mode.
	matchesByFile map[string][]fileMatch
	fileOrder     []string
}

type controller struct {
	slots      opslot.Registry
	events     clientevents.Gateway
	supervisor process.Supervisor
	fs         fs.SessionFS
	logger     *zap.SugaredLogger
	stats      tally.Scope

	mu      sync.Mutex
	current *searchJob
}

// New creates a find Controller.
func New(p Params) Controller {
	return &controller{
		slots:      p.Slots,
		events:     p.Events,
		supervisor: p.Supervisor,
		fs:         p.FS,
		logger:     p.Logger.With("controller", _nameKey),
		stats:      p.Stats.SubScope(_nameKey),
	}
}

func (c *controller) BeginFind(ctx context.Context, params *entity.FindParams) (string, error) {
	return c.begin(ctx, &entity.ReplaceParams{FindParams: *params}, modeFind)
}

func (c *controller) PreviewReplace(ctx context.Context, params *entity.ReplaceParams) (string, error) {
	return c.begin(ctx, params, modePreview)
}

func (c *controller) CompleteReplace(ctx context.Context, params *entity.ReplaceParams) (string, error) {
	return c.begin(ctx, params, modeComplete)
}

func (c *controller) StopFind(ctx context.Context, params *entity.StopParams) (bool, error) {
	return c.stop(params.Handle), nil
}

func (c *controller) StopReplace(ctx context.Context, params *entity.StopParams) (bool, error) {
	return c.stop(params.Handle), nil
}

func (c *controller) begin(ctx context.Context, params *entity.ReplaceParams, mode searchMode) (string, error) {
	handle := params.Handle
	if handle == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return "", err
		}
		handle = id.String()
	}

	if exists, _ := c.fs.DirExists(params.Directory); !exists {
		return "", &rsesserrors.LaunchError{Command: "grep", Reason: fmt.Sprintf("search directory %q does not exist", params.Directory)}
	}

	job := &searchJob{
		Job:           process.NewJob(entity.OperationFind, handle),
		mode:          mode,
		params:        *params,
		gitGrep:       params.UseGitGrep,
		matchesByFile: make(map[string][]fileMatch),
	}
	if params.UseGitGrep {
		job.convention = outputparser.GitGrepColors
	} else {
		job.convention = outputparser.GrepColors
	}

	if mode != modeFind {
		sub, err := newSubstituter(params)
		if err != nil {
			return "", err
		}
		job.substituter = sub
	}

	// Plain grep does not honor .gitignore; filter its matches ourselves.
	if params.ExcludeGitIgnore && !params.UseGitGrep {
		if ignorer, err := ignore.CompileIgnoreFile(filepath.Join(params.Directory, ".gitignore")); err == nil {
			job.ignorer = ignorer
		}
	}

	if err := c.slots.TryStart(ctx, job.Job); err != nil {
		return "", err
	}

	eventCtx, err := mapper.DetachedSessionContext(ctx)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.current = job
	c.mu.Unlock()
	job.MarkRunning()

	spec := grepSpec(params)
	_, err = c.supervisor.Start(eventCtx, spec, process.Callbacks{
		OnContinue: func() bool { return !job.TerminateRequested() },
		OnStdout:   func(text string) { c.onOutput(eventCtx, job, text) },
		OnStderr:   func(text string) { job.AppendOutput(entity.OutputError, text) },
		OnExit:     func(exitCode int) { c.onExit(eventCtx, job, exitCode) },
	})
	if err != nil {
		job.Complete(entity.OperationFailed)
		c.events.FindOperationEnded(eventCtx, &mapper.FindOperationEnded{Handle: handle})
		return "", err
	}

	c.logger.Infow("search started", "handle", handle, "gitGrep", params.UseGitGrep, "dir", params.Directory)
	return handle, nil
}

func (c *controller) stop(handle string) bool {
	c.mu.Lock()
	job := c.current
	c.mu.Unlock()

	if job == nil || job.Handle() != handle || job.State() != entity.OperationRunning {
		return false
	}
	job.Terminate()
	return true
}

// grepSpec builds the command line for the search tool.
func grepSpec(params *entity.ReplaceParams) process.Spec {
	if params.UseGitGrep {
		args := []string{"grep", "-Hn", "--color=always", "--untracked"}
		args = appendCommonGrepFlags(args, &params.FindParams)
		args = append(args, "-e", params.SearchString, "--")
		for _, p := range params.IncludePatterns {
			args = append(args, p)
		}
		for _, p := range params.ExcludePatterns {
			args = append(args, ":(exclude)"+p)
		}
		return process.Spec{Path: "git", Args: args, Dir: params.Directory}
	}

	args := []string{"-rHn", "--color=always", "--binary-files=without-match"}
	args = appendCommonGrepFlags(args, &params.FindParams)
	for _, p := range params.IncludePatterns {
		args = append(args, "--include="+p)
	}
	for _, p := range params.ExcludePatterns {
		args = append(args, "--exclude="+p)
	}
	args = append(args, "-e", params.SearchString, ".")
	return process.Spec{Path: "grep", Args: args, Dir: params.Directory}
}

func appendCommonGrepFlags(args []string, params *entity.FindParams) []string {
	if params.IgnoreCase {
		args = append(args, "-i")
	}
	if params.WholeWord {
		args = append(args, "-w")
	}
	if params.Regex {
		args = append(args, "-E")
	} else {
		args = append(args, "-F")
	}
	return args
}

func (c *controller) onOutput(ctx context.Context, job *searchJob, text string) {
	job.mu.Lock()
	if job.truncated {
		// Cap already reached; remaining output is discarded.
		job.mu.Unlock()
		return
	}
	job.lineBuf += text
	lines := strings.Split(job.lineBuf, "\n")
	job.lineBuf = lines[len(lines)-1]
	job.mu.Unlock()

	for _, line := range lines[:len(lines)-1] {
		if line == "" {
			continue
		}
		c.processLine(ctx, job, line)
	}
}

func (c *controller) processLine(ctx context.Context, job *searchJob, line string) {
	var match outputparser.GrepMatch
	var ok bool
	if job.gitGrep {
		match, ok = outputparser.ParseGitGrepLine(line)
	} else {
		match, ok = outputparser.ParseGrepLine(line)
	}
	if !ok {
		return
	}

	file := filepath.Clean(match.File)
	if job.ignorer != nil && job.ignorer.MatchesPath(file) {
		return
	}
	if !filepath.IsAbs(file) {
		file = filepath.Join(job.params.Directory, file)
	}

	clean, on, off := job.convention.ExtractMatches(match.Raw)
	if len(on) == 0 {
		return
	}

	job.mu.Lock()
	if job.count >= _maxCount {
		job.mu.Unlock()
		return
	}
	job.count++
	reachedCap := job.count == _maxCount
	if reachedCap {
		job.truncated = true
	}

	flush := false
	switch job.mode {
	case modeComplete:
		// Substitution happens in the rewrite pass after the process ends;
		// retain the match, records are emitted once files are rewritten.
		if _, seen := job.matchesByFile[file]; !seen {
			job.fileOrder = append(job.fileOrder, file)
		}
		job.matchesByFile[file] = append(job.matchesByFile[file], fileMatch{line: match.Line, clean: clean, on: on, off: off})
	default:
		result := mapper.FindResult{
			File:      file,
			Line:      match.Line,
			LineValue: clean,
			MatchOn:   on,
			MatchOff:  off,
		}
		if job.mode == modePreview {
			job.substituter.preview(&result)
		}
		job.pending = append(job.pending, result)
		flush = len(job.pending) >= _batchSize
	}
	job.mu.Unlock()

	if flush {
		c.flushBatch(ctx, job)
	}
	if reachedCap {
		// Force-complete: the child may still be producing output.
		job.Terminate()
	}
}

func (c *controller) flushBatch(ctx context.Context, job *searchJob) {
	job.mu.Lock()
	if len(job.pending) == 0 {
		job.mu.Unlock()
		return
	}
	batch := &mapper.FindResultBatch{Handle: job.Handle(), Results: job.pending}
	job.pending = nil
	job.mu.Unlock()

	if job.mode == modeFind {
		c.events.FindResults(ctx, batch)
	} else {
		c.events.ReplaceResults(ctx, batch)
	}
}

func (c *controller) onExit(ctx context.Context, job *searchJob, exitCode int) {
	// Trailing record without a final newline.
	job.mu.Lock()
	tail := job.lineBuf
	job.lineBuf = ""
	truncated := job.truncated
	job.mu.Unlock()
	if tail != "" && !truncated {
		c.processLine(ctx, job, tail)
	}

	if job.mode == modeComplete {
		c.applyReplacements(ctx, job)
	}
	c.flushBatch(ctx, job)

	job.mu.Lock()
	truncated = job.truncated
	count := job.count
	job.mu.Unlock()

	switch {
	case truncated:
		// Cap-induced termination is a successful, if partial, search.
		job.Complete(entity.OperationSucceeded)
	case job.TerminateRequested():
		job.Complete(entity.OperationCancelled)
	case exitCode <= 1:
		// grep exits 1 on zero matches; that is still a completed search.
		job.Complete(entity.OperationSucceeded)
	default:
		job.Complete(entity.OperationFailed)
	}

	c.stats.Tagged(map[string]string{"state": job.State().String()}).Counter("completed").Inc(1)
	c.events.FindOperationEnded(ctx, &mapper.FindOperationEnded{Handle: job.Handle(), Truncated: truncated})
	c.logger.Infow("search finished", "handle", job.Handle(), "state", job.State().String(), "results", count, "truncated", truncated)
}
