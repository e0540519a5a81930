package render

import (
	"context"
	"os"
	"path/filepath"
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
	rsesserrors "github.com/rsess/rsessd/src/rsessd/internal/errors"
	"github.com/rsess/rsessd/src/rsessd/internal/fs"
	"github.com/rsess/rsessd/src/rsessd/internal/settings"
	"github.com/rsess/rsessd/src/rsessd/mapper"
	"github.com/rsess/rsessd/src/rsessd/repository/opslot"
)

type fixture struct {
	controller Controller
	supervisor *factory.ScriptedSupervisor
	events     *factory.EventRecorder
	watcher    *factory.WatchRecorder
	ctx        context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	path := filepath.Join(t.TempDir(), "settings.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := settings.NewWithDB(db, zap.NewNop().Sugar())
	require.NoError(t, err)

	supervisor := factory.NewScriptedSupervisor()
	events := factory.NewEventRecorder()
	fw := factory.NewWatchRecorder()

	c := New(Params{
		Slots:      opslot.New(store, tally.NewTestScope("testing", nil), clock.New()),
		Events:     events,
		Supervisor: supervisor,
		Watcher:    fw,
		FS:         fs.New(),
		Logger:     zap.NewNop().Sugar(),
		Stats:      tally.NewTestScope("testing", nil),
	})

	return &fixture{
		controller: c,
		supervisor: supervisor,
		events:     events,
		watcher:    fw,
		ctx:        factory.SessionContext(factory.UUID()),
	}
}

func writeTestDoc(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	target := filepath.Join(dir, "doc.Rmd")
	require.NoError(t, os.WriteFile(target, []byte("# Title\n"), 0644))
	return target
}

func TestRenderSuccess(t *testing.T) {
	f := newFixture(t)
	target := writeTestDoc(t)

	started, err := f.controller.RenderRmd(f.ctx, &entity.RenderParams{File: target, Format: "html_document", Line: 3})
	require.NoError(t, err)
	require.True(t, started)

	require.Len(t, f.events.ByMethod(clientevents.MethodRenderStarted), 1)

	// Simulate the renderer announcing and producing its output.
	outputFile := filepath.Join(filepath.Dir(target), "doc.html")
	require.NoError(t, os.WriteFile(outputFile, []byte("<html/>"), 0644))
	cb := f.supervisor.Callbacks()
	cb.OnStdout("processing file: doc.Rmd\n")
	cb.OnStdout("Output created: doc.html\n")
	cb.OnExit(0)

	completed := f.events.ByMethod(clientevents.MethodRenderCompleted)
	require.Len(t, completed, 1)
	payload := completed[0].Payload.(*mapper.RenderCompleted)
	assert.True(t, payload.Succeeded)
	assert.Equal(t, target, payload.TargetFile)
	assert.Equal(t, 3, payload.TargetLine)
	assert.Equal(t, outputFile, payload.OutputFile)
	assert.Equal(t, mapper.OutputURLForFile(outputFile), payload.OutputURL)
	assert.Empty(t, payload.KnitrErrors)

	assert.Equal(t, []string{outputFile}, f.controller.RecentOutputs(f.ctx))
}

func TestRenderSlotBusy(t *testing.T) {
	f := newFixture(t)
	target := writeTestDoc(t)

	started, err := f.controller.RenderRmd(f.ctx, &entity.RenderParams{File: target})
	require.NoError(t, err)
	require.True(t, started)

	started, err = f.controller.RenderRmd(f.ctx, &entity.RenderParams{File: target})
	require.NoError(t, err)
	assert.False(t, started)
}

func TestRenderMissingInputFile(t *testing.T) {
	f := newFixture(t)

	started, err := f.controller.RenderRmd(f.ctx, &entity.RenderParams{File: "/no/such/doc.Rmd"})
	assert.False(t, started)
	require.Error(t, err)
	var launchErr *rsesserrors.LaunchError
	assert.ErrorAs(t, err, &launchErr)
	assert.Empty(t, f.events.ByMethod(clientevents.MethodRenderStarted))
}

func TestRenderLaunchFailure(t *testing.T) {
	f := newFixture(t)
	target := writeTestDoc(t)
	f.supervisor.FailNextStart(&rsesserrors.LaunchError{Command: "Rscript", Reason: "executable not found"})

	started, err := f.controller.RenderRmd(f.ctx, &entity.RenderParams{File: target})
	assert.False(t, started)
	require.Error(t, err)

	completed := f.events.ByMethod(clientevents.MethodRenderCompleted)
	require.Len(t, completed, 1)
	assert.False(t, completed[0].Payload.(*mapper.RenderCompleted).Succeeded)
}

func TestRenderKnitrErrorCollected(t *testing.T) {
	f := newFixture(t)
	target := writeTestDoc(t)

	started, err := f.controller.RenderRmd(f.ctx, &entity.RenderParams{File: target})
	require.NoError(t, err)
	require.True(t, started)

	cb := f.supervisor.Callbacks()
	cb.OnStdout("Quitting from lines 5-7 (doc.Rmd) Error in eval: object 'x' not found\n")
	cb.OnExit(1)

	completed := f.events.ByMethod(clientevents.MethodRenderCompleted)
	require.Len(t, completed, 1)
	payload := completed[0].Payload.(*mapper.RenderCompleted)
	assert.False(t, payload.Succeeded)
	require.Len(t, payload.KnitrErrors, 1)
	assert.Equal(t, 5, payload.KnitrErrors[0].Line)
	assert.Equal(t, filepath.Join(filepath.Dir(target), "doc.Rmd"), payload.KnitrErrors[0].File)
}

func TestRenderSplitChunkLineParsing(t *testing.T) {
	f := newFixture(t)
	target := writeTestDoc(t)

	started, err := f.controller.RenderRmd(f.ctx, &entity.RenderParams{File: target})
	require.NoError(t, err)
	require.True(t, started)

	outputFile := filepath.Join(filepath.Dir(target), "doc.html")
	require.NoError(t, os.WriteFile(outputFile, []byte("<html/>"), 0644))

	// The marker line arrives split across two chunks.
	cb := f.supervisor.Callbacks()
	cb.OnStdout("Output crea")
	cb.OnStdout("ted: doc.html\n")
	cb.OnExit(0)

	completed := f.events.ByMethod(clientevents.MethodRenderCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, outputFile, completed[0].Payload.(*mapper.RenderCompleted).OutputFile)
}

func TestTerminateRender(t *testing.T) {
	tests := []struct {
		name          string
		normal        bool
		wantSucceeded bool
	}{
		{name: "user abort", normal: false, wantSucceeded: false},
		{name: "normal shutdown", normal: true, wantSucceeded: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			target := writeTestDoc(t)

			started, err := f.controller.RenderRmd(f.ctx, &entity.RenderParams{File: target})
			require.NoError(t, err)
			require.True(t, started)

			ok, err := f.controller.TerminateRenderRmd(f.ctx, &entity.TerminateRenderParams{Normal: tt.normal})
			require.NoError(t, err)
			assert.True(t, ok)

			cb := f.supervisor.Callbacks()
			assert.False(t, cb.OnContinue())
			cb.OnExit(143)

			completed := f.events.ByMethod(clientevents.MethodRenderCompleted)
			require.Len(t, completed, 1)
			assert.Equal(t, tt.wantSucceeded, completed[0].Payload.(*mapper.RenderCompleted).Succeeded)
		})
	}
}

func TestTerminateRenderNothingRunning(t *testing.T) {
	f := newFixture(t)
	ok, err := f.controller.TerminateRenderRmd(f.ctx, &entity.TerminateRenderParams{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTerminateQuietlySuppressesCompletion(t *testing.T) {
	f := newFixture(t)
	target := writeTestDoc(t)

	started, err := f.controller.RenderRmd(f.ctx, &entity.RenderParams{File: target})
	require.NoError(t, err)
	require.True(t, started)

	f.controller.TerminateQuietly(f.ctx)
	cb := f.supervisor.Callbacks()
	assert.False(t, cb.OnContinue())
	cb.OnExit(143)

	assert.Empty(t, f.events.ByMethod(clientevents.MethodRenderCompleted))
}

func TestNotebookRenderWatchesOutput(t *testing.T) {
	f := newFixture(t)
	target := writeTestDoc(t)

	started, err := f.controller.RenderRmd(f.ctx, &entity.RenderParams{File: target, RenderType: entity.RenderTypeNotebook})
	require.NoError(t, err)
	require.True(t, started)

	outputFile := filepath.Join(filepath.Dir(target), "doc.nb.html")
	require.NoError(t, os.WriteFile(outputFile, []byte("<html/>"), 0644))
	cb := f.supervisor.Callbacks()
	cb.OnStdout("Output created: doc.nb.html\n")
	cb.OnExit(0)

	onChange, watched := f.watcher.Callback(outputFile)
	require.True(t, watched)

	onChange(outputFile)
	changes := f.events.ByMethod(clientevents.MethodOutputChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, mapper.OutputURLForFile(outputFile), changes[0].Payload)
}

func TestRecentOutputsBounded(t *testing.T) {
	f := newFixture(t)
	target := writeTestDoc(t)
	dir := filepath.Dir(target)

	for i := 0; i < _maxRetainedOutputs+2; i++ {
		started, err := f.controller.RenderRmd(f.ctx, &entity.RenderParams{File: target})
		require.NoError(t, err)
		require.True(t, started)

		name := filepath.Join(dir, "out"+string(rune('a'+i))+".html")
		require.NoError(t, os.WriteFile(name, []byte("<html/>"), 0644))
		cb := f.supervisor.Callbacks()
		cb.OnStdout("Output created: " + filepath.Base(name) + "\n")
		cb.OnExit(0)
	}

	recent := f.controller.RecentOutputs(f.ctx)
	assert.Len(t, recent, _maxRetainedOutputs)
	assert.Equal(t, filepath.Join(dir, "outg.html"), recent[0])
}

func TestRenderCommand(t *testing.T) {
	tests := []struct {
		name   string
		params entity.RenderParams
		want   string
	}{
		{
			name:   "static with format and encoding",
			params: entity.RenderParams{File: "/p/doc.Rmd", Format: "html_document", Encoding: "UTF-8"},
			want:   "rmarkdown::render('/p/doc.Rmd', output_format = 'html_document', encoding = 'UTF-8')",
		},
		{
			name:   "shiny uses run",
			params: entity.RenderParams{File: "/p/doc.Rmd", RenderType: entity.RenderTypeShiny},
			want:   "rmarkdown::run('/p/doc.Rmd')",
		},
		{
			name:   "notebook forces format",
			params: entity.RenderParams{File: "/p/doc.Rmd", Format: "html_document", RenderType: entity.RenderTypeNotebook},
			want:   "rmarkdown::render('/p/doc.Rmd', output_format = 'html_notebook')",
		},
		{
			name:   "quotes escaped",
			params: entity.RenderParams{File: "/p/bob's doc.Rmd"},
			want:   `rmarkdown::render('/p/bob\'s doc.Rmd')`,
		},
		{
			name:   "tempfile output",
			params: entity.RenderParams{File: "/p/doc.Rmd", AsTempfile: true},
			want:   "rmarkdown::render('/p/doc.Rmd', output_dir = tempdir())",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, renderCommand(&tt.params))
		})
	}
}

func TestTexDiagnostic(t *testing.T) {
	output := []entity.OutputChunk{{Channel: entity.OutputError, Text: "Error: pdflatex is not available\n"}}

	assert.NotEmpty(t, texDiagnostic("pdf_document", output))
	assert.Empty(t, texDiagnostic("html_document", output))
	assert.Empty(t, texDiagnostic("pdf_document", []entity.OutputChunk{{Text: "some other failure"}}))
}
