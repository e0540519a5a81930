package opslot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally/v4"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/rsess/rsessd/src/rsessd/entity"
	"github.com/rsess/rsessd/src/rsessd/internal/clock"
	"github.com/rsess/rsessd/src/rsessd/internal/errors"
	"github.com/rsess/rsessd/src/rsessd/internal/settings"
)

type fakeOp struct {
	kind          entity.OperationKind
	handle        string
	state         entity.OperationState
	output        []entity.OutputChunk
	markers       []entity.Marker
	errorsBaseDir string
	terminated    bool
}

func (f *fakeOp) Kind() entity.OperationKind   { return f.kind }
func (f *fakeOp) Handle() string               { return f.handle }
func (f *fakeOp) State() entity.OperationState { return f.state }
func (f *fakeOp) StartedAt() time.Time         { return time.Time{} }
func (f *fakeOp) Output() []entity.OutputChunk { return f.output }
func (f *fakeOp) Markers() []entity.Marker     { return f.markers }
func (f *fakeOp) ErrorsBaseDir() string        { return f.errorsBaseDir }
func (f *fakeOp) Terminate()                   { f.terminated = true }

func testRegistry(t *testing.T) Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := settings.NewWithDB(db, zap.NewNop().Sugar())
	require.NoError(t, err)
	return New(store, tally.NewTestScope("testing", nil), clock.New())
}

func TestTryStartEmptySlot(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)

	op := &fakeOp{kind: entity.OperationBuild, state: entity.OperationRunning}
	require.NoError(t, r.TryStart(ctx, op))

	current, ok := r.Running(ctx, entity.OperationBuild)
	require.True(t, ok)
	assert.Same(t, op, current)
}

func TestTryStartRejectsSecondOfSameKind(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)

	first := &fakeOp{kind: entity.OperationBuild, state: entity.OperationRunning}
	require.NoError(t, r.TryStart(ctx, first))

	second := &fakeOp{kind: entity.OperationBuild, state: entity.OperationRunning}
	err := r.TryStart(ctx, second)
	require.Error(t, err)
	var inProgress *errors.OperationInProgressError
	require.ErrorAs(t, err, &inProgress)
	assert.Equal(t, "build", inProgress.Kind)

	// Occupant unchanged after the rejected start.
	current, ok := r.Running(ctx, entity.OperationBuild)
	require.True(t, ok)
	assert.Same(t, first, current)
}

func TestDifferentKindsRunConcurrently(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)

	require.NoError(t, r.TryStart(ctx, &fakeOp{kind: entity.OperationBuild, state: entity.OperationRunning}))
	require.NoError(t, r.TryStart(ctx, &fakeOp{kind: entity.OperationRender, state: entity.OperationRunning}))
	require.NoError(t, r.TryStart(ctx, &fakeOp{kind: entity.OperationFind, state: entity.OperationRunning}))
}

func TestTerminalOccupantReplaced(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)

	done := &fakeOp{kind: entity.OperationRender, state: entity.OperationSucceeded}
	require.NoError(t, r.TryStart(ctx, done))

	next := &fakeOp{kind: entity.OperationRender, state: entity.OperationRunning}
	require.NoError(t, r.TryStart(ctx, next))

	current, ok := r.Current(ctx, entity.OperationRender)
	require.True(t, ok)
	assert.Same(t, next, current)
}

func TestRunningExcludesTerminalAndIdle(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)

	require.NoError(t, r.TryStart(ctx, &fakeOp{kind: entity.OperationBuild, state: entity.OperationFailed}))
	_, ok := r.Running(ctx, entity.OperationBuild)
	assert.False(t, ok)

	// Current still serves the completed operation's record.
	_, ok = r.Current(ctx, entity.OperationBuild)
	assert.True(t, ok)
}

func TestSuspendResumeRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)

	op := &fakeOp{
		kind:  entity.OperationBuild,
		state: entity.OperationRunning,
		output: []entity.OutputChunk{
			{Channel: entity.OutputCommand, Text: "==> R CMD build .\n\n"},
			{Channel: entity.OutputNormal, Text: "* checking for file 'DESCRIPTION'\n"},
			{Channel: entity.OutputError, Text: "ERROR: dependency missing\n"},
		},
		markers: []entity.Marker{
			{Kind: entity.MarkerError, File: "/pkg/src/ops.c", Line: 12, Column: 3, Message: "expected ';'", LinkedToSource: true},
		},
		errorsBaseDir: "/pkg/",
	}
	require.NoError(t, r.TryStart(ctx, op))
	require.NoError(t, r.Suspend(ctx))

	restored, err := r.Resume(ctx)
	require.NoError(t, err)
	require.Contains(t, restored, entity.OperationBuild)

	got := restored[entity.OperationBuild]
	assert.Equal(t, op.output, got.Outputs)
	assert.Equal(t, op.markers, got.Errors)
	assert.Equal(t, "/pkg/", got.ErrorsBaseDir)
	assert.Equal(t, "build", got.Type)
	assert.True(t, got.Running)
	assert.False(t, got.SuspendedAt.IsZero())
}

func TestResumeEmptyStore(t *testing.T) {
	r := testRegistry(t)

	restored, err := r.Resume(context.Background())
	require.NoError(t, err)
	assert.Empty(t, restored)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
