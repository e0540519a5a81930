package process

import (
	"sync"
	"time"

	"github.com/rsess/rsessd/src/rsessd/entity"
)

// Job is the record of one async operation: lifecycle state plus the
// accumulated output chunks and markers of its external process. All methods
// are safe for concurrent use; output and marker slices are append-only.
// Job satisfies entity.Operation.
type Job struct {
	mu sync.Mutex

	kind      entity.OperationKind
	handle    string
	state     entity.OperationState
	startedAt time.Time

	chunks        []entity.OutputChunk
	markers       []entity.Marker
	errorsBaseDir string

	terminateRequested bool
	quiet              bool
}

var _ entity.Operation = (*Job)(nil)

// NewJob creates an idle Job for the given kind and handle.
func NewJob(kind entity.OperationKind, handle string) *Job {
	return &Job{
		kind:   kind,
		handle: handle,
		state:  entity.OperationIdle,
	}
}

// Kind returns the operation family.
func (j *Job) Kind() entity.OperationKind { return j.kind }

// Handle returns the caller-visible identifier of this operation.
func (j *Job) Handle() string { return j.handle }

// State returns the current lifecycle state.
func (j *Job) State() entity.OperationState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// StartedAt returns when the job transitioned to running.
func (j *Job) StartedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startedAt
}

// MarkRunning transitions an idle job to running.
func (j *Job) MarkRunning() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == entity.OperationIdle {
		j.state = entity.OperationRunning
		j.startedAt = time.Now()
	}
}

// Complete records a terminal state. Once terminal, the state never changes
// again; later calls are ignored.
func (j *Job) Complete(state entity.OperationState) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.state.Terminal() && state.Terminal() {
		j.state = state
	}
}

// AppendOutput records one chunk of process output.
func (j *Job) AppendOutput(channel entity.OutputChannel, text string) {
	if text == "" {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.chunks = append(j.chunks, entity.OutputChunk{Channel: channel, Text: text})
}

// AppendMarkers records structured markers parsed from output.
func (j *Job) AppendMarkers(markers ...entity.Marker) {
	if len(markers) == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.markers = append(j.markers, markers...)
}

// Output returns a copy of the accumulated output chunks.
func (j *Job) Output() []entity.OutputChunk {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]entity.OutputChunk, len(j.chunks))
	copy(out, j.chunks)
	return out
}

// Markers returns a copy of the accumulated markers.
func (j *Job) Markers() []entity.Marker {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]entity.Marker, len(j.markers))
	copy(out, j.markers)
	return out
}

// SetErrorsBaseDir records the directory markers are resolved against.
func (j *Job) SetErrorsBaseDir(dir string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.errorsBaseDir = dir
}

// ErrorsBaseDir returns the directory markers are resolved against.
func (j *Job) ErrorsBaseDir() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.errorsBaseDir
}

// Terminate requests cooperative cancellation.
func (j *Job) Terminate() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.terminateRequested = true
}

// TerminateQuietly requests cancellation and suppresses the completion
// event. Used when a reconnecting client supersedes a running operation.
func (j *Job) TerminateQuietly() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.terminateRequested = true
	j.quiet = true
}

// TerminateRequested reports whether cancellation has been requested. Wired
// as the supervisor's OnContinue poll (inverted).
func (j *Job) TerminateRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.terminateRequested
}

// Quiet reports whether the completion event should be suppressed.
func (j *Job) Quiet() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.quiet
}
