package entity

import (
	"time"
)

// OperationKind identifies one of the long-running external-process
// operation families. At most one operation of each kind runs per backend
// session process.
type OperationKind string

const (
	// OperationRender is an R Markdown render.
	OperationRender OperationKind = "render"
	// OperationBuild is a package or project build.
	OperationBuild OperationKind = "build"
	// OperationFind is a search or search-and-replace.
	OperationFind OperationKind = "find"
)

// OperationState is the lifecycle state of an async operation.
type OperationState int

const (
	// OperationIdle means the operation has been constructed but not started.
	OperationIdle OperationState = iota
	// OperationRunning means the external process is live.
	OperationRunning
	// OperationSucceeded is a terminal state: the process exited and the
	// tool-specific success signal corroborated.
	OperationSucceeded
	// OperationFailed is a terminal state reached on launch failure or an
	// uncorroborated exit.
	OperationFailed
	// OperationCancelled is a terminal state reached via a terminate request.
	OperationCancelled
)

// Terminal reports whether the state is one of the completed states.
func (s OperationState) Terminal() bool {
	return s == OperationSucceeded || s == OperationFailed || s == OperationCancelled
}

func (s OperationState) String() string {
	switch s {
	case OperationIdle:
		return "idle"
	case OperationRunning:
		return "running"
	case OperationSucceeded:
		return "succeeded"
	case OperationFailed:
		return "failed"
	case OperationCancelled:
		return "cancelled"
	}
	return "unknown"
}

// OutputChannel distinguishes the origin of an output chunk.
type OutputChannel int

const (
	// OutputNormal is ordinary stdout text.
	OutputNormal OutputChannel = 0
	// OutputError is stderr text.
	OutputError OutputChannel = 1
	// OutputCommand is an echo of the command being run.
	OutputCommand OutputChannel = 2
)

// OutputChunk is one captured piece of process output. Accumulated chunks
// are append-only for the lifetime of an operation.
type OutputChunk struct {
	Channel OutputChannel `json:"type"`
	Text    string        `json:"output"`
}

// MarkerKind classifies a structured marker.
type MarkerKind int

const (
	// MarkerError is a hard error.
	MarkerError MarkerKind = iota
	// MarkerWarning is a warning.
	MarkerWarning
	// MarkerInfo is informational.
	MarkerInfo
)

func (k MarkerKind) String() string {
	switch k {
	case MarkerError:
		return "error"
	case MarkerWarning:
		return "warning"
	case MarkerInfo:
		return "info"
	}
	return "unknown"
}

// Marker is a normalized (file, line, column, message) record extracted
// from free-text tool output. Markers are immutable once produced.
type Marker struct {
	Kind           MarkerKind `json:"type"`
	File           string     `json:"path"`
	Line           int        `json:"line"`
	Column         int        `json:"column"`
	Message        string     `json:"message"`
	LinkedToSource bool       `json:"linked_to_source"`
}

// Operation is the read surface of one long-running external-process
// operation, as held in the per-kind slot.
type Operation interface {
	Kind() OperationKind
	Handle() string
	State() OperationState
	StartedAt() time.Time
	Output() []OutputChunk
	Markers() []Marker
	ErrorsBaseDir() string
	// Terminate requests cooperative cancellation. The process may emit a
	// few more chunks before dying; they are still recorded.
	Terminate()
}
