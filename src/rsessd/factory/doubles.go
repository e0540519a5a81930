package factory

import (
	"context"
	"sync"

	"github.com/gofrs/uuid"
	"go.lsp.dev/jsonrpc2"

	"github.com/rsess/rsessd/src/rsessd/entity"
	clientevents "github.com/rsess/rsessd/src/rsessd/gateway/client-events"
	"github.com/rsess/rsessd/src/rsessd/internal/process"
	"github.com/rsess/rsessd/src/rsessd/mapper"
)

// RecordedEvent is one event captured by an EventRecorder.
type RecordedEvent struct {
	Method  string
	Payload interface{}
}

// EventRecorder is a client-events gateway double that records every event
// in call order instead of sending it anywhere.
type EventRecorder struct {
	mu     sync.Mutex
	events []RecordedEvent
}

var _ clientevents.Gateway = (*EventRecorder)(nil)

// NewEventRecorder creates an empty EventRecorder.
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

// Events returns all recorded events in call order.
func (r *EventRecorder) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedEvent, len(r.events))
	copy(out, r.events)
	return out
}

// ByMethod returns the recorded events with the given method name.
func (r *EventRecorder) ByMethod(method string) []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RecordedEvent
	for _, e := range r.events {
		if e.Method == method {
			out = append(out, e)
		}
	}
	return out
}

func (r *EventRecorder) record(method string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, RecordedEvent{Method: method, Payload: payload})
	return nil
}

// RegisterClient implements clientevents.Gateway.
func (r *EventRecorder) RegisterClient(ctx context.Context, id uuid.UUID, conn *jsonrpc2.Conn) error {
	return nil
}

// DeregisterClient implements clientevents.Gateway.
func (r *EventRecorder) DeregisterClient(ctx context.Context, id uuid.UUID) error { return nil }

// RenderStarted implements clientevents.Gateway.
func (r *EventRecorder) RenderStarted(ctx context.Context, payload *mapper.RenderStarted) error {
	return r.record(clientevents.MethodRenderStarted, payload)
}

// RenderOutput implements clientevents.Gateway.
func (r *EventRecorder) RenderOutput(ctx context.Context, chunk entity.OutputChunk) error {
	return r.record(clientevents.MethodRenderOutput, chunk)
}

// RenderCompleted implements clientevents.Gateway.
func (r *EventRecorder) RenderCompleted(ctx context.Context, payload *mapper.RenderCompleted) error {
	return r.record(clientevents.MethodRenderCompleted, payload)
}

// OutputChanged implements clientevents.Gateway.
func (r *EventRecorder) OutputChanged(ctx context.Context, outputURL string) error {
	return r.record(clientevents.MethodOutputChanged, outputURL)
}

// BuildStarted implements clientevents.Gateway.
func (r *EventRecorder) BuildStarted(ctx context.Context) error {
	return r.record(clientevents.MethodBuildStarted, nil)
}

// BuildOutput implements clientevents.Gateway.
func (r *EventRecorder) BuildOutput(ctx context.Context, chunk entity.OutputChunk) error {
	return r.record(clientevents.MethodBuildOutput, chunk)
}

// BuildErrors implements clientevents.Gateway.
func (r *EventRecorder) BuildErrors(ctx context.Context, payload *mapper.BuildErrors) error {
	return r.record(clientevents.MethodBuildErrors, payload)
}

// BuildCompleted implements clientevents.Gateway.
func (r *EventRecorder) BuildCompleted(ctx context.Context, payload *mapper.BuildCompleted) error {
	return r.record(clientevents.MethodBuildCompleted, payload)
}

// FindResults implements clientevents.Gateway.
func (r *EventRecorder) FindResults(ctx context.Context, batch *mapper.FindResultBatch) error {
	return r.record(clientevents.MethodFindResult, batch)
}

// ReplaceResults implements clientevents.Gateway.
func (r *EventRecorder) ReplaceResults(ctx context.Context, batch *mapper.FindResultBatch) error {
	return r.record(clientevents.MethodReplaceResult, batch)
}

// ReplaceUpdated implements clientevents.Gateway.
func (r *EventRecorder) ReplaceUpdated(ctx context.Context, progress *mapper.ReplaceProgress) error {
	return r.record(clientevents.MethodReplaceUpdated, progress)
}

// FindOperationEnded implements clientevents.Gateway.
func (r *EventRecorder) FindOperationEnded(ctx context.Context, payload *mapper.FindOperationEnded) error {
	return r.record(clientevents.MethodFindOperationEnded, payload)
}

// Publish implements clientevents.Gateway.
func (r *EventRecorder) Publish(ctx context.Context, method string, params interface{}) error {
	return r.record(method, params)
}

// ScriptedSupervisor is a process.Supervisor double that hands the
// registered callbacks back to the test, so output and exit can be driven
// deterministically without spawning a process.
type ScriptedSupervisor struct {
	mu       sync.Mutex
	startErr error
	specs    []process.Spec
	cb       process.Callbacks
}

var _ process.Supervisor = (*ScriptedSupervisor)(nil)

// NewScriptedSupervisor creates a ScriptedSupervisor.
func NewScriptedSupervisor() *ScriptedSupervisor {
	return &ScriptedSupervisor{}
}

// FailNextStart makes subsequent Start calls return err.
func (s *ScriptedSupervisor) FailNextStart(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startErr = err
}

// Start implements process.Supervisor.
func (s *ScriptedSupervisor) Start(ctx context.Context, spec process.Spec, cb process.Callbacks) (*process.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return nil, s.startErr
	}
	s.specs = append(s.specs, spec)
	s.cb = cb
	return &process.Handle{}, nil
}

// Callbacks returns the callbacks registered by the most recent Start.
func (s *ScriptedSupervisor) Callbacks() process.Callbacks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cb
}

// Specs returns every Spec passed to Start, in order.
func (s *ScriptedSupervisor) Specs() []process.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]process.Spec, len(s.specs))
	copy(out, s.specs)
	return out
}

// WatchRecorder is a watcher.FileWatcher double recording registrations.
type WatchRecorder struct {
	mu      sync.Mutex
	watched map[string]func(string)
}

// NewWatchRecorder creates a WatchRecorder.
func NewWatchRecorder() *WatchRecorder {
	return &WatchRecorder{watched: make(map[string]func(string))}
}

// Watch implements watcher.FileWatcher.
func (w *WatchRecorder) Watch(path string, onChange func(string)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched[path] = onChange
	return nil
}

// Unwatch implements watcher.FileWatcher.
func (w *WatchRecorder) Unwatch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watched, path)
	return nil
}

// Close implements watcher.FileWatcher.
func (w *WatchRecorder) Close() error { return nil }

// Callback returns the registered change callback for path, if any.
func (w *WatchRecorder) Callback(path string) (func(string), bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cb, ok := w.watched[path]
	return cb, ok
}
