// Package opslot holds the per-kind operation slots. Each operation kind
// (render, build, find) has at most one live operation per session process;
// the slot keeps the most recent operation around after completion so its
// output can still be served and persisted across a suspend.
package opslot

import (
	"context"
	"sync"

	tally "github.com/uber-go/tally/v4"

	"github.com/rsess/rsessd/src/rsessd/entity"
	"github.com/rsess/rsessd/src/rsessd/internal/clock"
	"github.com/rsess/rsessd/src/rsessd/internal/errors"
	"github.com/rsess/rsessd/src/rsessd/internal/settings"
	"github.com/rsess/rsessd/src/rsessd/mapper"
)

const _settingsKeyPrefix = "last-operation."

var _allKinds = []entity.OperationKind{
	entity.OperationRender,
	entity.OperationBuild,
	entity.OperationFind,
}

// Registry is the slot registry for async operations.
type Registry interface {
	// TryStart occupies the slot for the operation's kind. A terminal
	// occupant is replaced; a running occupant rejects the start.
	TryStart(ctx context.Context, op entity.Operation) error
	// Current returns the slot occupant for a kind, running or not.
	Current(ctx context.Context, kind entity.OperationKind) (entity.Operation, bool)
	// Running returns the slot occupant only if it is still live.
	Running(ctx context.Context, kind entity.OperationKind) (entity.Operation, bool)

	// Suspend persists the state of every occupied slot.
	Suspend(ctx context.Context) error
	// Resume loads whatever operation state a previous process persisted.
	Resume(ctx context.Context) (map[entity.OperationKind]*mapper.SuspendedOperation, error)
}

type registry struct {
	mu    sync.Mutex
	slots map[entity.OperationKind]entity.Operation
	store settings.Store
	stats tally.Scope
	clock clock.Clock
}

// New returns an empty slot registry backed by the given settings store.
func New(store settings.Store, stats tally.Scope, clk clock.Clock) Registry {
	return &registry{
		slots: make(map[entity.OperationKind]entity.Operation),
		store: store,
		stats: stats,
		clock: clk,
	}
}

func (r *registry) TryStart(ctx context.Context, op entity.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := op.Kind()
	if current, ok := r.slots[kind]; ok && !current.State().Terminal() {
		r.stats.Tagged(map[string]string{"kind": string(kind)}).Counter("operation_rejected").Inc(1)
		return &errors.OperationInProgressError{Kind: string(kind)}
	}

	r.slots[kind] = op
	r.stats.Tagged(map[string]string{"kind": string(kind)}).Counter("operation_started").Inc(1)
	return nil
}

func (r *registry) Current(ctx context.Context, kind entity.OperationKind) (entity.Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.slots[kind]
	return op, ok
}

func (r *registry) Running(ctx context.Context, kind entity.OperationKind) (entity.Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.slots[kind]
	if !ok || op.State().Terminal() || op.State() == entity.OperationIdle {
		return nil, false
	}
	return op, true
}

func (r *registry) Suspend(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for kind, op := range r.slots {
		suspended := mapper.OperationToSuspended(op)
		suspended.SuspendedAt = r.clock.Now()
		if err := r.store.Put(_settingsKeyPrefix+string(kind), suspended); err != nil {
			return err
		}
	}
	return nil
}

func (r *registry) Resume(ctx context.Context) (map[entity.OperationKind]*mapper.SuspendedOperation, error) {
	restored := make(map[entity.OperationKind]*mapper.SuspendedOperation)
	for _, kind := range _allKinds {
		var suspended mapper.SuspendedOperation
		found, err := r.store.Get(_settingsKeyPrefix+string(kind), &suspended)
		if err != nil {
			return nil, err
		}
		if found {
			restored[kind] = &suspended
		}
	}
	return restored, nil
}
