// Package mapper transforms between wire requests, entities, models and
// outbound event payloads.
package mapper

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/rsess/rsessd/src/rsessd/entity"
	"github.com/rsess/rsessd/src/rsessd/internal/errors"
	"github.com/rsess/rsessd/src/rsessd/internal/scope"
	"github.com/rsess/rsessd/src/rsessd/model"
)

// SessionToModel maps a Session entity to its model equivalent.
func SessionToModel(f *entity.Session) *model.Session {
	return &model.Session{
		UUID:          f.UUID,
		Project:       f.Scope.Project,
		ScopeID:       f.Scope.ID,
		Conn:          f.Conn,
		WorkspaceRoot: f.WorkspaceRoot,
		Env:           f.Env,
		ClientName:    string(f.ClientName),
	}
}

// ModelToSession maps a model Session to its entity equivalent.
func ModelToSession(f *model.Session) (*entity.Session, error) {
	return &entity.Session{
		UUID:          f.UUID,
		Scope:         scope.Scope{Project: f.Project, ID: f.ScopeID},
		Conn:          f.Conn,
		WorkspaceRoot: f.WorkspaceRoot,
		Env:           f.Env,
		ClientName:    entity.ClientName(f.ClientName),
	}, nil
}

// ContextToSessionUUID extracts the session UUID from a request context.
func ContextToSessionUUID(c context.Context) (uuid.UUID, error) {
	s, ok := c.Value(entity.SessionContextKey).(uuid.UUID)
	if !ok {
		return uuid.Nil, errors.New("no session UUID in context")
	}
	return s, nil
}

// DetachedSessionContext carries the session UUID from a request context
// onto a fresh background context. Async operations outlive the request
// that started them, so their event callbacks must not inherit the request
// context's cancellation.
func DetachedSessionContext(c context.Context) (context.Context, error) {
	id, err := ContextToSessionUUID(c)
	if err != nil {
		return nil, err
	}
	return context.WithValue(context.Background(), entity.SessionContextKey, id), nil
}
