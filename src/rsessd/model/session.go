// Package model holds the repository-layer representations of domain
// entities.
package model

import (
	"github.com/gofrs/uuid"
	"go.lsp.dev/jsonrpc2"
)

// Session is the repository layer model for an individual IDE session.
type Session struct {
	UUID          uuid.UUID
	Project       string
	ScopeID       string
	Conn          *jsonrpc2.Conn
	WorkspaceRoot string
	Env           []string
	ClientName    string
}
