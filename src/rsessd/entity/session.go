// Package entity contains the domain types for the rsessd daemon.
package entity

import (
	"github.com/gofrs/uuid"
	"github.com/rsess/rsessd/src/rsessd/internal/scope"
	"go.lsp.dev/jsonrpc2"
)

type keyType string

// SessionContextKey indicates the key used to identify the session UUID in
// the request context.
const SessionContextKey keyType = "SessionUUID"

// Session entity representing a single connected IDE client session.
type Session struct {
	UUID          uuid.UUID      `json:"uuid" zap:"uuid"`
	Scope         scope.Scope    `json:"scope" zap:"scope"`
	Conn          *jsonrpc2.Conn `json:"-" zap:"-"`
	WorkspaceRoot string         `json:"workspaceRoot" zap:"workspaceRoot"`
	Env           []string       `json:"-" zap:"-"`
	ClientName    ClientName     `json:"clientName" zap:"clientName"`
}

// ClientName identifies the editor client attached to this session.
type ClientName string

const (
	// ClientNameDesktop is the desktop IDE client.
	ClientNameDesktop ClientName = "Desktop"
	// ClientNameServer is the browser-based client.
	ClientNameServer ClientName = "Server"
	// ClientNameVSCode is the VS Code client.
	ClientNameVSCode ClientName = "Visual Studio Code"
	// ClientNamePositron is the Positron client.
	ClientNamePositron ClientName = "Positron"
)

// IsEditorClient returns true if the client is an external editor rather
// than the IDE's own frontend.
func (c ClientName) IsEditorClient() bool {
	return c == ClientNameVSCode || c == ClientNamePositron
}
