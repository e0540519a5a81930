// Package scope implements the session-scope addressing scheme used to route
// client requests to the correct backend session process. A scope is a
// (project identifier, session identifier) pair encoded into URL path
// segments and lookup-file names.
package scope

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ProjectIDLen is the length of an encoded project identifier.
const ProjectIDLen = 8

// UserIDLen is the length of an obfuscated user identifier.
const UserIDLen = 5

// Reserved sentinel project identifiers. A scope whose project is one of
// these does not address a directory-backed project.
const (
	ProjectNone            = "none"
	ProjectWorkspaces      = "workspaces"
	ProjectJupyterLab      = "jupyterlab"
	ProjectJupyterNotebook = "jupyternotebook"
	ProjectVSCode          = "vscode"
	ProjectPositron        = "positron"
)

// _userIDWrapThreshold bounds the numeric space of obfuscated user ids so
// that large uids wrap instead of truncating to colliding prefixes.
const _userIDWrapThreshold = 0x100000

// _maxGenerateAttempts bounds collision retries during id generation.
const _maxGenerateAttempts = 1000

// _scopeURLPattern matches a session-scoped URL path: a leading /s/ or /n/
// marker followed by three concatenated hex groups (user, project, id).
var _scopeURLPattern = regexp.MustCompile(`^(/[sn]/(([0-9a-f]{5})([0-9a-f]{8})([0-9a-f]{8})))(/|$)`)

// Scope identifies a unique addressable backend session.
type Scope struct {
	Project string
	ID      string
}

// IsEmpty reports whether the scope carries no addressing information.
func (s Scope) IsEmpty() bool {
	return s.Project == "" && s.ID == ""
}

// IsSentinelProject reports whether the scope's project identifier is one of
// the reserved non-project sentinels.
func (s Scope) IsSentinelProject() bool {
	switch s.Project {
	case ProjectNone, ProjectWorkspaces, ProjectJupyterLab,
		ProjectJupyterNotebook, ProjectVSCode, ProjectPositron:
		return true
	}
	return false
}

// ParsedScopeURL is the result of decomposing a request URL against the
// session-scope grammar.
type ParsedScopeURL struct {
	Scope            Scope
	User             string
	URLPrefix        string
	URLWithoutPrefix string
	BaseURL          string
	Query            string
}

// GenerateScopeID produces a random 8-character lowercase hex session id
// that is not a member of reserved. Short random output is padded with
// trailing 'f' characters and long output truncated, so the result is
// always exactly ProjectIDLen characters. Generation retries on collision
// up to a fixed cap rather than recursing without bound.
func GenerateScopeID(reserved map[string]struct{}) (string, error) {
	for attempt := 0; attempt < _maxGenerateAttempts; attempt++ {
		id, err := randomHex(ProjectIDLen)
		if err != nil {
			return "", err
		}

		if len(id) < ProjectIDLen {
			id += strings.Repeat("f", ProjectIDLen-len(id))
		} else if len(id) > ProjectIDLen {
			id = id[:ProjectIDLen]
		}

		if _, taken := reserved[id]; !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("exhausted %d attempts generating a scope id", _maxGenerateAttempts)
}

// URLPathForScope encodes a scope into its URL path form, "/s/<project><id>/".
// The project segment is percent-encoded, but path separators inside it are
// restored afterwards: lookups treat the project as a path fragment, so a
// literal "%2F" must come back out as "/". An empty scope addresses the root
// session and encodes to "/".
func URLPathForScope(s Scope) string {
	if s.IsEmpty() {
		return "/"
	}

	project := url.QueryEscape(s.Project)
	project = strings.ReplaceAll(project, "%2F", "/")

	return "/s/" + project + s.ID + "/"
}

// ParseSessionURL decomposes a URL path against the fixed scope grammar
// /[sn]/<5 hex user><8 hex project><8 hex id>(/|$). A URL that does not
// match is the normal "no scope" case: the result carries an empty scope
// and the input unchanged. This never fails; it runs on every inbound
// request.
func ParseSessionURL(rawURL string) ParsedScopeURL {
	parsed := ParsedScopeURL{URLWithoutPrefix: rawURL}

	urlPath := rawURL
	if i := strings.Index(rawURL, "?"); i != -1 {
		urlPath = rawURL[:i]
		parsed.Query = rawURL[i+1:]
	}

	m := _scopeURLPattern.FindStringSubmatch(urlPath)
	if m == nil {
		parsed.Query = ""
		return parsed
	}

	// A non-sentinel project identifier is the concatenation of the
	// obfuscated owner id and the directory hash.
	parsed.User = m[3]
	parsed.Scope = Scope{Project: m[3] + m[4], ID: m[5]}
	parsed.URLPrefix = m[1]
	parsed.BaseURL = m[1] + "/"
	parsed.URLWithoutPrefix = strings.TrimPrefix(urlPath, m[1])
	if parsed.URLWithoutPrefix == "" {
		parsed.URLWithoutPrefix = "/"
	}

	return parsed
}

// SessionScopeFile builds the lookup-table file name for a scope. Prefixes
// for project-scoped entries are pluralized with a trailing "s" so that
// single-session and multi-session layouts cannot collide.
func SessionScopeFile(prefix string, s Scope) string {
	file := prefix
	if s.Project != "" {
		file += "s"
		if !strings.HasSuffix(file, "/") {
			file += "/"
		}
		file += s.Project
		if s.ID != "" && !strings.HasSuffix(file, "/") {
			file += "/"
		}
	}
	file += s.ID
	return file
}

// ObfuscatedUserID deterministically transforms a numeric OS user id into a
// fixed-width hex token for use in file names. Large ids wrap modulo a fixed
// threshold to reduce truncation collisions.
func ObfuscatedUserID(uid int) string {
	if uid < 0 {
		uid = -uid
	}
	uid = uid % _userIDWrapThreshold

	obfuscated := fmt.Sprintf("%05x", uid)
	if len(obfuscated) > UserIDLen {
		obfuscated = obfuscated[:UserIDLen]
	}
	return obfuscated
}

func randomHex(n int) (string, error) {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf)[:n], nil
}
