package hook

import "strings"

const (
	GlobalKey        = "global"
	sessionKeyPrefix = "session:"
	projectKeyPrefix = "project:"
)

// Scope identifies the budget and policy domain of a request.
// A zero Scope is the global scope.
type Scope struct {
	ProjectPath string `json:"project_path,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

func SessionKey(id string) string { return sessionKeyPrefix + id }
func ProjectKey(path string) string { return projectKeyPrefix + path }
func (s Scope) IsGlobal() bool { return s.ProjectPath == "" && s.SessionID == "" }
func (s Scope) String() string { return s.Key() }

// Key is the most specific key of the scope.
func (s Scope) Key() string {
	return s.Keys()[0]
}

// Keys lists the scope keys from most to least specific, always ending in
// the global key.
func (s Scope) Keys() []string {
	keys := make([]string, 0, 3)
	if s.SessionID != "" {
		keys = append(keys, SessionKey(s.SessionID))
	}
	if s.ProjectPath != "" {
		keys = append(keys, ProjectKey(s.ProjectPath))
	}
	return append(keys, GlobalKey)
}

// ScopeFromKey is the inverse of Key for keys produced by this package.
func ScopeFromKey(key string) Scope {
	switch {
	case strings.HasPrefix(key, sessionKeyPrefix):
		return Scope{SessionID: strings.TrimPrefix(key, sessionKeyPrefix)}
	case strings.HasPrefix(key, projectKeyPrefix):
		return Scope{ProjectPath: strings.TrimPrefix(key, projectKeyPrefix)}
	}
	return Scope{}
}

// ValidKey reports whether key has one of the known scope key shapes.
func ValidKey(key string) bool {
	switch {
	case key == GlobalKey:
		return true
	case strings.HasPrefix(key, sessionKeyPrefix):
		return len(key) > len(sessionKeyPrefix)
	case strings.HasPrefix(key, projectKeyPrefix):
		return len(key) > len(projectKeyPrefix)
	}
	return false
}
