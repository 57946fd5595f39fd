package auth

// Known OAuth scopes used by the backend.
const (
	ScopeSessionsWrite = "sessions:write"
	ScopeSessionsRead  = "sessions:read"
)
