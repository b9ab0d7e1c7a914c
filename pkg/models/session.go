package models

// Session is an authenticated dashboard session. The raw cookie token is
// never persisted; SessionID is the SHA-256 hex digest of it.
type Session struct {
	ID        string // SHA-256 hex of the raw token
	ExpiresAt int64  // epoch ms
}

// Setting is a string-keyed JSON-value row (retention days, webhook URL, …).
type Setting struct {
	Key   string
	Value string
}
