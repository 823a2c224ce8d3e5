// Package types provides the core data types shared across the storage,
// config, and event layers.
package types

// Session represents a conversation session.
type Session struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"projectID"`
	Directory string         `json:"directory,omitempty"`
	ParentID  *string        `json:"parentID,omitempty"`
	Title     string         `json:"title,omitempty"`
	Version   string         `json:"version,omitempty"`
	Summary   SessionSummary `json:"summary"`
	Time      SessionTime    `json:"time"`
}

// SessionSummary holds compact change statistics for a session. The
// per-file diffs live in a separate SessionDiff record.
type SessionSummary struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
}

// SessionTime contains timestamps for a session.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// FileDiff represents a diff for a single file.
type FileDiff struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Before    string `json:"before,omitempty"`
	After     string `json:"after,omitempty"`
}

// SessionDiff carries the per-file diffs of a session, stored under
// session_diff/{sessionID}.
type SessionDiff struct {
	SessionID string     `json:"sessionID"`
	Diffs     []FileDiff `json:"diffs"`
}
