package models

import "time"

// SessionInfo describes an established remote session.
type SessionInfo struct {
	ID          string
	Host        string
	Username    string
	Interpreter string
	Uploaded    []string
	ConnectedAt time.Time
}

// UploadResult holds the outcome of a manifest upload.
type UploadResult struct {
	RemoteDir string
	Files     []string
	Duration  time.Duration
}
