// Package store is the Session Repository (§4.3): durable persistence
// for sessions, projects, and processed-event dedup records, backed by
// the embedded relational store (sqlite3) named in §6.
package store

import "time"

// Status is a Session's lifecycle state (§3 Session, §4.3 invariant).
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
)

// Session mirrors the persisted Session entity of §3.
type Session struct {
	ID               string
	ChatID           string
	ThreadID         string
	CreatorID        string
	Status           Status
	InitialPrompt    string
	ACPSessionID     string // empty until the first ACP newSession/resumeSession
	WorkingDir       string
	DocToken         string
	WorkingMessageID string
	Mode             string
	ProjectID        string // empty when unbound
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Project mirrors the persisted Project entity of §3.
type Project struct {
	ID          string
	ChatID      string
	CreatorID   string
	Title       string
	Description string
	FolderName  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
