// Package api holds the wire types of the local status API served over the
// daemon's unix socket.
package api

import "time"

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
}

type SessionSummary struct {
	SessionID   int        `json:"session_id"`
	Command     string     `json:"command"`
	State       string     `json:"state"`
	Interactive bool       `json:"interactive"`
	StartedAt   time.Time  `json:"started_at"`
	DoneAt      *time.Time `json:"done_at,omitempty"`
	Terminated  bool       `json:"terminated"`
	RunTime     string     `json:"run_time"`
}

type SessionsResponse struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Live        []SessionSummary `json:"live"`
	Recent      []JournalRow     `json:"recent"`
}

type JournalRow struct {
	EntryID    string     `json:"entry_id"`
	SessionID  int        `json:"session_id"`
	Command    string     `json:"command"`
	StartedAt  time.Time  `json:"started_at"`
	DoneAt     *time.Time `json:"done_at,omitempty"`
	Terminated bool       `json:"terminated"`
}

type TerminateResponse struct {
	SessionID int    `json:"session_id"`
	State     string `json:"state"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
