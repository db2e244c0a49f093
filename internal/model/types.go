package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SessionState is the lifecycle state of a shell session.
type SessionState string

const (
	StateSpawning SessionState = "spawning"
	StateRunning  SessionState = "running"
	StateDone     SessionState = "done"
)

// Action tags carried in button callback data as "action&id".
const (
	ActionInfo        = "info"
	ActionEnter       = "enter"
	ActionInteractive = "interact"
	ActionTerminate   = "terminate"
	ActionHTML        = "html"
)

// Button is a transport-agnostic inline button. The chat adapter converts
// it to its native widget type at the boundary.
type Button struct {
	Label     string
	Action    string
	SessionID int
}

// CallbackData encodes the button payload delivered back on press.
func (b Button) CallbackData() string {
	return fmt.Sprintf("%s&%d", b.Action, b.SessionID)
}

// ParseCallbackData splits "action&id" callback payloads.
func ParseCallbackData(data string) (action string, sessionID int, err error) {
	idx := strings.LastIndex(data, "&")
	if idx <= 0 || idx == len(data)-1 {
		return "", 0, fmt.Errorf("malformed callback data %q", data)
	}
	id, err := strconv.Atoi(data[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed callback id in %q", data)
	}
	return data[:idx], id, nil
}

// ButtonsSignature is a comparable fingerprint of a button set, used for
// change detection between pushes.
func ButtonsSignature(buttons []Button) string {
	parts := make([]string, 0, len(buttons))
	for _, b := range buttons {
		parts = append(parts, b.Label+"|"+b.CallbackData())
	}
	return strings.Join(parts, ";")
}

// JournalEntry is one audit row per session, persisted by internal/history.
type JournalEntry struct {
	EntryID    string
	SessionID  int
	Command    string
	RequestID  int
	StartedAt  time.Time
	DoneAt     *time.Time
	Terminated bool
}

// Error codes exposed by the status API.
const (
	ErrCodeNotFound   = "E_NOT_FOUND"
	ErrCodeNotRunning = "E_NOT_RUNNING"
	ErrCodeSpawn      = "E_SPAWN"
)
