package session

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/g960059/termgram/internal/model"
)

// drainChunkSize bounds one non-blocking read attempt.
const drainChunkSize = 1024

// Session owns one spawned shell process: its output buffer, lifecycle
// state, timing and keystroke injection. All mutable fields are guarded by
// mu; the scheduler's drain loop is the only writer of buf.
type Session struct {
	mu sync.Mutex

	id        int
	command   string
	requestID int
	proc      Proc

	buf   strings.Builder
	state model.SessionState

	startTime  time.Time
	doneTime   time.Time
	runTime    time.Duration
	terminated bool

	interactive   bool
	pendingOutput bool

	lastPushed     string
	lastButtonsSig string
	lastPushAt     time.Time

	// msgHandle is the outward message representing this session. Zero
	// until the first successful push; assigned at most once.
	msgHandle int
}

// Spawn starts command on host and returns the running session. A refused
// spawn is propagated to the caller, not retried.
func Spawn(host Host, command string, requestID int) (*Session, error) {
	proc, err := host.Start(command)
	if err != nil {
		return nil, fmt.Errorf("spawn %q: %w", command, err)
	}
	return &Session{
		id:        proc.PID(),
		command:   command,
		requestID: requestID,
		proc:      proc,
		state:     model.StateRunning,
		startTime: time.Now().UTC(),
	}, nil
}

func (s *Session) ID() int              { return s.id }
func (s *Session) Command() string      { return s.command }
func (s *Session) RequestID() int       { return s.requestID }
func (s *Session) StartedAt() time.Time { return s.startTime }

func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Running() bool {
	return s.State() == model.StateRunning
}

// WasTerminated reports whether Done was reached by an explicit kill
// rather than natural end of stream.
func (s *Session) WasTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

func (s *Session) DoneAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != model.StateDone {
		return time.Time{}, false
	}
	return s.doneTime, true
}

func (s *Session) RunTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runTime
}

// DrainOnce performs one non-blocking read attempt. New output is appended
// to the buffer, end of stream transitions the session to Done, and an idle
// channel is a no-op. Any other read failure counts as "no data this tick".
func (s *Session) DrainOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == model.StateDone {
		return
	}
	data, err := s.proc.ReadNonBlocking(drainChunkSize)
	switch {
	case err == nil:
		s.buf.Write(data)
		s.pendingOutput = true
	case errors.Is(err, io.EOF):
		s.markDoneLocked(false)
		return
	default:
		// ErrWouldBlock and transient read failures: nothing this tick.
	}
	s.runTime = time.Since(s.startTime)
}

// Terminate signals the process and transitions to Done immediately,
// without waiting for the pty to hit end of stream. Calling it on a
// finished session is a no-op.
func (s *Session) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == model.StateDone {
		return
	}
	_ = s.proc.Terminate()
	s.markDoneLocked(true)
}

func (s *Session) markDoneLocked(terminated bool) {
	s.state = model.StateDone
	s.terminated = terminated
	s.doneTime = time.Now().UTC()
	s.runTime = s.doneTime.Sub(s.startTime)
}

// PushInput injects keystrokes. A two-character "^x" sequence sends the
// matching control code. Anything else is split on line breaks: every line
// after the first is preceded by an Enter, empty lines collapse to a bare
// Enter, and the final line is sent without a trailing Enter so the caller
// submits it explicitly (the Enter button affordance).
func (s *Session) PushInput(text string) error {
	s.mu.Lock()
	proc := s.proc
	running := s.state == model.StateRunning
	s.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	if len(text) == 2 && text[0] == '^' {
		return proc.SendControl(text[1])
	}
	for i, line := range strings.Split(text, "\n") {
		if i != 0 {
			if err := proc.SendControl('m'); err != nil {
				return err
			}
		}
		if line == "" {
			if err := proc.SendControl('m'); err != nil {
				return err
			}
			continue
		}
		if _, err := proc.Write([]byte(line)); err != nil {
			return err
		}
	}
	return nil
}

// FullOutput returns the entire accumulated buffer, never a delta.
func (s *Session) FullOutput() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *Session) HasPendingOutput() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingOutput
}

func (s *Session) SetInteractive(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactive = on
}

func (s *Session) Interactive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interactive
}

// ComputeButtons derives the action-button set from state and interactive
// status, and reports whether it differs from the previously computed set.
// The stored signature is updated as a side effect.
func (s *Session) ComputeButtons() ([]model.Button, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buttons []model.Button
	if s.state == model.StateRunning {
		interactLabel := "Interactive mode"
		if s.interactive {
			interactLabel = "Exit interactive mode"
		}
		buttons = []model.Button{
			{Label: "💡 Info", Action: model.ActionInfo, SessionID: s.id},
			{Label: "↩️ Enter", Action: model.ActionEnter, SessionID: s.id},
			{Label: interactLabel, Action: model.ActionInteractive, SessionID: s.id},
			{Label: "🛑 Terminate", Action: model.ActionTerminate, SessionID: s.id},
			{Label: "🌐 HTML", Action: model.ActionHTML, SessionID: s.id},
		}
	} else {
		buttons = []model.Button{
			{Label: "💡 Info", Action: model.ActionInfo, SessionID: s.id},
			{Label: "🌐 HTML", Action: model.ActionHTML, SessionID: s.id},
		}
	}

	sig := model.ButtonsSignature(buttons)
	changed := sig != s.lastButtonsSig
	s.lastButtonsSig = sig
	return buttons, changed
}

// HasNewState is the sole gate deciding whether an outward push is
// warranted: changed buttons, or non-empty output differing from the last
// delivered snapshot.
func (s *Session) HasNewState(buttonsChanged bool, candidate string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return buttonsChanged || (candidate != "" && candidate != s.lastPushed)
}

// MarkPushed records a successfully delivered snapshot and clears the
// pending-output flag.
func (s *Session) MarkPushed(snapshot string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPushed = snapshot
	s.pendingOutput = false
	s.lastPushAt = time.Now().UTC()
}

func (s *Session) LastPushAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPushAt
}

// MessageHandle returns the outward message id, or 0 if no push has
// succeeded yet.
func (s *Session) MessageHandle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgHandle
}

// BindMessageHandle assigns the outward message id. Only the first call
// takes effect.
func (s *Session) BindMessageHandle(handle int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.msgHandle == 0 {
		s.msgHandle = handle
	}
}

// Describe renders the info text shown on the Info button.
func (s *Session) Describe() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := "🔄 Running"
	if s.state == model.StateDone {
		status = "✔️ Done"
		if s.terminated {
			status = "🛑 Terminated"
		}
	}
	last := "never"
	if !s.lastPushAt.IsZero() {
		last = s.lastPushAt.Format(time.TimeOnly)
	}
	return fmt.Sprintf(
		"pid: %d\nstatus: %s\nstarted: %s\nlast update: %s\nrun time: %s",
		s.id, status, s.startTime.Format(time.TimeOnly), last, s.runTime.Round(time.Second),
	)
}
