package session

import "errors"

var (
	// ErrWouldBlock reports that no output is ready right now. It is the
	// normal idle result of a non-blocking read, not a failure.
	ErrWouldBlock = errors.New("would block")

	// ErrNotRunning reports input or termination aimed at a finished session.
	ErrNotRunning = errors.New("session not running")
)

// Host abstracts the OS process-spawning primitive so tests can substitute
// a scripted fake for the real pty.
type Host interface {
	Start(command string) (Proc, error)
}

// Proc is one spawned shell process behind a pty-style byte channel.
type Proc interface {
	// PID returns the OS-assigned identifier, reused as the session id.
	PID() int
	// ReadNonBlocking returns up to maxBytes of buffered output.
	// It returns ErrWouldBlock when nothing is ready and io.EOF once the
	// process has closed its side of the channel.
	ReadNonBlocking(maxBytes int) ([]byte, error)
	// Write injects literal bytes into the process input channel.
	Write(p []byte) (int, error)
	// SendControl sends the control code for the given letter (SendControl('c')
	// delivers an interrupt).
	SendControl(letter byte) error
	// Terminate signals the process to exit. Idempotent.
	Terminate() error
}
