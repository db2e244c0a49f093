// Package testutil provides scripted fakes for the host process primitive
// and the chat transport, plus a journal store backed by a temp file.
package testutil

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/g960059/termgram/internal/history"
	"github.com/g960059/termgram/internal/session"
	"github.com/g960059/termgram/internal/transport"
)

// FakeProc is a scripted stand-in for a pty-backed process.
type FakeProc struct {
	mu     sync.Mutex
	pid    int
	queue  [][]byte
	closed bool

	// InputLog records injected input in order: literal writes verbatim,
	// control codes as "^x".
	InputLog   []string
	Terminated int
}

func NewFakeProc(pid int) *FakeProc {
	return &FakeProc{pid: pid}
}

// QueueOutput schedules one output chunk for the next read.
func (p *FakeProc) QueueOutput(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, []byte(s))
}

// CloseOutput marks end of stream once queued chunks are drained.
func (p *FakeProc) CloseOutput() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *FakeProc) PID() int { return p.pid }

func (p *FakeProc) ReadNonBlocking(maxBytes int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		if p.closed {
			return nil, io.EOF
		}
		return nil, session.ErrWouldBlock
	}
	chunk := p.queue[0]
	if len(chunk) > maxBytes {
		p.queue[0] = chunk[maxBytes:]
		return chunk[:maxBytes], nil
	}
	p.queue = p.queue[1:]
	return chunk, nil
}

func (p *FakeProc) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.InputLog = append(p.InputLog, string(b))
	return len(b), nil
}

func (p *FakeProc) SendControl(letter byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.InputLog = append(p.InputLog, "^"+string(letter))
	return nil
}

// Inputs returns a copy of the ordered input log.
func (p *FakeProc) Inputs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.InputLog...)
}

func (p *FakeProc) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Terminated++
	return nil
}

// FakeHost hands out pre-built FakeProcs in order.
type FakeHost struct {
	mu       sync.Mutex
	procs    []*FakeProc
	nextPID  int
	SpawnErr error

	Commands []string
}

func NewFakeHost() *FakeHost {
	return &FakeHost{nextPID: 7000}
}

// Provide enqueues a proc for the next Start call.
func (h *FakeHost) Provide(p *FakeProc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.procs = append(h.procs, p)
}

func (h *FakeHost) Start(command string) (session.Proc, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.SpawnErr != nil {
		return nil, h.SpawnErr
	}
	h.Commands = append(h.Commands, command)
	if len(h.procs) > 0 {
		p := h.procs[0]
		h.procs = h.procs[1:]
		return p, nil
	}
	h.nextPID++
	return NewFakeProc(h.nextPID), nil
}

// SentMessage records one SendMessage call.
type SentMessage struct {
	ChatID  int64
	Handle  int
	Message transport.Message
}

// EditedMessage records one EditMessage call.
type EditedMessage struct {
	ChatID    int64
	MessageID int
	Message   transport.Message
}

// FakeChat records outward transport traffic.
type FakeChat struct {
	mu     sync.Mutex
	nextID int

	Sent    []SentMessage
	Edits   []EditedMessage
	Files   []string
	Answers []string

	FailSends bool
}

func NewFakeChat() *FakeChat {
	return &FakeChat{}
}

func (c *FakeChat) SendMessage(_ context.Context, chatID int64, msg transport.Message) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailSends {
		return 0, errors.New("transport unavailable")
	}
	c.nextID++
	c.Sent = append(c.Sent, SentMessage{ChatID: chatID, Handle: c.nextID, Message: msg})
	return c.nextID, nil
}

func (c *FakeChat) EditMessage(_ context.Context, chatID int64, messageID int, msg transport.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailSends {
		return errors.New("transport unavailable")
	}
	c.Edits = append(c.Edits, EditedMessage{ChatID: chatID, MessageID: messageID, Message: msg})
	return nil
}

func (c *FakeChat) DeleteMessage(_ context.Context, _ int64, _ int) error {
	return nil
}

func (c *FakeChat) SendFile(_ context.Context, _ int64, path string, _ int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Files = append(c.Files, path)
	return nil
}

func (c *FakeChat) Answer(_ context.Context, _ string, text string, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Answers = append(c.Answers, text)
	return nil
}

// SentCount and EditCount read traffic totals without racing the loops.
func (c *FakeChat) SentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Sent)
}

func (c *FakeChat) EditCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Edits)
}

// LastSent returns the newest send, or false when none happened yet.
func (c *FakeChat) LastSent() (SentMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Sent) == 0 {
		return SentMessage{}, false
	}
	return c.Sent[len(c.Sent)-1], true
}

// LastEdit returns the newest edit, or false when none happened yet.
func (c *FakeChat) LastEdit() (EditedMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Edits) == 0 {
		return EditedMessage{}, false
	}
	return c.Edits[len(c.Edits)-1], true
}

// NewJournal opens a migrated journal store in a temp dir.
func NewJournal(t *testing.T) (*history.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := history.Open(ctx, filepath.Join(t.TempDir(), "termgram-test.db"))
	if err != nil {
		t.Fatalf("open test journal: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := history.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}
