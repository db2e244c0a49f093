package session

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

const ptyReadBuffer = 32 * 1024

// PtyHost spawns commands under /bin/bash with a pty attached.
type PtyHost struct{}

func NewPtyHost() *PtyHost {
	return &PtyHost{}
}

func (h *PtyHost) Start(command string) (Proc, error) {
	cmd := exec.Command("/bin/bash", "-c", command)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 80, Rows: 24})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	p := &ptyProc{
		cmd:    cmd,
		ptmx:   ptmx,
		chunks: make(chan []byte, 64),
		eof:    make(chan struct{}),
	}
	go p.pump()
	return p, nil
}

// ptyProc adapts a pty master to the non-blocking Proc contract. A pump
// goroutine owns all blocking reads and feeds a bounded chunk channel;
// ReadNonBlocking only ever selects on that channel.
type ptyProc struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	chunks chan []byte
	eof    chan struct{}

	pending []byte

	termOnce sync.Once
}

func (p *ptyProc) PID() int {
	return p.cmd.Process.Pid
}

func (p *ptyProc) pump() {
	buf := make([]byte, ptyReadBuffer)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.enqueue(chunk)
		}
		if err != nil {
			// A pty read error (EIO on slave close included) is end of stream.
			break
		}
	}
	close(p.eof)
	_ = p.ptmx.Close()
	_ = p.cmd.Wait()
}

// enqueue never blocks the pump: once a terminated session stops draining,
// the oldest chunks are dropped instead of wedging the read loop.
func (p *ptyProc) enqueue(chunk []byte) {
	for {
		select {
		case p.chunks <- chunk:
			return
		default:
			select {
			case <-p.chunks:
			default:
			}
		}
	}
}

func (p *ptyProc) ReadNonBlocking(maxBytes int) ([]byte, error) {
	if len(p.pending) == 0 {
		select {
		case chunk := <-p.chunks:
			p.pending = chunk
		default:
			select {
			case <-p.eof:
				// Drain chunks queued before the pump observed end of stream.
				select {
				case chunk := <-p.chunks:
					p.pending = chunk
				default:
					return nil, io.EOF
				}
			default:
				return nil, ErrWouldBlock
			}
		}
	}
	n := maxBytes
	if n > len(p.pending) {
		n = len(p.pending)
	}
	out := p.pending[:n]
	p.pending = p.pending[n:]
	return out, nil
}

func (p *ptyProc) Write(b []byte) (int, error) {
	return p.ptmx.Write(b)
}

func (p *ptyProc) SendControl(letter byte) error {
	code := controlCode(letter)
	if code == 0 {
		return fmt.Errorf("no control code for %q", letter)
	}
	_, err := p.ptmx.Write([]byte{code})
	return err
}

func (p *ptyProc) Terminate() error {
	var err error
	p.termOnce.Do(func() {
		err = unix.Kill(p.cmd.Process.Pid, unix.SIGTERM)
	})
	return err
}

// controlCode maps a letter to its terminal control byte (^c -> 0x03).
func controlCode(letter byte) byte {
	if letter >= 'a' && letter <= 'z' {
		letter -= 'a' - 'A'
	}
	if letter < '@' || letter > '_' {
		return 0
	}
	return letter & 0x1f
}
