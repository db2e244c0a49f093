package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Console is a line-oriented transport for local development: outbound
// messages print to w, each stdin line becomes a MessageEvent, and lines
// of the form "/cb action&id" simulate a button press.
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	r      io.Reader
	nextID atomic.Int64
}

func NewConsole() *Console {
	return &Console{w: os.Stdout, r: os.Stdin}
}

func (c *Console) SendMessage(_ context.Context, _ int64, msg Message) (int, error) {
	id := int(c.nextID.Add(1))
	c.print(fmt.Sprintf("#%d", id), msg)
	return id, nil
}

func (c *Console) EditMessage(_ context.Context, _ int64, messageID int, msg Message) error {
	c.print(fmt.Sprintf("#%d edit", messageID), msg)
	return nil
}

func (c *Console) DeleteMessage(_ context.Context, _ int64, messageID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.w, "--- #%d deleted ---\n", messageID)
	return nil
}

func (c *Console) SendFile(_ context.Context, _ int64, path string, _ int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.w, "--- file: %s ---\n", path)
	return nil
}

func (c *Console) Answer(_ context.Context, _ string, text string, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.w, "--- %s ---\n", text)
	return nil
}

func (c *Console) print(tag string, msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.w, "--- %s ---\n", tag)
	if msg.Text != "" {
		_, _ = fmt.Fprintln(c.w, msg.Text)
	}
	if msg.FilePath != "" {
		_, _ = fmt.Fprintf(c.w, "[image: %s]\n", msg.FilePath)
	}
	for _, b := range msg.Buttons {
		_, _ = fmt.Fprintf(c.w, "[%s -> /cb %s]\n", b.Label, b.CallbackData())
	}
}

func (c *Console) Run(ctx context.Context, h Handler) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(c.r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	requestID := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			requestID++
			if data, isCb := strings.CutPrefix(line, "/cb "); isCb {
				h.HandleCallback(ctx, CallbackEvent{Data: strings.TrimSpace(data)})
				continue
			}
			h.HandleMessage(ctx, MessageEvent{RequestID: requestID, Text: line})
		}
	}
}
