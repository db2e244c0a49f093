// Package transport defines the chat boundary. The session engine only
// ever talks to these interfaces; a concrete chat network adapter converts
// Button descriptors and events to its native types at the edge.
package transport

import (
	"context"

	"github.com/g960059/termgram/internal/model"
)

// Message is one outward payload. Empty Text with non-empty Buttons is a
// button-only update; the adapter must not send an empty body.
type Message struct {
	Text     string
	Buttons  []model.Button
	FilePath string
	ReplyTo  int
}

// Chat is the outbound half of the boundary.
type Chat interface {
	// SendMessage creates a new message and returns its handle.
	SendMessage(ctx context.Context, chatID int64, msg Message) (int, error)
	// EditMessage updates the message identified by messageID in place.
	EditMessage(ctx context.Context, chatID int64, messageID int, msg Message) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	SendFile(ctx context.Context, chatID int64, path string, replyTo int) error
	// Answer acknowledges a button press with a short notice.
	Answer(ctx context.Context, callbackID string, text string, alert bool) error
}

// MessageEvent is an incoming chat message.
type MessageEvent struct {
	ChatID    int64
	SenderID  int64
	RequestID int
	Text      string
}

// CallbackEvent is an inline button press carrying "action&id" data.
type CallbackEvent struct {
	ChatID     int64
	SenderID   int64
	MessageID  int
	CallbackID string
	Data       string
}

// Handler receives incoming traffic from the adapter.
type Handler interface {
	HandleMessage(ctx context.Context, ev MessageEvent)
	HandleCallback(ctx context.Context, ev CallbackEvent)
}

// Transport is a full adapter: outbound ops plus the inbound event loop.
type Transport interface {
	Chat
	// Run delivers incoming events to h until ctx is cancelled.
	Run(ctx context.Context, h Handler) error
}
