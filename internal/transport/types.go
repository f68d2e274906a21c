// Package transport defines the chat and device channels the bot talks
// through. Adapters live in subpackages.
package transport

import (
	"context"
	"time"
)

const (
	ChannelTelegram = "telegram"
	ChannelMQTT     = "mqtt"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateLocation UpdateKind = "location"
)

// Update is an inbound chat event.
type Update struct {
	Kind     UpdateKind
	Message  *Message
	Location *Location
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic (0 if none)
	FromID       int64
	FromUsername string
	Text         string
}

// Location is a shared position; Message carries the sender.
type Location struct {
	Latitude  float64
	Longitude float64
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Notification is one outbound message for a single channel. Key, when set,
// is the dedup identity (an alert handle); otherwise the text is.
type Notification struct {
	Channel string
	Key     string
	Target  ChatTarget
	Title   string
	Text    string
	Prayer  string
	At      time.Time
	Options *SendOptions
}

// Sender delivers notifications over one channel.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n Notification) error

func (f SenderFunc) Send(ctx context.Context, n Notification) error { return f(ctx, n) }

// Chat is a two-way channel (Telegram).
type Chat interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// BotCommand is one entry of the platform command menu.
type BotCommand struct {
	Command     string
	Description string
}
