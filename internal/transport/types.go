package transport

import (
	"context"
	"errors"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	UpdatePhoto   UpdateKind = "photo"
	UpdateWebApp  UpdateKind = "webapp"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID            int
	ChatID        int64
	ThreadID      int // telegram forum topic thread id (0 if none)
	FromID        int64
	FromUsername  string
	FromFirstName string
	Text          string
	// WebAppData is the raw payload posted by the mini-app (UpdateWebApp only).
	WebAppData string
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

// WebAppButton is rendered as an inline keyboard button that opens the mini-app.
type WebAppButton struct {
	Text string
	URL  string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	WebApp         *WebAppButton
}

// Document is a binary attachment sent as a downloadable file.
type Document struct {
	FileName string
	Data     []byte
	Caption  string
}

// ErrRecipientUnreachable marks delivery failures that will not succeed on retry
// (the recipient blocked the bot or the account was deleted).
var ErrRecipientUnreachable = errors.New("recipient unreachable")

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	SendDocument(ctx context.Context, to ChatTarget, doc Document) (MessageRef, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
