package router

import (
	"context"
	"time"

	"upscalerbot/internal/broadcast"
	"upscalerbot/internal/storage"
	kit "upscalerbot/internal/transport"
	logx "upscalerbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessOperator commands are silently ignored for everyone but the operator.
	AccessOperator
)

type Command struct {
	Route       string
	Description string
	Access      Access
	// Refresh upserts the sender into the registry before the handler runs.
	Refresh bool
	// Hidden keeps the command out of /help and the Telegram menu.
	Hidden  bool
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Update        kit.Update
	Chat          kit.ChatTarget
	FromID        int64
	FromUsername  string
	FromFirstName string
	Command       string
	Args          []string
	// ArgText is everything after the command word, whitespace and quotes preserved.
	ArgText string
	ReqID   string
	Logger  logx.Logger
}

// Registry is the account store as seen by chat handlers.
type Registry interface {
	Upsert(ctx context.Context, id int64, username, firstName string) (storage.Account, error)
	Stats(ctx context.Context) (storage.Stats, error)
	Export(ctx context.Context) ([]storage.Account, error)
}

type AuditLog interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Broadcaster interface {
	Run(ctx context.Context, operator kit.ChatTarget, text string) (broadcast.Result, error)
	Running() []broadcast.JobStatus
}

type Deps struct {
	Adapter     kit.Adapter
	Registry    Registry
	Audit       AuditLog
	Broadcaster Broadcaster
	WebAppURL   string
	// BotUsername filters /cmd@handle lines; empty accepts any handle.
	BotUsername string
	// AdminID is the operator account; 0 lets every caller through.
	AdminID int64
	Workers int
	Now     func() time.Time
}
