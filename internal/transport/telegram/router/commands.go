package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"upscalerbot/internal/metrics"
	rtsup "upscalerbot/internal/runtime/supervisor"
	kit "upscalerbot/internal/transport"
	logx "upscalerbot/pkg/logx"
)

const (
	tagUnrecognized = "unrecognized"
	tagPhoto        = "photo"
	tagWebApp       = "webapp_payload"
)

type CommandManager struct {
	deps Deps
	log  logx.Logger

	cmds  []Command
	index map[string]Command

	// photo and webapp are routed by update kind, not by command word.
	photo  Command
	webapp Command

	jobs chan func()
}

func NewCommandManager(deps Deps, log logx.Logger) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Workers <= 0 {
		deps.Workers = max(4, runtime.NumCPU())
	}
	m := &CommandManager{
		deps: deps,
		log:  log.With(logx.String("comp", "telegram.router")),
		jobs: make(chan func(), 256),
	}
	m.cmds = m.commandTable()
	m.index = make(map[string]Command, len(m.cmds))
	for _, c := range m.cmds {
		m.index[c.Route] = c
	}
	m.photo = Command{Route: tagPhoto, Timeout: 30 * time.Second, Handle: m.handlePhoto}
	m.webapp = Command{Route: tagWebApp, Timeout: 2 * time.Minute, Handle: m.handleWebApp}
	return m
}

func (m *CommandManager) commandTable() []Command {
	return []Command{
		{Route: "start", Description: "Open the upscaler", Refresh: true, Timeout: 30 * time.Second, Handle: m.handleStart},
		{Route: "help", Description: "Show help", Timeout: 30 * time.Second, Handle: m.handleHelp},
		{Route: "stats", Description: "Registry statistics", Access: AccessOperator, Hidden: true, Timeout: 30 * time.Second, Handle: m.handleStats},
		{Route: "export", Description: "Export the user base as CSV", Access: AccessOperator, Hidden: true, Timeout: 2 * time.Minute, Handle: m.handleExport},
		// A broadcast runs to completion; it has no timeout.
		{Route: "broadcast", Description: "Send a message to every active user", Access: AccessOperator, Hidden: true, Handle: m.handleBroadcast},
	}
}

func (m *CommandManager) addressedToUs(mention string) bool {
	return mention == "" || m.deps.BotUsername == "" || strings.EqualFold(mention, m.deps.BotUsername)
}

func (m *CommandManager) isOperator(id int64) bool {
	return m.deps.AdminID == 0 || id == m.deps.AdminID
}

// PublishMenu pushes the public commands to the platform menu when the adapter supports it.
func (m *CommandManager) PublishMenu(ctx context.Context) {
	up, ok := m.deps.Adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	var menu []kit.BotCommand
	for _, c := range m.cmds {
		if !c.Hidden {
			menu = append(menu, kit.BotCommand{Command: c.Route, Description: c.Description})
		}
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := up.UpdateMenuCommands(cctx, menu); err != nil {
		m.log.Warn("menu update failed", logx.Err(err))
	}
}

// DispatchLoop feeds updates to a bounded worker pool until ctx ends or updates closes.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := m.deps.Workers
	sup := rtsup.New(ctx, m.log, rtsup.Isolate)
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := range workers {
		sup.GoRestart("command.worker."+strconv.Itoa(i), rtsup.Restart{Min: 200 * time.Millisecond, Max: 5 * time.Second}, func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					m.runJob(i, job)
				}
			}
		})
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.dispatch(ctx, up)
		}
	}
}

// runJob contains a handler panic so the worker keeps serving the queue.
func (m *CommandManager) runJob(worker int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) dispatch(ctx context.Context, up kit.Update) {
	if up.Message == nil {
		return
	}
	select {
	case m.jobs <- func() { m.Handle(ctx, up) }:
	default:
		m.log.Warn("command queue full", logx.Int("queue_cap", cap(m.jobs)))
		chat := kit.ChatTarget{ChatID: up.Message.ChatID, ThreadID: up.Message.ThreadID}
		_, _ = m.deps.Adapter.SendText(ctx, chat, "⏳ Busy, try again in a moment.", nil)
	}
}

// Handle routes one update and runs its handler synchronously.
func (m *CommandManager) Handle(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	var (
		cmd     Command
		args    []string
		argText string
	)
	switch up.Kind {
	case kit.UpdatePhoto:
		cmd = m.photo
	case kit.UpdateWebApp:
		cmd = m.webapp
	case kit.UpdateMessage:
		word, mention, rest, ok := splitCommand(msg.Text)
		if !ok {
			// Plain text is not a command; nothing to do.
			metrics.ChatUpdate(tagUnrecognized)
			return
		}
		if !m.addressedToUs(mention) {
			// In groups, /cmd@OtherBot belongs to another bot.
			m.log.Debug("command for another bot ignored", logx.String("to", mention))
			return
		}
		found, known := m.index[word]
		if !known {
			metrics.ChatUpdate(tagUnrecognized)
			_, _ = m.deps.Adapter.SendText(ctx, chat, "Unknown command. Try /help", nil)
			return
		}
		cmd, argText = found, rest
		args = tokenizeCommandLine(rest)
	default:
		return
	}

	if cmd.Access == AccessOperator && !m.isOperator(msg.FromID) {
		m.log.Debug("privileged command ignored", logx.String("cmd", cmd.Route))
		return
	}
	metrics.ChatUpdate(cmd.Route)

	rid := uuid.NewString()
	req := &Request{
		Update:        up,
		Chat:          chat,
		FromID:        msg.FromID,
		FromUsername:  msg.FromUsername,
		FromFirstName: msg.FromFirstName,
		Command:       cmd.Route,
		Args:          args,
		ArgText:       argText,
		ReqID:         rid,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
	}

	mws := []Middleware{MWPanicRecover(m.log), MWRequestLog(m.log), MWTimeout(cmd.Timeout)}
	if cmd.Refresh {
		mws = append(mws, MWRefresh(m.deps.Registry))
	}
	_ = Chain(cmd.Handle, mws...)(ctx, req)
}

func htmlOpts() *kit.SendOptions {
	return &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
}

func (m *CommandManager) reply(ctx context.Context, req *Request, text string, opt *kit.SendOptions) error {
	_, err := m.deps.Adapter.SendText(ctx, req.Chat, strings.TrimSpace(text), opt)
	return err
}
