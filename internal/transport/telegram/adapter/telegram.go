package adapter

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "upscalerbot/internal/runtime/supervisor"
	kit "upscalerbot/internal/transport"
	logx "upscalerbot/pkg/logx"
)

type Config struct {
	Token          string
	PollTimeout    time.Duration
	RequestTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop and its helpers; created on Start, cancelled on Stop.
	sup *rtsup.Supervisor

	// droppedUpdates counts updates dropped because the consumer fell behind the poll loop.
	droppedUpdates uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "telegram.adapter"))
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		// getUpdates holds the connection for the poll timeout, so the bound covers both.
		Client:  &http.Client{Timeout: cfg.PollTimeout + cfg.RequestTimeout},
		OnError: func(err error, _ tele.Context) { log.Warn("telebot error", logx.Err(err)) },
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Username is the bot's own handle as reported by getMe at construction.
func (a *Adapter) Username() string {
	if a.bot == nil || a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the current output channel; Start may swap it.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: toMessage(m)})
		}
		return nil
	})
	a.bot.Handle(tele.OnPhoto, func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.sendUpdate(kit.Update{Kind: kit.UpdatePhoto, Message: toMessage(m)})
		}
		return nil
	})
	a.bot.Handle(tele.OnWebApp, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.WebAppData == nil {
			return nil
		}
		msg := toMessage(m)
		msg.WebAppData = m.WebAppData.Data
		a.sendUpdate(kit.Update{Kind: kit.UpdateWebApp, Message: msg})
		return nil
	})
}

func toMessage(m *tele.Message) *kit.Message {
	out := &kit.Message{
		ID:       m.ID,
		ThreadID: m.ThreadID,
		Text:     m.Text,
	}
	if m.Chat != nil {
		out.ChatID = m.Chat.ID
	}
	if m.Sender != nil {
		out.FromID = m.Sender.ID
		out.FromUsername = m.Sender.Username
		out.FromFirstName = m.Sender.FirstName
	}
	if out.Text == "" {
		out.Text = m.Caption
	}
	return out
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

// Start drops any webhook together with pending updates, then long-polls until
// ctx ends. The poll loop restarts with backoff if telebot returns early.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	if err := a.bot.RemoveWebhook(true); err != nil {
		a.runMu.Unlock()
		return err
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx, a.log, rtsup.Isolate)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go("updates.drop_report", func(c context.Context) error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
			select {
			case <-c.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	sup.Go("telebot.stop_on_cancel", func(c context.Context) error {
		<-c.Done()
		a.bot.Stop()
		return nil
	})

	// bot.Start only returns after bot.Stop or a poller failure; rerun it until the scope ends.
	sup.GoRestart("telebot.poll", rtsup.Restart{Min: 500 * time.Millisecond, Max: 10 * time.Second, OnCleanExit: true}, func(context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	})

	<-sup.Context().Done()
	return nil
}

// Stop cancels the poll loop and waits a short grace for it to exit.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", atomic.LoadUint64(&a.droppedUpdates)))
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}
