package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"upscalerbot/internal/broadcast"
	"upscalerbot/internal/config"
	"upscalerbot/internal/gateway"
	"upscalerbot/internal/report"
	rtsup "upscalerbot/internal/runtime/supervisor"
	"upscalerbot/internal/storage"
	kit "upscalerbot/internal/transport"
	telegram "upscalerbot/internal/transport/telegram/adapter"
	"upscalerbot/internal/transport/telegram/router"
	"upscalerbot/internal/upscale"
	logx "upscalerbot/pkg/logx"
)

type App struct {
	cfg  *config.Config
	rtm  *config.RuntimeManager
	sup  *rtsup.Supervisor
	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	adapter kit.Adapter
	engine  *broadcast.Engine
	cmdm    *router.CommandManager
	gw      *gateway.Server
	report  *report.Service

	updates chan kit.Update
}

// NewApp builds every component. Storage is opened (and migrated) here, so a
// bad DATABASE_URL fails before anything starts polling.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	rtm := config.NewRuntimeManager(cfg.RuntimeFile, cfg.Runtime)
	rc, err := rtm.Load()
	if err != nil {
		return nil, err
	}

	// Telegram forwarding needs the adapter, which needs a logger. Start with
	// the sink off and enable it once the sender and target are set.
	bootCfg := rc.LogConfig()
	bootCfg.Operator.Enabled = false
	logSvc, root := logx.New(bootCfg)
	log := root.With(logx.String("comp", "app"))
	rtm.SetLogger(root.With(logx.String("comp", "config")))

	ad, err := telegram.New(mapAdapterConfig(cfg), root)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	logSvc.AttachOperator(ad, cfg.Telegram.AdminID)
	logSvc.Apply(rc.LogConfig())

	st, err := storage.Open(ctx, mapStorageConfig(cfg), root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	eng := broadcast.New(st, ad, mapBroadcastConfig(rc), root)

	cmdm := router.NewCommandManager(router.Deps{
		Adapter:     ad,
		Registry:    st,
		Audit:       st,
		Broadcaster: eng,
		WebAppURL:   cfg.Telegram.WebAppURL,
		BotUsername: ad.Username(),
		AdminID:     cfg.Telegram.AdminID,
	}, root)

	up := upscale.New(mapUpscaleConfig(cfg))
	gw := gateway.New(mapGatewayConfig(cfg), up, root)

	rep := report.New(mapReportConfig(cfg), ad, kit.ChatTarget{ChatID: cfg.Telegram.AdminID}, cmdm.StatsMessage, root)

	if cfg.Telegram.AdminID == 0 {
		log.Warn("ADMIN_ID is not set; privileged commands are open to everyone")
	}

	return &App{
		cfg:     cfg,
		rtm:     rtm,
		log:     log,
		logs:    logSvc,
		store:   st,
		adapter: ad,
		engine:  eng,
		cmdm:    cmdm,
		gw:      gw,
		report:  rep,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	// Bind before any task runs; a busy port is a startup error.
	if err := a.gw.Listen(); err != nil {
		return err
	}

	a.sup = rtsup.New(ctx, a.log, rtsup.FailFast)

	a.sup.GoCritical("telegram.adapter", func(c context.Context) error {
		return a.adapter.Start(c, a.updates)
	})
	a.sup.GoCritical("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})
	a.sup.GoCritical("gateway.serve", a.gw.Serve)

	sub := a.rtm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.rtm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case rc, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						rc = newer
					default:
						break drain
					}
				}
				a.applyRuntime(rc)
			}
		}
	})
	a.sup.Go("config.watch", a.rtm.Watch)

	a.sup.Go("commands.menu", func(c context.Context) error {
		a.cmdm.PublishMenu(c)
		return nil
	})

	if err := a.report.Start(a.sup.Context()); err != nil {
		a.log.Warn("scheduled report not started", logx.Err(err))
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified", logx.String("state", "ready"))
	}

	a.log.Info("app started",
		logx.String("http_addr", a.gw.Addr()),
		logx.Int64("admin_id", a.cfg.Telegram.AdminID),
	)
	return nil
}

func (a *App) applyRuntime(rc config.RuntimeConfig) {
	a.logs.Apply(rc.LogConfig())
	bc := mapBroadcastConfig(rc)
	a.engine.Apply(bc)
	a.log.Info("runtime config applied",
		logx.String("log_level", rc.Logging.Level),
		logx.Duration("broadcast_delay", bc.Delay),
		logx.Int("progress_every", bc.ProgressEvery),
	)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel first so every loop starts unwinding at once.
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("report", 2*time.Second, a.report.Stop)
	step("adapter", 3*time.Second, a.adapter.Stop)
	// Serve drains in-flight requests within its own grace once the scope is cancelled.
	step("supervisor", a.cfg.HTTP.ShutdownGrace+2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
