// Package report sends a periodic statistics summary to the operator chat.
package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	kit "upscalerbot/internal/transport"
	logx "upscalerbot/pkg/logx"
)

// RenderFunc produces the HTML body of one report.
type RenderFunc func(ctx context.Context) (string, error)

type Config struct {
	// Schedule is a five-field cron expression or a descriptor such as "@daily".
	// Empty disables the report.
	Schedule string
	Timezone string
	Timeout  time.Duration
}

type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type Service struct {
	cfg    Config
	sender Sender
	target kit.ChatTarget
	render RenderFunc
	log    logx.Logger

	parser cron.Parser

	mu      sync.Mutex
	c       *cron.Cron
	entryID cron.EntryID
}

var ErrNoTarget = errors.New("report: operator chat not configured")

func New(cfg Config, sender Sender, target kit.ChatTarget, render RenderFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Service{
		cfg:    cfg,
		sender: sender,
		target: target,
		render: render,
		log:    log.With(logx.String("comp", "report")),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Enabled reports whether a schedule is configured.
func (s *Service) Enabled() bool { return strings.TrimSpace(s.cfg.Schedule) != "" }

func (s *Service) location() (*time.Location, error) {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// Start registers the job and starts the cron runner. It is a no-op when disabled.
func (s *Service) Start(ctx context.Context) error {
	if !s.Enabled() {
		s.log.Info("scheduled report disabled")
		return nil
	}
	if s.target.ChatID == 0 {
		return ErrNoTarget
	}
	loc, err := s.location()
	if err != nil {
		return fmt.Errorf("report timezone %q: %w", s.cfg.Timezone, err)
	}
	sched, err := s.parser.Parse(strings.TrimSpace(s.cfg.Schedule))
	if err != nil {
		return fmt.Errorf("report schedule %q: %w", s.cfg.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	// Runs outlive the caller's ctx only until Stop.
	base := context.WithoutCancel(ctx)
	s.entryID = c.Schedule(sched, cron.FuncJob(func() {
		if err := s.RunOnce(base); err != nil {
			s.log.Warn("scheduled report failed", logx.Err(err))
		}
	}))
	c.Start()
	s.c = c

	next := c.Entry(s.entryID).Next
	s.log.Info("scheduled report started",
		logx.String("schedule", s.cfg.Schedule),
		logx.String("tz", loc.String()),
		logx.Time("next", next),
	)
	return nil
}

// Next returns the next planned run, or the zero time when not started.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entryID).Next
}

// RunOnce renders and sends a single report.
func (s *Service) RunOnce(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	body, err := s.render(cctx)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	if _, err := s.sender.SendText(cctx, s.target, body, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	s.log.Debug("scheduled report sent")
	return nil
}

// Stop waits for a running report to finish or ctx to end.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger routes cron's internal logging through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
