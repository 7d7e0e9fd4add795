// Package broadcast delivers one operator message to every active account,
// paced and strictly sequential, reporting progress by editing a single
// status message in the operator's chat.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"upscalerbot/internal/metrics"
	"upscalerbot/internal/transport"
	logx "upscalerbot/pkg/logx"
)

func New(reg Registry, adapter transport.Adapter, cfg Config, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.normalized()
	return &Engine{
		reg:       reg,
		adapter:   adapter,
		log:       log.With(logx.String("comp", "broadcast")),
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Every(cfg.Delay), 1),
		status:    map[string]*JobStatus{},
		statusMax: 20,
		now:       time.Now,
	}
}

// Apply swaps pacing and cadence; running jobs pick the new values up on their next attempt.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.normalized()
	e.mu.Lock()
	e.cfg = cfg
	e.limiter.SetLimit(rate.Every(cfg.Delay))
	e.mu.Unlock()
	e.log.Debug("broadcast config applied", logx.Duration("delay", cfg.Delay), logx.Int("progress_every", cfg.ProgressEvery))
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Run executes one job to completion. The recipient list is snapshotted once;
// accounts activated later are not part of this job. It only stops early when
// ctx ends (process shutdown).
func (e *Engine) Run(ctx context.Context, operator transport.ChatTarget, text string) (Result, error) {
	start := e.now()
	ids, err := e.reg.ListActive(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot recipients: %w", err)
	}
	total := len(ids)
	jobID := "bc:" + uuid.NewString()[:8]
	e.track(&JobStatus{ID: jobID, Total: total, StartedAt: start, Running: true})
	log := e.log.With(logx.String("job", jobID))
	log.Info("broadcast started", logx.Int("total", total))

	html := &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}
	statusRef, err := e.adapter.SendText(ctx, operator, progressText(0, total), nil)
	if err != nil {
		log.Warn("status message not sent", logx.Err(err))
	}

	res := Result{JobID: jobID, Total: total}
	for i, id := range ids {
		if err := e.limiter.Wait(ctx); err != nil {
			log.Warn("broadcast interrupted", logx.Int("attempted", i), logx.Err(err))
			break
		}
		if _, err := e.adapter.SendText(ctx, transport.ChatTarget{ChatID: id}, text, html); err != nil {
			res.Failed++
			if errors.Is(err, transport.ErrRecipientUnreachable) {
				metrics.BroadcastDelivery("deactivated")
				if derr := e.reg.Deactivate(ctx, id); derr != nil {
					log.Warn("deactivate failed", logx.Int64("chat_id", id), logx.Err(derr))
				} else {
					res.Deactivated++
				}
				log.Debug("recipient unreachable", logx.Int64("chat_id", id), logx.Err(err))
			} else {
				metrics.BroadcastDelivery("failed")
				log.Warn("delivery failed", logx.Int64("chat_id", id), logx.Err(err))
			}
		} else {
			res.Sent++
			metrics.BroadcastDelivery("sent")
		}

		attempted := i + 1
		e.progress(jobID, attempted, res.Sent, res.Failed)
		if every := e.config().ProgressEvery; attempted%every == 0 && statusRef.MessageID != 0 {
			if err := e.adapter.EditText(ctx, statusRef, progressText(attempted, total), nil); err != nil {
				log.Debug("progress edit failed", logx.Err(err))
			}
		}
	}

	res.Took = e.now().Sub(start)
	e.finish(jobID)
	metrics.BroadcastJobDone()

	summary := summaryText(res)
	if statusRef.MessageID != 0 {
		err = e.adapter.EditText(ctx, statusRef, summary, html)
	} else {
		_, err = e.adapter.SendText(ctx, operator, summary, html)
	}
	if err != nil {
		log.Warn("summary not delivered", logx.Err(err))
	}

	fields := []logx.Field{
		logx.Int("total", res.Total),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
		logx.Int("deactivated", res.Deactivated),
		logx.Duration("dur", res.Took),
	}
	if res.Failed > 0 {
		log.Warn("broadcast finished with failures", fields...)
	} else {
		log.Info("broadcast finished", fields...)
	}
	return res, nil
}

func progressText(attempted, total int) string {
	return fmt.Sprintf("📤 Broadcasting... %d/%d", attempted, total)
}

func summaryText(r Result) string {
	return fmt.Sprintf("✅ <b>Broadcast finished!</b>\n\n📨 Sent: %d\n❌ Failed: %d", r.Sent, r.Failed)
}
