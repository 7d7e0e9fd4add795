package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "upscalerbot/internal/transport"
	"upscalerbot/pkg/tgui"
)

const (
	operatorQueue    = 64
	operatorMaxRunes = 3500
	operatorValRunes = 600
)

// TextSender is the part of the chat adapter the operator mirror needs.
type TextSender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// operatorSink is a zerolog.LevelWriter that queues formatted lines for the
// operator chat. Writes never block; lines over the rate or the queue are dropped.
type operatorSink struct {
	mu       sync.Mutex
	sender   TextSender
	chatID   int64
	minLevel zerolog.Level
	limiter  *rate.Limiter
	stop     context.CancelFunc
	stopped  chan struct{}

	queue chan string
}

func newOperatorSink() *operatorSink {
	return &operatorSink{minLevel: zerolog.WarnLevel, queue: make(chan string, operatorQueue)}
}

func (o *operatorSink) attach(sender TextSender, chatID int64) {
	o.mu.Lock()
	o.sender, o.chatID = sender, chatID
	o.mu.Unlock()
}

// configure applies cfg and starts the delivery loop on first use.
func (o *operatorSink) configure(cfg OperatorConfig) {
	lvl, ok := parseLevel(cfg.MinLevel)
	if !ok {
		lvl = zerolog.WarnLevel
	}
	per := max(1, cfg.PerSecond)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.minLevel = lvl
	o.limiter = rate.NewLimiter(rate.Limit(per), per)
	if o.stop == nil {
		ctx, cancel := context.WithCancel(context.Background())
		o.stop, o.stopped = cancel, make(chan struct{})
		go o.deliver(ctx, o.stopped)
	}
}

func (o *operatorSink) close() {
	o.mu.Lock()
	stop, stopped := o.stop, o.stopped
	o.stop, o.stopped = nil, nil
	o.mu.Unlock()
	if stop != nil {
		stop()
		<-stopped
	}
}

func (o *operatorSink) Write(p []byte) (int, error) {
	return o.WriteLevel(zerolog.InfoLevel, p)
}

func (o *operatorSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	o.mu.Lock()
	wanted := o.chatID != 0 && o.sender != nil && level >= o.minLevel && level < zerolog.NoLevel &&
		o.limiter != nil && o.limiter.Allow()
	o.mu.Unlock()
	if !wanted {
		return len(p), nil
	}
	select {
	case o.queue <- operatorText(level, p):
	default:
	}
	return len(p), nil
}

func (o *operatorSink) deliver(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-o.queue:
			o.mu.Lock()
			sender, to := o.sender, kit.ChatTarget{ChatID: o.chatID}
			o.mu.Unlock()
			if sender == nil || to.ChatID == 0 {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if _, err := sender.SendText(sctx, to, text, &kit.SendOptions{DisablePreview: true}); err != nil {
				// Logging this through logx would feed the mirror again.
				fmt.Fprintf(os.Stderr, "logx: operator mirror: %v\n", err)
			}
			cancel()
		}
	}
}

// operatorText renders a JSON log line as "[LEVEL] message" followed by one
// "- key=value" line per field, sorted by key.
func operatorText(level zerolog.Level, p []byte) string {
	var line map[string]any
	if err := json.Unmarshal(p, &line); err != nil {
		return tgui.TruncRunes(strings.TrimSpace(string(p)), operatorMaxRunes)
	}
	msg, _ := line[zerolog.MessageFieldName].(string)
	delete(line, zerolog.MessageFieldName)
	delete(line, zerolog.LevelFieldName)
	delete(line, zerolog.TimestampFieldName)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(level.String()), msg)
	for _, k := range slices.Sorted(maps.Keys(line)) {
		fmt.Fprintf(&b, "\n- %s=%s", k, tgui.TruncRunes(fmt.Sprint(line[k]), operatorValRunes))
	}
	return tgui.TruncRunes(b.String(), operatorMaxRunes)
}
