package adapter

import (
	"context"
	"hash/fnv"

	tele "gopkg.in/telebot.v4"

	kit "upscalerbot/internal/transport"
	logx "upscalerbot/pkg/logx"
)

// UpdateMenuCommands publishes the command list (setMyCommands).
// The network call is skipped when the list did not change since the last success.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	out := make([]tele.Command, 0, len(cmds))
	h := fnv.New64a()
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		out = append(out, tele.Command{Text: c.Command, Description: d})
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(d))
		h.Write([]byte{0})
		if len(out) >= 100 {
			break
		}
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := a.bot.SetCommands(out); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(out)))
	return nil
}
