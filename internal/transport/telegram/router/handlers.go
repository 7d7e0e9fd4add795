package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"upscalerbot/internal/storage"
	kit "upscalerbot/internal/transport"
	logx "upscalerbot/pkg/logx"
	"upscalerbot/pkg/tgui"
)

func (m *CommandManager) webAppButton(text string) *kit.SendOptions {
	return &kit.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
		WebApp:         &kit.WebAppButton{Text: text, URL: m.deps.WebAppURL},
	}
}

func (m *CommandManager) handleStart(ctx context.Context, req *Request) error {
	text := tgui.Lines(
		"🖼️ "+tgui.B("Upscaler Photo"),
		"",
		"A Telegram bot that upscales and enhances your photos with AI.",
		"",
		"📌 "+tgui.B("Features:"),
		"• 2x / 4x resolution",
		"• Sharper details",
		"• Noise removal",
		"• Works with any photo",
		"",
		"Tap the button below and the AI does the rest.",
	)
	return m.reply(ctx, req, text.String(), m.webAppButton("🖼️ Enhance photo"))
}

func (m *CommandManager) handleHelp(ctx context.Context, req *Request) error {
	return m.reply(ctx, req, m.helpText(), htmlOpts())
}

// helpText lists the public commands followed by the usage walkthrough.
func (m *CommandManager) helpText() string {
	var b strings.Builder
	b.WriteString("📖 " + tgui.B("Help").String() + "\n\n")
	for _, c := range m.cmds {
		if c.Hidden {
			continue
		}
		fmt.Fprintf(&b, "/%s - %s\n", c.Route, tgui.Esc(c.Description))
	}
	b.WriteString("\n" + tgui.B("How to use:").String() + "\n")
	b.WriteString(tgui.Numbered(
		"Tap «Enhance photo»",
		"Upload an image",
		"Pick the scale (2x or 4x)",
		"Tap «Enhance»",
		"Tap «Send to chat» to get the file",
	).String())
	return b.String()
}

func (m *CommandManager) handleStats(ctx context.Context, req *Request) error {
	text, err := m.StatsMessage(ctx)
	if err != nil {
		_ = m.reply(ctx, req, "❌ Could not read statistics.", nil)
		return err
	}
	return m.reply(ctx, req, text, htmlOpts())
}

// StatsMessage renders the registry statistics as HTML.
func (m *CommandManager) StatsMessage(ctx context.Context) (string, error) {
	st, err := m.deps.Registry.Stats(ctx)
	if err != nil {
		return "", fmt.Errorf("stats: %w", err)
	}
	lines := []string{
		"📊 " + tgui.B("Bot statistics").String(),
		"",
		fmt.Sprintf("👥 Total: %s", tgui.B(fmt.Sprint(st.Total))),
		fmt.Sprintf("📈 New in 24h: %s", tgui.B(fmt.Sprint(st.New24h))),
		fmt.Sprintf("✅ Active: %s", tgui.B(fmt.Sprint(st.Active))),
	}
	if m.deps.Broadcaster != nil {
		for _, j := range m.deps.Broadcaster.Running() {
			lines = append(lines, "", fmt.Sprintf("📤 Broadcast %s: %d/%d", tgui.Code(j.ID), j.Attempted, j.Total))
		}
	}
	return strings.Join(lines, "\n"), nil
}

func (m *CommandManager) handleExport(ctx context.Context, req *Request) error {
	start := time.Now()
	accounts, err := m.deps.Registry.Export(ctx)
	var data []byte
	if err == nil {
		data, err = encodeAccountsCSV(accounts)
	}
	m.audit(ctx, req, storage.AuditEntry{
		Action: "export",
		OK:     len(accounts),
		Error:  errString(err),
		TookMS: time.Since(start).Milliseconds(),
	})
	if err != nil {
		_ = m.reply(ctx, req, "❌ Export failed: "+tgui.TruncRunes(err.Error(), 200), nil)
		return err
	}
	_, err = m.deps.Adapter.SendDocument(ctx, req.Chat, kit.Document{
		FileName: "users_" + m.deps.Now().Format("20060102") + ".csv",
		Data:     data,
		Caption:  fmt.Sprintf("📁 User base (%d records)", len(accounts)),
	})
	return err
}

func (m *CommandManager) handleBroadcast(ctx context.Context, req *Request) error {
	text := strings.TrimSpace(req.ArgText)
	if text == "" {
		usage := "📢 " + tgui.B("Broadcast").String() + "\n\nUsage:\n" + tgui.Code("/broadcast Your message").String()
		return m.reply(ctx, req, usage, htmlOpts())
	}

	res, err := m.deps.Broadcaster.Run(ctx, req.Chat, text)
	meta, _ := json.Marshal(map[string]any{
		"job":         res.JobID,
		"total":       res.Total,
		"deactivated": res.Deactivated,
	})
	m.audit(ctx, req, storage.AuditEntry{
		Action:   "broadcast",
		OK:       res.Sent,
		Fail:     res.Failed,
		Error:    errString(err),
		TookMS:   res.Took.Milliseconds(),
		MetaJSON: string(meta),
	})
	if err != nil {
		_ = m.reply(ctx, req, "❌ Broadcast could not start.", nil)
		return err
	}
	return nil
}

func (m *CommandManager) handlePhoto(ctx context.Context, req *Request) error {
	text := "📸 Use our upscaler to enhance the photo.\nTap the button below:"
	return m.reply(ctx, req, text, m.webAppButton("🖼️ Open upscaler"))
}

func (m *CommandManager) handleWebApp(ctx context.Context, req *Request) error {
	raw := req.Update.Message.WebAppData
	req.Logger.Info("webapp data received", logx.String("data", tgui.TruncRunes(raw, 100)))

	switch res := ParseWebAppPayload(raw).(type) {
	case *ParseError:
		req.Logger.Warn("webapp payload rejected", logx.Err(res))
		return m.reply(ctx, req, "❌ Could not process the image. Please try again.", nil)
	case SendResult:
		_, err := m.deps.Adapter.SendDocument(ctx, req.Chat, kit.Document{
			FileName: "upscaled_" + m.deps.Now().Format("20060102_150405") + ".png",
			Data:     res.Image,
			Caption:  "✅ Here is your enhanced image!",
		})
		if err != nil {
			return fmt.Errorf("send result: %w", err)
		}
		req.Logger.Info("result delivered", logx.Int("bytes", len(res.Image)))
		return nil
	default:
		return fmt.Errorf("unhandled webapp result %T", res)
	}
}

func (m *CommandManager) audit(ctx context.Context, req *Request, e storage.AuditEntry) {
	if m.deps.Audit == nil {
		return
	}
	e.ActorID = req.FromID
	// The handler ctx may already be past its deadline.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.deps.Audit.AppendAudit(actx, e); err != nil {
		req.Logger.Warn("audit append failed", logx.Err(err))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
