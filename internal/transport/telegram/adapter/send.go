package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "upscalerbot/internal/transport"
)

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks Telegram accepts.
// It prefers newline boundaries and, in HTML mode, avoids cutting inside a tag.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, string(tele.ModeHTML)) && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func sendOptions(to kit.ChatTarget, opt *kit.SendOptions) *tele.SendOptions {
	so := &tele.SendOptions{ThreadID: to.ThreadID}
	if opt == nil {
		return so
	}
	so.ParseMode = tele.ParseMode(opt.ParseMode)
	so.DisableWebPagePreview = opt.DisablePreview
	if opt.WebApp != nil {
		so.ReplyMarkup = webAppMarkup(*opt.WebApp)
	}
	return so
}

func webAppMarkup(b kit.WebAppButton) *tele.ReplyMarkup {
	return &tele.ReplyMarkup{
		InlineKeyboard: [][]tele.InlineButton{{
			{Text: b.Text, WebApp: &tele.WebApp{URL: b.URL}},
		}},
	}
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	parseMode := ""
	if opt != nil {
		parseMode = opt.ParseMode
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit, parseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		so := sendOptions(to, opt)
		if i > 0 {
			// The keyboard belongs to the first chunk only.
			so.ReplyMarkup = nil
		}
		msg, err := a.bot.Send(chat, chunk, so)
		if err != nil {
			return first, classify(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// EditText replaces the text of ref. Overflow beyond one message is sent as new messages.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	to := kit.ChatTarget{ChatID: ref.ChatID, ThreadID: ref.ThreadID}
	parseMode := ""
	if opt != nil {
		parseMode = opt.ParseMode
	}
	chunks := splitTelegramText(text, telegramTextLimit, parseMode)

	so := sendOptions(to, opt)
	so.ThreadID = 0
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	if _, err := a.bot.Edit(m, chunks[0], so); err != nil {
		if isNotModified(err) {
			return nil
		}
		return classify(err)
	}

	chat := &tele.Chat{ID: ref.ChatID}
	for _, chunk := range chunks[1:] {
		if err := ctx.Err(); err != nil {
			return err
		}
		so := sendOptions(to, opt)
		so.ReplyMarkup = nil
		if _, err := a.bot.Send(chat, chunk, so); err != nil {
			return classify(err)
		}
	}
	return nil
}

func (a *Adapter) SendDocument(ctx context.Context, to kit.ChatTarget, doc kit.Document) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	if len(doc.Data) == 0 {
		return kit.MessageRef{}, errors.New("document is empty")
	}
	file := &tele.Document{
		File:     tele.FromReader(bytes.NewReader(doc.Data)),
		FileName: doc.FileName,
		Caption:  doc.Caption,
	}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, file, &tele.SendOptions{ThreadID: to.ThreadID})
	if err != nil {
		return kit.MessageRef{}, classify(err)
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

// classify wraps failures that mean the recipient can never be reached.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, tele.ErrBlockedByUser) || errors.Is(err, tele.ErrUserIsDeactivated) {
		return fmt.Errorf("%w: %v", kit.ErrRecipientUnreachable, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "blocked") || strings.Contains(msg, "deactivated") {
		return fmt.Errorf("%w: %v", kit.ErrRecipientUnreachable, err)
	}
	return err
}

func isNotModified(err error) bool {
	return errors.Is(err, tele.ErrSameMessageContent) ||
		strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}
