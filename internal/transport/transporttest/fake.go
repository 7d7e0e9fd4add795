// Package transporttest provides an in-memory transport.Adapter for tests.
package transporttest

import (
	"context"
	"sync"

	"upscalerbot/internal/transport"
)

type Sent struct {
	To   transport.ChatTarget
	Text string
	Opt  *transport.SendOptions
}

type Edit struct {
	Ref  transport.MessageRef
	Text string
}

type SentDoc struct {
	To  transport.ChatTarget
	Doc transport.Document
}

// Adapter records every outbound call. FailFor maps chat ids to the error SendText returns.
type Adapter struct {
	mu      sync.Mutex
	nextID  int
	Texts   []Sent
	Edits   []Edit
	Docs    []SentDoc
	Menu    []transport.BotCommand
	FailFor map[int64]error
	// OnSend runs before each SendText is recorded.
	OnSend func(to transport.ChatTarget)
}

func New() *Adapter { return &Adapter{FailFor: map[int64]error{}} }

func (a *Adapter) Start(ctx context.Context, _ chan<- transport.Update) error {
	<-ctx.Done()
	return nil
}

func (a *Adapter) Stop(context.Context) error { return nil }

func (a *Adapter) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if a.OnSend != nil {
		a.OnSend(to)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.FailFor[to.ChatID]; err != nil {
		return transport.MessageRef{}, err
	}
	a.nextID++
	a.Texts = append(a.Texts, Sent{To: to, Text: text, Opt: opt})
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: a.nextID}, nil
}

func (a *Adapter) EditText(_ context.Context, ref transport.MessageRef, text string, _ *transport.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Edits = append(a.Edits, Edit{Ref: ref, Text: text})
	return nil
}

func (a *Adapter) SendDocument(_ context.Context, to transport.ChatTarget, doc transport.Document) (transport.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.Docs = append(a.Docs, SentDoc{To: to, Doc: doc})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: a.nextID}, nil
}

func (a *Adapter) UpdateMenuCommands(_ context.Context, cmds []transport.BotCommand) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Menu = append([]transport.BotCommand(nil), cmds...)
	return nil
}

// Outbound is the number of messages and documents sent so far (edits excluded).
func (a *Adapter) Outbound() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Texts) + len(a.Docs)
}

func (a *Adapter) TextsTo(chatID int64) []Sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Sent
	for _, s := range a.Texts {
		if s.To.ChatID == chatID {
			out = append(out, s)
		}
	}
	return out
}

func (a *Adapter) EditsSnapshot() []Edit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Edit(nil), a.Edits...)
}

func (a *Adapter) DocsSnapshot() []SentDoc {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]SentDoc(nil), a.Docs...)
}
