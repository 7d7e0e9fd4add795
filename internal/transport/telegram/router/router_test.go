package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upscalerbot/internal/broadcast"
	"upscalerbot/internal/storage"
	kit "upscalerbot/internal/transport"
	"upscalerbot/internal/transport/transporttest"
	logx "upscalerbot/pkg/logx"
)

const (
	adminID int64 = 1000
	userID  int64 = 42
)

type fakeRegistry struct {
	mu       sync.Mutex
	upserts  []int64
	accounts []storage.Account
	stats    storage.Stats
	err      error
}

func (r *fakeRegistry) Upsert(_ context.Context, id int64, username, firstName string) (storage.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts = append(r.upserts, id)
	return storage.Account{ID: id, Username: username, FirstName: firstName, Active: true}, r.err
}

func (r *fakeRegistry) Stats(context.Context) (storage.Stats, error) { return r.stats, r.err }

func (r *fakeRegistry) Export(context.Context) ([]storage.Account, error) { return r.accounts, r.err }

func (r *fakeRegistry) Upserts() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.upserts...)
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (a *fakeAudit) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

type fakeBroadcaster struct {
	runs  []string
	res   broadcast.Result
	jobs  []broadcast.JobStatus
	runTo []kit.ChatTarget
}

func (b *fakeBroadcaster) Run(_ context.Context, op kit.ChatTarget, text string) (broadcast.Result, error) {
	b.runs = append(b.runs, text)
	b.runTo = append(b.runTo, op)
	return b.res, nil
}

func (b *fakeBroadcaster) Running() []broadcast.JobStatus { return b.jobs }

type fixture struct {
	m     *CommandManager
	ad    *transporttest.Adapter
	reg   *fakeRegistry
	audit *fakeAudit
	bc    *fakeBroadcaster
}

func newFixture(t *testing.T, admin int64) *fixture {
	t.Helper()
	f := &fixture{
		ad:    transporttest.New(),
		reg:   &fakeRegistry{},
		audit: &fakeAudit{},
		bc:    &fakeBroadcaster{},
	}
	f.m = NewCommandManager(Deps{
		Adapter:     f.ad,
		Registry:    f.reg,
		Audit:       f.audit,
		Broadcaster: f.bc,
		WebAppURL:   "https://example.org/app",
		BotUsername: "upscaler_bot",
		AdminID:     admin,
		Now:         func() time.Time { return time.Date(2025, 3, 1, 9, 8, 7, 0, time.UTC) },
	}, logx.Nop())
	return f
}

func textUpdate(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: 1, ChatID: from, FromID: from, FromUsername: "user", FromFirstName: "User", Text: text,
	}}
}

func webAppUpdate(from int64, data string) kit.Update {
	return kit.Update{Kind: kit.UpdateWebApp, Message: &kit.Message{
		ID: 2, ChatID: from, FromID: from, WebAppData: data,
	}}
}

func TestPrivilegedCommandsAreSilentForOthers(t *testing.T) {
	f := newFixture(t, adminID)
	ctx := context.Background()

	for _, text := range []string{"/stats", "/export", "/broadcast hello everyone", "/broadcast", "/STATS@upscaler_bot"} {
		f.m.Handle(ctx, textUpdate(userID, text))
	}

	assert.Zero(t, f.ad.Outbound(), "no outbound messages")
	assert.Empty(t, f.ad.EditsSnapshot())
	assert.Empty(t, f.reg.Upserts(), "no registry mutation")
	assert.Empty(t, f.bc.runs)
	assert.Empty(t, f.audit.entries)
}

func TestZeroAdminAllowsEveryone(t *testing.T) {
	f := newFixture(t, 0)
	f.reg.stats = storage.Stats{Total: 3, Active: 2, New24h: 1}
	f.m.Handle(context.Background(), textUpdate(userID, "/stats"))

	sent := f.ad.TextsTo(userID)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "Total: <b>3</b>")
	assert.Contains(t, sent[0].Text, "New in 24h: <b>1</b>")
	assert.Contains(t, sent[0].Text, "Active: <b>2</b>")
}

func TestStartRefreshesAndShowsMenu(t *testing.T) {
	f := newFixture(t, adminID)
	f.m.Handle(context.Background(), textUpdate(userID, "/start"))

	assert.Equal(t, []int64{userID}, f.reg.Upserts())
	sent := f.ad.TextsTo(userID)
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Opt)
	require.NotNil(t, sent[0].Opt.WebApp)
	assert.Equal(t, "https://example.org/app", sent[0].Opt.WebApp.URL)
	assert.Equal(t, "HTML", sent[0].Opt.ParseMode)
}

func TestStartStillRepliesWhenRegistryFails(t *testing.T) {
	f := newFixture(t, adminID)
	f.reg.err = errors.New("db down")
	f.m.Handle(context.Background(), textUpdate(userID, "/start"))
	assert.Len(t, f.ad.TextsTo(userID), 1)
}

func TestHelpHidesPrivilegedCommands(t *testing.T) {
	f := newFixture(t, adminID)
	f.m.Handle(context.Background(), textUpdate(userID, "/help"))

	sent := f.ad.TextsTo(userID)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "/start")
	assert.Contains(t, sent[0].Text, "/help")
	assert.NotContains(t, sent[0].Text, "/stats")
	assert.NotContains(t, sent[0].Text, "/broadcast")
}

func TestUnknownCommandAndPlainText(t *testing.T) {
	f := newFixture(t, adminID)
	ctx := context.Background()

	f.m.Handle(ctx, textUpdate(userID, "just chatting"))
	assert.Zero(t, f.ad.Outbound())

	f.m.Handle(ctx, textUpdate(userID, "/nope"))
	sent := f.ad.TextsTo(userID)
	require.Len(t, sent, 1)
	assert.Equal(t, "Unknown command. Try /help", sent[0].Text)
	assert.Empty(t, f.reg.Upserts())
}

func TestCommandsForOtherBotsAreIgnored(t *testing.T) {
	f := newFixture(t, adminID)
	ctx := context.Background()

	f.m.Handle(ctx, textUpdate(userID, "/start@OtherBot"))
	f.m.Handle(ctx, textUpdate(userID, "/foo@OtherBot"))
	assert.Zero(t, f.ad.Outbound())
	assert.Empty(t, f.reg.Upserts())

	f.m.Handle(ctx, textUpdate(userID, "/start@Upscaler_Bot"))
	assert.Len(t, f.ad.TextsTo(userID), 1)
	assert.Equal(t, []int64{userID}, f.reg.Upserts())
}

func TestPhotoPointsAtMiniApp(t *testing.T) {
	f := newFixture(t, adminID)
	f.m.Handle(context.Background(), kit.Update{Kind: kit.UpdatePhoto, Message: &kit.Message{ChatID: userID, FromID: userID}})

	sent := f.ad.TextsTo(userID)
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Opt.WebApp)
	assert.Empty(t, f.ad.DocsSnapshot())
}

func TestBroadcastUsageAndRun(t *testing.T) {
	f := newFixture(t, adminID)
	ctx := context.Background()

	f.m.Handle(ctx, textUpdate(adminID, "/broadcast   "))
	require.Empty(t, f.bc.runs)
	sent := f.ad.TextsTo(adminID)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "Usage")

	f.bc.res = broadcast.Result{JobID: "bc:1", Total: 3, Sent: 2, Failed: 1, Deactivated: 1}
	f.m.Handle(ctx, textUpdate(adminID, "/broadcast <b>News</b>\nline two"))
	require.Equal(t, []string{"<b>News</b>\nline two"}, f.bc.runs, "body is passed through untouched")
	assert.Equal(t, adminID, f.bc.runTo[0].ChatID)

	require.Len(t, f.audit.entries, 1)
	e := f.audit.entries[0]
	assert.Equal(t, "broadcast", e.Action)
	assert.Equal(t, adminID, e.ActorID)
	assert.Equal(t, 2, e.OK)
	assert.Equal(t, 1, e.Fail)
	assert.JSONEq(t, `{"job":"bc:1","total":3,"deactivated":1}`, e.MetaJSON)
	assert.Empty(t, f.reg.Upserts())
}

func TestExportSendsCSV(t *testing.T) {
	f := newFixture(t, adminID)
	joined := time.Date(2025, 2, 28, 10, 0, 0, 0, time.UTC)
	f.reg.accounts = []storage.Account{
		{ID: 3, Username: "c", FirstName: "Carol, Jr.", Joined: joined.Add(2 * time.Hour), Active: true},
		{ID: 1, Joined: joined, Active: false},
	}
	f.m.Handle(context.Background(), textUpdate(adminID, "/export"))

	docs := f.ad.DocsSnapshot()
	require.Len(t, docs, 1)
	assert.Equal(t, "users_20250301.csv", docs[0].Doc.FileName)
	assert.Equal(t, "📁 User base (2 records)", docs[0].Doc.Caption)
	want := strings.Join([]string{
		"ID,Username,Name,Joined,Active",
		`3,c,"Carol, Jr.",2025-02-28 12:00:00,true`,
		"1,,,2025-02-28 10:00:00,false",
		"",
	}, "\n")
	assert.Equal(t, want, string(docs[0].Doc.Data))

	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, "export", f.audit.entries[0].Action)
	assert.Equal(t, 2, f.audit.entries[0].OK)
}

func TestExportFailureReplies(t *testing.T) {
	f := newFixture(t, adminID)
	f.reg.err = errors.New("connection reset")
	f.m.Handle(context.Background(), textUpdate(adminID, "/export"))

	assert.Empty(t, f.ad.DocsSnapshot())
	sent := f.ad.TextsTo(adminID)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "Export failed")
}

func TestWebAppSendsDocument(t *testing.T) {
	f := newFixture(t, adminID)
	f.m.Handle(context.Background(), webAppUpdate(userID, `{"action":"send_result","image":"data:image/png;base64,aGVsbG8="}`))

	docs := f.ad.DocsSnapshot()
	require.Len(t, docs, 1)
	assert.Equal(t, []byte("hello"), docs[0].Doc.Data)
	assert.Equal(t, "upscaled_20250301_090807.png", docs[0].Doc.FileName)
	assert.Equal(t, userID, docs[0].To.ChatID)
}

func TestOnlyStartTouchesRegistry(t *testing.T) {
	f := newFixture(t, adminID)
	ctx := context.Background()

	f.m.Handle(ctx, textUpdate(userID, "/help"))
	f.m.Handle(ctx, kit.Update{Kind: kit.UpdatePhoto, Message: &kit.Message{ChatID: userID, FromID: userID}})
	f.m.Handle(ctx, webAppUpdate(userID, `{"action":"send_result","image":"aGVsbG8="}`))

	assert.Len(t, f.ad.TextsTo(userID), 2)
	assert.Len(t, f.ad.DocsSnapshot(), 1)
	assert.Empty(t, f.reg.Upserts())

	f.m.Handle(ctx, textUpdate(userID, "/start"))
	assert.Equal(t, []int64{userID}, f.reg.Upserts())
}

func TestWebAppBadPayloadReplies(t *testing.T) {
	for _, data := range []string{
		`not json`,
		`{"image":"aGVsbG8="}`,
		`{"action":"delete_everything"}`,
		`{"action":"send_result","image":"%%%"}`,
		`{"action":"send_result","image":""}`,
	} {
		f := newFixture(t, adminID)
		f.m.Handle(context.Background(), webAppUpdate(userID, data))

		assert.Empty(t, f.ad.DocsSnapshot(), data)
		sent := f.ad.TextsTo(userID)
		require.Len(t, sent, 1, data)
		assert.Contains(t, sent[0].Text, "Could not process", data)
		assert.Empty(t, f.reg.Upserts(), "no state mutation for %s", data)
	}
}

func TestParseWebAppPayload(t *testing.T) {
	t.Parallel()
	cases := []struct {
		data   string
		image  string
		reason string
	}{
		{data: `{"action":"send_result","image":"aGVsbG8="}`, image: "hello"},
		{data: `{"action":"send_result","image":"aGVsbG8"}`, image: "hello"},
		{data: `{"action":"send_result","image":"data:image/jpeg;base64,aGk="}`, image: "hi"},
		{data: `{"action":"send_result","image":"aGVs\nbG8="}`, image: "hello"},
		{data: `{`, reason: "malformed json"},
		{data: `{"action":""}`, reason: "missing action"},
		{data: `{"action":"x"}`, reason: `unknown action "x"`},
		{data: `{"action":"send_result","image":"data:image/png;base64"}`, reason: "data uri without payload"},
		{data: `{"action":"send_result","image":"***"}`, reason: "malformed base64"},
		{data: `{"action":"send_result"}`, reason: "empty image"},
	}
	for _, tc := range cases {
		switch res := ParseWebAppPayload(tc.data).(type) {
		case SendResult:
			assert.Empty(t, tc.reason, tc.data)
			assert.Equal(t, tc.image, string(res.Image), tc.data)
		case *ParseError:
			require.NotEmpty(t, tc.reason, "%s: %v", tc.data, res)
			assert.True(t, strings.HasPrefix(res.Reason, tc.reason), "%s: %s", tc.data, res.Reason)
		default:
			t.Fatalf("unexpected %T", res)
		}
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, word, mention, rest string
		ok                      bool
	}{
		{in: "/start", word: "start", ok: true},
		{in: "/Start@UpscalerBot", word: "start", mention: "UpscalerBot", ok: true},
		{in: "/broadcast  hi\n there ", word: "broadcast", rest: "hi\n there", ok: true},
		{in: "hello", ok: false},
		{in: "/", ok: false},
		{in: "/@bot", ok: false},
	}
	for _, tc := range cases {
		word, mention, rest, ok := splitCommand(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.word, word, tc.in)
		assert.Equal(t, tc.mention, mention, tc.in)
		assert.Equal(t, tc.rest, rest, tc.in)
	}
	assert.Equal(t, []string{"a", "b c", "d e"}, tokenizeCommandLine(`a "b c" 'd e'`))
}

func TestDispatchLoopRunsHandlers(t *testing.T) {
	f := newFixture(t, adminID)
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 8)
	done := make(chan error, 1)
	go func() { done <- f.m.DispatchLoop(ctx, updates) }()

	for i := int64(1); i <= 5; i++ {
		updates <- textUpdate(i, "/start")
	}
	require.Eventually(t, func() bool { return f.ad.Outbound() == 5 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch loop did not stop")
	}
}

func TestPublishMenuListsPublicCommands(t *testing.T) {
	f := newFixture(t, adminID)
	f.m.PublishMenu(context.Background())
	var names []string
	for _, c := range f.ad.Menu {
		names = append(names, c.Command)
	}
	assert.Equal(t, []string{"start", "help"}, names)
}

func TestPanicInHandlerIsContained(t *testing.T) {
	f := newFixture(t, adminID)
	f.m.index["boom"] = Command{Route: "boom", Handle: func(context.Context, *Request) error { panic("kaboom") }}
	assert.NotPanics(t, func() { f.m.Handle(context.Background(), textUpdate(userID, "/boom")) })
}
