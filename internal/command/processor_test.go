package command

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrapius/internal/config"
	"scrapius/internal/scheduler"
	"scrapius/internal/session"
	"scrapius/internal/transport"
	"scrapius/pkg/logx"
)

// ---- fakes ----

type fakeOut struct {
	mu    sync.Mutex
	sends []sentMessage
}

type sentMessage struct {
	ChatID int64
	Text   string
}

func (f *fakeOut) Start(ctx context.Context, out chan<- transport.Update) error { return nil }

func (f *fakeOut) Stop(ctx context.Context) error { return nil }

func (f *fakeOut) SendText(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sentMessage{ChatID: chatID, Text: text})
	return nil
}

func (f *fakeOut) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	return nil
}

func (f *fakeOut) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeOut) last() sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sends) == 0 {
		return sentMessage{}
	}
	return f.sends[len(f.sends)-1]
}

type fakeSession struct {
	state         session.State
	manualPending bool
	imported      string
	importedN     int
	cleared       bool
	manualBegun   bool
	manualDone    bool
}

func (f *fakeSession) State() session.State { return f.state }
func (f *fakeSession) ManualPending() bool  { return f.manualPending }

func (f *fakeSession) BeginManualLogin(ctx context.Context) error {
	f.manualBegun = true
	f.manualPending = true
	return nil
}

func (f *fakeSession) CompleteManualLogin(ctx context.Context) error {
	f.manualDone = true
	f.manualPending = false
	return nil
}

func (f *fakeSession) CancelManualLogin() { f.manualPending = false }

func (f *fakeSession) ImportCookies(raw string) (int, error) {
	parsed, err := session.ParseCookies(raw)
	if err != nil {
		return 0, err
	}
	f.imported = raw
	f.importedN = len(parsed)
	return len(parsed), nil
}

func (f *fakeSession) ClearCookies() error {
	f.cleared = true
	return nil
}

func (f *fakeSession) CookieStatus() (int, time.Time, error) {
	return f.importedN, time.Time{}, nil
}

type fakeSched struct {
	mu     sync.Mutex
	forced int
}

func (f *fakeSched) ForceRun() {
	f.mu.Lock()
	f.forced++
	f.mu.Unlock()
}

func (f *fakeSched) Status() (*scheduler.CycleResult, time.Time, time.Duration) {
	return nil, time.Time{}, 0
}

type fakeDigest struct{}

func (fakeDigest) BuildToday(ctx context.Context) (string, int, error) {
	return "No matching items today.", 0, nil
}

// ---- harness ----

const (
	operatorChat = int64(100)
	strangerChat = int64(999)
)

type fixture struct {
	proc *Processor
	cfg  *config.Manager
	out  *fakeOut
	sess *fakeSession
	sch  *fakeSched
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mgr := config.NewManager(filepath.Join(t.TempDir(), "config.json"))
	_, err := mgr.Load()
	require.NoError(t, err)
	_, err = mgr.Update(func(c *config.Config) {
		c.Runtime.Recipients = []int64{operatorChat}
	})
	require.NoError(t, err)

	f := &fixture{
		cfg:  mgr,
		out:  &fakeOut{},
		sess: &fakeSession{state: session.StateUnauthenticated},
		sch:  &fakeSched{},
	}
	f.proc = New(mgr, f.sess, f.sch, fakeDigest{}, f.out, logx.Nop())
	return f
}

func (f *fixture) message(chatID int64, text string) {
	f.proc.handle(context.Background(), transport.Update{
		Kind:    transport.UpdateMessage,
		Message: &transport.Message{ChatID: chatID, FromID: chatID, Text: text},
	})
}

// ---- tests ----

func TestUnauthorizedSenderIsSilentlyIgnored(t *testing.T) {
	f := newFixture(t)

	f.message(strangerChat, "/config")
	f.message(strangerChat, "/run")

	assert.Zero(t, f.out.count(), "no acknowledgement for unauthorized senders")
	f.sch.mu.Lock()
	assert.Zero(t, f.sch.forced)
	f.sch.mu.Unlock()
}

func TestSetHoursOvernight(t *testing.T) {
	f := newFixture(t)

	f.message(operatorChat, "/sethours 22-6")

	cfg := f.cfg.Get().Runtime.WorkingHours
	assert.Equal(t, 22, cfg.Start)
	assert.Equal(t, 6, cfg.End)
	assert.True(t, cfg.Enabled)
	assert.Contains(t, f.out.last().Text, "Overnight")
}

func TestSetHoursOffAndOn(t *testing.T) {
	f := newFixture(t)

	f.message(operatorChat, "/sethours off")
	assert.False(t, f.cfg.Get().Runtime.WorkingHours.Enabled)

	f.message(operatorChat, "/sethours on")
	assert.True(t, f.cfg.Get().Runtime.WorkingHours.Enabled)
}

func TestSetHoursRejectsOutOfRange(t *testing.T) {
	f := newFixture(t)

	f.message(operatorChat, "/sethours 8-25")

	assert.Equal(t, 22, f.cfg.Get().Runtime.WorkingHours.End, "previous value retained")
	assert.Contains(t, f.out.last().Text, "Rejected")
}

func TestSetPresetValid(t *testing.T) {
	f := newFixture(t)

	f.message(operatorChat, "/setpreset fast")
	assert.Equal(t, config.PollPresetFast, f.cfg.Get().Runtime.PollPreset)
}

func TestSetPresetUnknownRetainsPrevious(t *testing.T) {
	f := newFixture(t)

	f.message(operatorChat, "/setpreset turbo")

	assert.Equal(t, config.PollPresetNormal, f.cfg.Get().Runtime.PollPreset)
	assert.Contains(t, f.out.last().Text, "Rejected")
}

func TestSetTiming(t *testing.T) {
	f := newFixture(t)

	f.message(operatorChat, "/settiming aggressive")
	assert.Equal(t, config.TimingAggressive, f.cfg.Get().Runtime.TimingPreset)

	f.message(operatorChat, "/settiming reckless")
	assert.Equal(t, config.TimingAggressive, f.cfg.Get().Runtime.TimingPreset)
	assert.Contains(t, f.out.last().Text, "Rejected")
}

func TestRunForcesCycle(t *testing.T) {
	f := newFixture(t)

	f.message(operatorChat, "/run")

	f.sch.mu.Lock()
	assert.Equal(t, 1, f.sch.forced)
	f.sch.mu.Unlock()
}

func TestSourcesLifecycle(t *testing.T) {
	f := newFixture(t)

	f.message(operatorChat, "/addsource https://example.com/groups/1")
	assert.Equal(t, []string{"https://example.com/groups/1"}, f.cfg.Get().Runtime.Sources)

	// Duplicate add is refused without mutating.
	f.message(operatorChat, "/addsource https://example.com/groups/1")
	assert.Len(t, f.cfg.Get().Runtime.Sources, 1)

	// Remove by list number.
	f.message(operatorChat, "/removesource 1")
	assert.Empty(t, f.cfg.Get().Runtime.Sources)
}

func TestRecipientsLifecycle(t *testing.T) {
	f := newFixture(t)

	f.message(operatorChat, "/addrecipient 555")
	assert.Equal(t, []int64{operatorChat, 555}, f.cfg.Get().Runtime.Recipients)

	f.message(operatorChat, "/removerecipient 555")
	assert.Equal(t, []int64{operatorChat}, f.cfg.Get().Runtime.Recipients)

	// The sending chat cannot remove itself.
	f.message(operatorChat, "/removerecipient 100")
	assert.Equal(t, []int64{operatorChat}, f.cfg.Get().Runtime.Recipients)
}

func TestCookieImportFlow(t *testing.T) {
	f := newFixture(t)

	f.message(operatorChat, "/login import")
	assert.True(t, f.proc.awaitingImport(operatorChat))

	// A plain message is consumed as cookie data, not a command.
	f.message(operatorChat, `[{"name":"c_user","value":"1","domain":".x.com"}]`)

	assert.False(t, f.proc.awaitingImport(operatorChat))
	assert.Equal(t, 1, f.sess.importedN)
	assert.Equal(t, config.AuthModeCookie, f.cfg.Get().Runtime.AuthMode)
	f.sch.mu.Lock()
	assert.Equal(t, 1, f.sch.forced, "import triggers an immediate cycle")
	f.sch.mu.Unlock()
}

func TestCookieImportBadPayloadKeepsWaiting(t *testing.T) {
	f := newFixture(t)

	f.message(operatorChat, "/login import")
	f.message(operatorChat, "this is not cookies")

	assert.True(t, f.proc.awaitingImport(operatorChat), "bad payload keeps the flow open")
	assert.Contains(t, f.out.last().Text, "Import failed")

	f.message(operatorChat, "/cancel")
	assert.False(t, f.proc.awaitingImport(operatorChat))
}

func TestManualLoginCommands(t *testing.T) {
	f := newFixture(t)

	f.message(operatorChat, "/login manual")
	assert.True(t, f.sess.manualBegun)

	f.message(operatorChat, "/done")
	assert.True(t, f.sess.manualDone)
	f.sch.mu.Lock()
	assert.Equal(t, 1, f.sch.forced)
	f.sch.mu.Unlock()
}

func TestDoneWithoutManualLogin(t *testing.T) {
	f := newFixture(t)

	f.message(operatorChat, "/done")
	assert.False(t, f.sess.manualDone)
	assert.Contains(t, f.out.last().Text, "No manual login")
}

func TestDigestCommands(t *testing.T) {
	f := newFixture(t)

	f.message(operatorChat, "/digest 21:30")
	dig := f.cfg.Get().Runtime.Digest
	assert.True(t, dig.Enabled)
	assert.Equal(t, "21:30", dig.At)

	f.message(operatorChat, "/digest 99:99")
	assert.Equal(t, "21:30", f.cfg.Get().Runtime.Digest.At, "invalid time retained previous")

	f.message(operatorChat, "/digest off")
	assert.False(t, f.cfg.Get().Runtime.Digest.Enabled)

	f.message(operatorChat, "/digest now")
	assert.Contains(t, f.out.last().Text, "No matching items")
}

func TestCommandWithBotSuffix(t *testing.T) {
	f := newFixture(t)

	f.message(operatorChat, "/setpreset@scrapius_bot slow")
	assert.Equal(t, config.PollPresetSlow, f.cfg.Get().Runtime.PollPreset)
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)

	f.message(operatorChat, "/frobnicate")
	assert.True(t, strings.Contains(f.out.last().Text, "Unknown command"))
}

func TestRunLoopStopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	updates := make(chan transport.Update)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.proc.Run(ctx, updates) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
