// Package command turns inbound chat updates into config mutations, session
// actions, and scheduler triggers. Senders not on the recipient allowlist
// are ignored silently: no acknowledgement, no error.
package command

import (
	"context"
	"strings"
	"sync"
	"time"

	"scrapius/internal/config"
	"scrapius/internal/scheduler"
	"scrapius/internal/session"
	"scrapius/internal/transport"
	"scrapius/pkg/logx"
)

// Session is the slice of the session manager commands act on.
type Session interface {
	State() session.State
	ManualPending() bool
	BeginManualLogin(ctx context.Context) error
	CompleteManualLogin(ctx context.Context) error
	CancelManualLogin()
	ImportCookies(raw string) (int, error)
	ClearCookies() error
	CookieStatus() (count int, earliest time.Time, err error)
}

// Scheduler is the slice of the scheduler commands act on.
type Scheduler interface {
	ForceRun()
	Status() (last *scheduler.CycleResult, nextTick time.Time, backoff time.Duration)
}

// Digester builds the on-demand daily summary.
type Digester interface {
	BuildToday(ctx context.Context) (text string, items int, err error)
}

type Processor struct {
	cfg    *config.Manager
	sess   Session
	sched  Scheduler
	digest Digester
	out    transport.Adapter
	log    logx.Logger

	// pendingImport marks chats whose next plain message is parsed as
	// cookie data.
	mu            sync.Mutex
	pendingImport map[int64]bool
}

func New(cfg *config.Manager, sess Session, sched Scheduler, digest Digester, out transport.Adapter, log logx.Logger) *Processor {
	return &Processor{
		cfg:           cfg,
		sess:          sess,
		sched:         sched,
		digest:        digest,
		out:           out,
		log:           log,
		pendingImport: make(map[int64]bool),
	}
}

// Run consumes updates until ctx is cancelled or the channel closes.
func (p *Processor) Run(ctx context.Context, updates <-chan transport.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			p.handle(ctx, up)
		}
	}
}

func (p *Processor) handle(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message == nil {
			return
		}
		if !p.authorized(up.Message.ChatID) {
			p.log.Debug("ignoring unauthorized message",
				logx.Int64("chat", up.Message.ChatID),
				logx.Int64("from", up.Message.FromID))
			return
		}
		p.handleMessage(ctx, up.Message)
	case transport.UpdateCallback:
		if up.Callback == nil {
			return
		}
		if !p.authorized(up.Callback.ChatID) {
			return
		}
		p.handleCallback(ctx, up.Callback)
	}
}

func (p *Processor) authorized(chatID int64) bool {
	cfg := p.cfg.Get()
	if cfg == nil {
		return false
	}
	return cfg.Runtime.IsAuthorized(chatID)
}

func (p *Processor) handleMessage(ctx context.Context, m *transport.Message) {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}

	if !strings.HasPrefix(text, "/") {
		if p.awaitingImport(m.ChatID) {
			p.finishImport(ctx, m.ChatID, text)
		}
		return
	}

	cmd, args := splitCommand(text)
	p.log.Debug("command received",
		logx.String("cmd", cmd), logx.Int64("chat", m.ChatID))

	switch cmd {
	case "/start", "/help":
		p.reply(ctx, m.ChatID, helpText)
	case "/config":
		p.cmdConfig(ctx, m.ChatID)
	case "/sethours":
		p.cmdSetHours(ctx, m.ChatID, args)
	case "/setpreset":
		p.cmdSetPreset(ctx, m.ChatID, args)
	case "/settiming":
		p.cmdSetTiming(ctx, m.ChatID, args)
	case "/setposts":
		p.cmdSetPosts(ctx, m.ChatID, args)
	case "/prompt":
		p.cmdPrompt(ctx, m.ChatID)
	case "/setsystem":
		p.cmdSetSystem(ctx, m.ChatID, args)
	case "/setprompt":
		p.cmdSetPrompt(ctx, m.ChatID, args)
	case "/sources":
		p.cmdSources(ctx, m.ChatID)
	case "/addsource":
		p.cmdAddSource(ctx, m.ChatID, args)
	case "/removesource":
		p.cmdRemoveSource(ctx, m.ChatID, args)
	case "/recipients":
		p.cmdRecipients(ctx, m.ChatID)
	case "/addrecipient":
		p.cmdAddRecipient(ctx, m.ChatID, args)
	case "/removerecipient":
		p.cmdRemoveRecipient(ctx, m.ChatID, args)
	case "/login":
		p.cmdLogin(ctx, m.ChatID, args)
	case "/cookies":
		p.cmdCookies(ctx, m.ChatID)
	case "/clearcookies":
		p.cmdClearCookies(ctx, m.ChatID)
	case "/done":
		p.cmdDone(ctx, m.ChatID)
	case "/cancel":
		p.cmdCancel(ctx, m.ChatID)
	case "/run":
		p.cmdRun(ctx, m.ChatID)
	case "/status":
		p.cmdStatus(ctx, m.ChatID)
	case "/digest":
		p.cmdDigest(ctx, m.ChatID, args)
	default:
		p.reply(ctx, m.ChatID, "Unknown command. Send /help for the list.")
	}
}

func (p *Processor) handleCallback(ctx context.Context, cb *transport.Callback) {
	data := strings.TrimSpace(cb.Data)
	switch data {
	case "login:cookie":
		p.loginWithMode(ctx, cb.ChatID, config.AuthModeCookie,
			"Will log in with the saved cookies on the next cycle.")
	case "login:import":
		p.beginImport(cb.ChatID)
		p.reply(ctx, cb.ChatID,
			"Paste the cookies as a JSON export or Netscape cookies.txt.\nSend /cancel to abort.")
	case "login:credentials":
		p.loginWithMode(ctx, cb.ChatID, config.AuthModeCredentials,
			"Will log in with the stored credentials on the next cycle.")
	case "login:manual":
		p.startManual(ctx, cb.ChatID)
	default:
		p.log.Debug("unknown callback", logx.String("data", data))
	}
	if err := p.out.AnswerCallback(ctx, cb.ID, ""); err != nil {
		p.log.Debug("answer callback failed", logx.Err(err))
	}
}

func (p *Processor) awaitingImport(chatID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingImport[chatID]
}

func (p *Processor) beginImport(chatID int64) {
	p.mu.Lock()
	p.pendingImport[chatID] = true
	p.mu.Unlock()
}

func (p *Processor) endImport(chatID int64) {
	p.mu.Lock()
	delete(p.pendingImport, chatID)
	p.mu.Unlock()
}

func (p *Processor) reply(ctx context.Context, chatID int64, text string) {
	p.send(ctx, chatID, text, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
}

func (p *Processor) send(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) {
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := p.out.SendText(sctx, chatID, text, opt); err != nil {
		p.log.Warn("reply failed", logx.Int64("chat", chatID), logx.Err(err))
	}
}

func splitCommand(text string) (cmd, args string) {
	parts := strings.SplitN(text, " ", 2)
	cmd = strings.ToLower(parts[0])
	// Strip the @botname suffix from group commands.
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	if len(parts) > 1 {
		args = strings.TrimSpace(parts[1])
	}
	return cmd, args
}

const helpText = `<b>Commands</b>
/config - show current configuration
/sethours on|off|H-H - working hours window
/setpreset slow|normal|fast - poll interval
/settiming conservative|normal|aggressive - scrape pacing
/setposts N - max posts per source
/prompt - show classification prompts
/setsystem &lt;text&gt; - set the system prompt
/setprompt &lt;text&gt; - set the user prompt
/sources, /addsource, /removesource - scraped feeds
/recipients, /addrecipient, /removerecipient - allowlist
/login [cookie|import|credentials|manual] - start a login flow
/cookies - cookie jar status
/clearcookies - wipe the cookie jar
/done - finish a manual login
/cancel - abort manual login or cookie import
/run - force a cycle now
/status - session and scheduler state
/digest on|off|HH:MM|now - daily digest`
