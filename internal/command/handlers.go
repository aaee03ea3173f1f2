package command

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"scrapius/internal/config"
	"scrapius/internal/transport"
	"scrapius/pkg/logx"
)

func (p *Processor) update(ctx context.Context, chatID int64, ok string, mutate func(c *config.Config)) {
	if _, err := p.cfg.Update(mutate); err != nil {
		p.reply(ctx, chatID, "Rejected: "+html.EscapeString(err.Error()))
		return
	}
	p.reply(ctx, chatID, ok)
}

func (p *Processor) cmdConfig(ctx context.Context, chatID int64) {
	cfg := p.cfg.Get().Runtime
	wh := cfg.WorkingHours

	var b strings.Builder
	b.WriteString("<b>Configuration</b>\n")
	if !wh.Enabled || wh.Start == wh.End {
		b.WriteString("Working hours: always on\n")
	} else {
		fmt.Fprintf(&b, "Working hours: %02d-%02d", wh.Start, wh.End)
		if wh.Timezone != "" {
			fmt.Fprintf(&b, " (%s)", wh.Timezone)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Poll preset: %s (%s)\n", cfg.PollPreset, cfg.PollInterval())
	fmt.Fprintf(&b, "Timing: %s (%s between sources)\n", cfg.TimingPreset, cfg.SourceDelay())
	fmt.Fprintf(&b, "Max posts per source: %d\n", cfg.MaxPostsPerSource)
	fmt.Fprintf(&b, "Auth mode: %s\n", cfg.AuthMode)
	fmt.Fprintf(&b, "Sources: %d\n", len(cfg.Sources))
	fmt.Fprintf(&b, "Recipients: %d\n", len(cfg.Recipients))
	if cfg.Digest.Enabled {
		fmt.Fprintf(&b, "Digest: daily at %s\n", cfg.Digest.At)
	} else {
		b.WriteString("Digest: off\n")
	}
	p.reply(ctx, chatID, b.String())
}

func (p *Processor) cmdSetHours(ctx context.Context, chatID int64, args string) {
	args = strings.ToLower(strings.TrimSpace(args))
	switch {
	case args == "on":
		p.update(ctx, chatID, "Working hours enabled.", func(c *config.Config) {
			c.Runtime.WorkingHours.Enabled = true
		})
	case args == "off":
		p.update(ctx, chatID, "Working hours disabled, scraping around the clock.", func(c *config.Config) {
			c.Runtime.WorkingHours.Enabled = false
		})
	default:
		parts := strings.SplitN(args, "-", 2)
		if len(parts) != 2 {
			p.reply(ctx, chatID, "Usage: /sethours on | off | START-END (e.g. 8-22, 22-6 wraps midnight)")
			return
		}
		start, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
		end, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err1 != nil || err2 != nil {
			p.reply(ctx, chatID, "Hours must be numbers 0-23, e.g. /sethours 8-22")
			return
		}
		msg := fmt.Sprintf("Working hours set to %02d-%02d.", start, end)
		if start == end {
			msg = "Start equals end: treated as always on."
		} else if start > end {
			msg = fmt.Sprintf("Overnight window set: %02d through midnight to %02d.", start, end)
		}
		p.update(ctx, chatID, msg, func(c *config.Config) {
			c.Runtime.WorkingHours.Enabled = true
			c.Runtime.WorkingHours.Start = start
			c.Runtime.WorkingHours.End = end
		})
	}
}

func (p *Processor) cmdSetPreset(ctx context.Context, chatID int64, args string) {
	preset := strings.ToLower(strings.TrimSpace(args))
	if preset == "" {
		p.reply(ctx, chatID, "Usage: /setpreset slow|normal|fast")
		return
	}
	ok := fmt.Sprintf("Poll preset set to %s.", preset)
	p.update(ctx, chatID, ok, func(c *config.Config) {
		c.Runtime.PollPreset = preset
	})
}

func (p *Processor) cmdSetTiming(ctx context.Context, chatID int64, args string) {
	preset := strings.ToLower(strings.TrimSpace(args))
	if preset == "" {
		p.reply(ctx, chatID, "Usage: /settiming conservative|normal|aggressive")
		return
	}
	ok := fmt.Sprintf("Timing preset set to %s.", preset)
	p.update(ctx, chatID, ok, func(c *config.Config) {
		c.Runtime.TimingPreset = preset
	})
}

func (p *Processor) cmdSetPosts(ctx context.Context, chatID int64, args string) {
	n, err := strconv.Atoi(strings.TrimSpace(args))
	if err != nil {
		p.reply(ctx, chatID, "Usage: /setposts N")
		return
	}
	p.update(ctx, chatID, fmt.Sprintf("Max posts per source set to %d.", n), func(c *config.Config) {
		c.Runtime.MaxPostsPerSource = n
	})
}

func (p *Processor) cmdPrompt(ctx context.Context, chatID int64) {
	cfg := p.cfg.Get().Runtime
	text := fmt.Sprintf("<b>System prompt</b>\n%s\n\n<b>User prompt</b>\n%s",
		html.EscapeString(orUnset(cfg.Prompts.System)),
		html.EscapeString(orUnset(cfg.Prompts.User)))
	p.reply(ctx, chatID, text)
}

func orUnset(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(not set)"
	}
	return s
}

func (p *Processor) cmdSetSystem(ctx context.Context, chatID int64, args string) {
	if strings.TrimSpace(args) == "" {
		p.reply(ctx, chatID, "Usage: /setsystem <prompt text>")
		return
	}
	p.update(ctx, chatID, "System prompt updated.", func(c *config.Config) {
		c.Runtime.Prompts.System = args
	})
}

func (p *Processor) cmdSetPrompt(ctx context.Context, chatID int64, args string) {
	if strings.TrimSpace(args) == "" {
		p.reply(ctx, chatID, "Usage: /setprompt <prompt text>")
		return
	}
	p.update(ctx, chatID, "User prompt updated.", func(c *config.Config) {
		c.Runtime.Prompts.User = args
	})
}

func (p *Processor) cmdSources(ctx context.Context, chatID int64) {
	sources := p.cfg.Get().Runtime.Sources
	if len(sources) == 0 {
		p.reply(ctx, chatID, "No sources configured. Add one with /addsource <url>.")
		return
	}
	var b strings.Builder
	b.WriteString("<b>Sources</b>\n")
	for i, s := range sources {
		fmt.Fprintf(&b, "%d. %s\n", i+1, html.EscapeString(s))
	}
	p.reply(ctx, chatID, b.String())
}

func (p *Processor) cmdAddSource(ctx context.Context, chatID int64, args string) {
	src := strings.TrimSpace(args)
	if src == "" {
		p.reply(ctx, chatID, "Usage: /addsource <url>")
		return
	}
	for _, existing := range p.cfg.Get().Runtime.Sources {
		if existing == src {
			p.reply(ctx, chatID, "Already in the list.")
			return
		}
	}
	p.update(ctx, chatID, "Source added.", func(c *config.Config) {
		c.Runtime.Sources = append(c.Runtime.Sources, src)
	})
}

func (p *Processor) cmdRemoveSource(ctx context.Context, chatID int64, args string) {
	src := strings.TrimSpace(args)
	if src == "" {
		p.reply(ctx, chatID, "Usage: /removesource <url or list number>")
		return
	}
	sources := p.cfg.Get().Runtime.Sources
	target := src
	if n, err := strconv.Atoi(src); err == nil && n >= 1 && n <= len(sources) {
		target = sources[n-1]
	}
	found := false
	for _, existing := range sources {
		if existing == target {
			found = true
			break
		}
	}
	if !found {
		p.reply(ctx, chatID, "Not in the list; check /sources.")
		return
	}
	p.update(ctx, chatID, "Source removed.", func(c *config.Config) {
		out := c.Runtime.Sources[:0]
		for _, s := range c.Runtime.Sources {
			if s != target {
				out = append(out, s)
			}
		}
		c.Runtime.Sources = out
	})
}

func (p *Processor) cmdRecipients(ctx context.Context, chatID int64) {
	recipients := p.cfg.Get().Runtime.Recipients
	var b strings.Builder
	b.WriteString("<b>Recipients</b>\n")
	for _, id := range recipients {
		fmt.Fprintf(&b, "%d\n", id)
	}
	p.reply(ctx, chatID, b.String())
}

func (p *Processor) cmdAddRecipient(ctx context.Context, chatID int64, args string) {
	id, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil {
		p.reply(ctx, chatID, "Usage: /addrecipient <chat id>")
		return
	}
	if p.cfg.Get().Runtime.IsAuthorized(id) {
		p.reply(ctx, chatID, "Already on the list.")
		return
	}
	p.update(ctx, chatID, fmt.Sprintf("Recipient %d added.", id), func(c *config.Config) {
		c.Runtime.Recipients = append(c.Runtime.Recipients, id)
	})
}

func (p *Processor) cmdRemoveRecipient(ctx context.Context, chatID int64, args string) {
	id, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil {
		p.reply(ctx, chatID, "Usage: /removerecipient <chat id>")
		return
	}
	if id == chatID {
		p.reply(ctx, chatID, "Refusing to remove the chat you are sending from.")
		return
	}
	p.update(ctx, chatID, fmt.Sprintf("Recipient %d removed.", id), func(c *config.Config) {
		out := c.Runtime.Recipients[:0]
		for _, r := range c.Runtime.Recipients {
			if r != id {
				out = append(out, r)
			}
		}
		c.Runtime.Recipients = out
	})
}

func (p *Processor) cmdLogin(ctx context.Context, chatID int64, args string) {
	switch strings.ToLower(strings.TrimSpace(args)) {
	case "cookie", "cookies":
		p.loginWithMode(ctx, chatID, config.AuthModeCookie,
			"Will log in with the saved cookies on the next cycle.")
	case "import":
		p.beginImport(chatID)
		p.reply(ctx, chatID,
			"Paste the cookies as a JSON export or Netscape cookies.txt.\nSend /cancel to abort.")
	case "credentials":
		p.loginWithMode(ctx, chatID, config.AuthModeCredentials,
			"Will log in with the stored credentials on the next cycle.")
	case "manual":
		p.startManual(ctx, chatID)
	case "":
		p.sendLoginKeyboard(ctx, chatID)
	default:
		p.reply(ctx, chatID, "Usage: /login [cookie|import|credentials|manual]")
	}
}

func (p *Processor) sendLoginKeyboard(ctx context.Context, chatID int64) {
	markup := &tele.ReplyMarkup{InlineKeyboard: [][]tele.InlineButton{
		{
			{Text: "Saved cookies", Data: "login:cookie"},
			{Text: "Import cookies", Data: "login:import"},
		},
		{
			{Text: "Credentials", Data: "login:credentials"},
			{Text: "Manual", Data: "login:manual"},
		},
	}}

	p.send(ctx, chatID, "How should I log in?", &transport.SendOptions{
		ReplyMarkupAdapter: markup,
	})
}

func (p *Processor) loginWithMode(ctx context.Context, chatID int64, mode, ack string) {
	if _, err := p.cfg.Update(func(c *config.Config) {
		c.Runtime.AuthMode = mode
	}); err != nil {
		p.reply(ctx, chatID, "Rejected: "+html.EscapeString(err.Error()))
		return
	}
	p.sched.ForceRun()
	p.reply(ctx, chatID, ack)
}

func (p *Processor) startManual(ctx context.Context, chatID int64) {
	if err := p.sess.BeginManualLogin(ctx); err != nil {
		p.reply(ctx, chatID, "Could not start manual login: "+html.EscapeString(err.Error()))
		return
	}
	p.reply(ctx, chatID,
		"Browser is open at the login page. Finish logging in, then send /done. Scheduled cycles pause until then.")
}

func (p *Processor) finishImport(ctx context.Context, chatID int64, raw string) {
	n, err := p.sess.ImportCookies(raw)
	if err != nil {
		p.reply(ctx, chatID, "Import failed: "+html.EscapeString(err.Error())+"\nPaste again or send /cancel.")
		return
	}
	p.endImport(chatID)
	if _, err := p.cfg.Update(func(c *config.Config) {
		c.Runtime.AuthMode = config.AuthModeCookie
	}); err != nil {
		p.log.Warn("switching auth mode after import failed", logx.Err(err))
	}
	p.sched.ForceRun()
	p.reply(ctx, chatID, fmt.Sprintf("Imported %d cookies. Logging in on the next cycle.", n))
}

func (p *Processor) cmdCookies(ctx context.Context, chatID int64) {
	count, earliest, err := p.sess.CookieStatus()
	if err != nil {
		p.reply(ctx, chatID, "Cookie jar unreadable: "+html.EscapeString(err.Error()))
		return
	}
	if count == 0 {
		p.reply(ctx, chatID, "Cookie jar is empty. Use /login to import.")
		return
	}
	text := fmt.Sprintf("%d cookies saved.", count)
	if !earliest.IsZero() {
		text += fmt.Sprintf(" Earliest expiry: %s.", earliest.Format("2006-01-02"))
	}
	p.reply(ctx, chatID, text)
}

func (p *Processor) cmdClearCookies(ctx context.Context, chatID int64) {
	if err := p.sess.ClearCookies(); err != nil {
		p.reply(ctx, chatID, "Failed: "+html.EscapeString(err.Error()))
		return
	}
	p.reply(ctx, chatID, "Cookie jar cleared; session reset.")
}

func (p *Processor) cmdDone(ctx context.Context, chatID int64) {
	if !p.sess.ManualPending() {
		p.reply(ctx, chatID, "No manual login in progress.")
		return
	}
	if err := p.sess.CompleteManualLogin(ctx); err != nil {
		p.reply(ctx, chatID, html.EscapeString(err.Error())+"\nFinish logging in, then send /done again.")
		return
	}
	p.sched.ForceRun()
	p.reply(ctx, chatID, "Logged in. Resuming scheduled cycles.")
}

func (p *Processor) cmdCancel(ctx context.Context, chatID int64) {
	if p.awaitingImport(chatID) {
		p.endImport(chatID)
		p.reply(ctx, chatID, "Cookie import cancelled.")
		return
	}
	if p.sess.ManualPending() {
		p.sess.CancelManualLogin()
		p.reply(ctx, chatID, "Manual login cancelled.")
		return
	}
	p.reply(ctx, chatID, "Nothing to cancel.")
}

func (p *Processor) cmdRun(ctx context.Context, chatID int64) {
	p.sched.ForceRun()
	p.reply(ctx, chatID, "Cycle queued. It starts as soon as the current one (if any) finishes.")
}

func (p *Processor) cmdStatus(ctx context.Context, chatID int64) {
	last, nextTick, backoff := p.sched.Status()

	var b strings.Builder
	b.WriteString("<b>Status</b>\n")
	fmt.Fprintf(&b, "Session: %s", p.sess.State())
	if p.sess.ManualPending() {
		b.WriteString(" (manual login pending)")
	}
	b.WriteString("\n")
	if last == nil {
		b.WriteString("No cycle has run yet.\n")
	} else if last.SkippedReason != "" {
		fmt.Fprintf(&b, "Last cycle (%s): skipped, %s\n",
			last.StartedAt.Format("15:04:05"), last.SkippedReason)
	} else {
		fmt.Fprintf(&b, "Last cycle (%s): seen %d, accepted %d, rejected %d, errors %d\n",
			last.StartedAt.Format("15:04:05"), last.Seen, last.Accepted, last.Rejected, last.Errors)
	}
	if !nextTick.IsZero() {
		fmt.Fprintf(&b, "Next tick: %s\n", nextTick.Format("15:04:05"))
	}
	if backoff > 0 {
		fmt.Fprintf(&b, "Session backoff: %s\n", backoff)
	}
	p.reply(ctx, chatID, b.String())
}

func (p *Processor) cmdDigest(ctx context.Context, chatID int64, args string) {
	args = strings.ToLower(strings.TrimSpace(args))
	switch {
	case args == "now":
		text, _, err := p.digest.BuildToday(ctx)
		if err != nil {
			p.reply(ctx, chatID, "Digest failed: "+html.EscapeString(err.Error()))
			return
		}
		p.reply(ctx, chatID, text)
	case args == "on":
		p.update(ctx, chatID, "Daily digest enabled.", func(c *config.Config) {
			c.Runtime.Digest.Enabled = true
		})
	case args == "off":
		p.update(ctx, chatID, "Daily digest disabled.", func(c *config.Config) {
			c.Runtime.Digest.Enabled = false
		})
	case args != "":
		p.update(ctx, chatID, fmt.Sprintf("Daily digest at %s.", args), func(c *config.Config) {
			c.Runtime.Digest.Enabled = true
			c.Runtime.Digest.At = args
		})
	default:
		p.reply(ctx, chatID, "Usage: /digest on|off|HH:MM|now")
	}
}
