package scrape

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"scrapius/internal/feed"
	"scrapius/internal/session"
	"scrapius/pkg/logx"
)

type BrowserConfig struct {
	// BaseURL is the target origin. Default "https://www.facebook.com".
	BaseURL string
	// Headless toggles headless Chrome. Manual login wants a visible window.
	Headless bool
	// NavTimeout bounds each navigation. Default 30s.
	NavTimeout time.Duration
	// CookieDomain is the domain applied to imported cookies lacking one.
	CookieDomain string
}

func (c *BrowserConfig) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://www.facebook.com"
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.CookieDomain == "" {
		c.CookieDomain = ".facebook.com"
	}
}

// Browser wraps a rod Chrome instance. It implements both Scraper and
// session.Browser: scraping and login flows share the single browser, which
// is why the scheduler serializes cycles.
type Browser struct {
	cfg BrowserConfig
	log logx.Logger

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	// loginPage is held open during a manual login flow.
	loginPage *rod.Page
}

func NewBrowser(cfg BrowserConfig, log logx.Logger) *Browser {
	cfg.defaults()
	return &Browser{cfg: cfg, log: log}
}

// ensure lazily launches Chrome on first use.
func (b *Browser) ensure() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		return b.browser, nil
	}

	l := launcher.New().
		Headless(b.cfg.Headless).
		Set("disable-blink-features", "AutomationControlled")
	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("%w: launch: %v", ErrScrape, err)
	}
	br := rod.New().ControlURL(u)
	if err := br.Connect(); err != nil {
		return nil, fmt.Errorf("%w: connect: %v", ErrScrape, err)
	}
	b.lnch = l
	b.browser = br
	b.log.Info("browser launched", logx.Bool("headless", b.cfg.Headless))
	return br, nil
}

func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loginPage != nil {
		_ = b.loginPage.Close()
		b.loginPage = nil
	}
	if b.browser != nil {
		_ = b.browser.Close()
		b.browser = nil
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
		b.lnch = nil
	}
	return nil
}

// openPage creates a stealth page and navigates it.
func (b *Browser) openPage(ctx context.Context, url string) (*rod.Page, error) {
	br, err := b.ensure()
	if err != nil {
		return nil, err
	}
	page, err := stealth.Page(br)
	if err != nil {
		return nil, fmt.Errorf("%w: create page: %v", ErrScrape, err)
	}

	navCtx, cancel := context.WithTimeout(ctx, b.cfg.NavTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(url); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("%w: navigate %s: %v", ErrScrape, url, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		b.log.Warn("wait load timeout", logx.String("url", url), logx.Err(err))
	}
	return page, nil
}

// ---- session.Browser ----

// Probe checks whether the browser session is logged in: the target serves a
// login form (an email input) to anonymous visitors.
func (b *Browser) Probe(ctx context.Context) error {
	page, err := b.openPage(ctx, b.cfg.BaseURL)
	if err != nil {
		return err
	}
	defer page.Close()

	res, err := page.Context(ctx).Eval(`() => !!document.querySelector('input[name="email"], form[action*="login"]')`)
	if err != nil {
		return fmt.Errorf("probe eval: %w", err)
	}
	if res.Value.Bool() {
		return fmt.Errorf("login form present, not authenticated")
	}
	return nil
}

func (b *Browser) LoginWithCredentials(ctx context.Context, email, password string) error {
	page, err := b.openPage(ctx, b.cfg.BaseURL+"/login")
	if err != nil {
		return err
	}
	defer page.Close()

	pctx := page.Context(ctx)
	emailEl, err := pctx.Element(`input[name="email"]`)
	if err != nil {
		return fmt.Errorf("login form not found: %w", err)
	}
	if err := emailEl.Input(email); err != nil {
		return fmt.Errorf("fill email: %w", err)
	}
	passEl, err := pctx.Element(`input[name="pass"]`)
	if err != nil {
		return fmt.Errorf("password field not found: %w", err)
	}
	if err := passEl.Input(password); err != nil {
		return fmt.Errorf("fill password: %w", err)
	}
	btn, err := pctx.Element(`button[name="login"], button[type="submit"]`)
	if err != nil {
		return fmt.Errorf("login button not found: %w", err)
	}
	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click login: %w", err)
	}
	if err := pctx.WaitLoad(); err != nil {
		b.log.Warn("post-login load timeout", logx.Err(err))
	}

	res, err := pctx.Eval(`() => !!document.querySelector('input[name="email"]')`)
	if err == nil && res.Value.Bool() {
		return fmt.Errorf("credentials rejected")
	}
	return nil
}

func (b *Browser) ApplyCookies(ctx context.Context, cookies []session.Cookie) error {
	br, err := b.ensure()
	if err != nil {
		return err
	}
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		domain := c.Domain
		if domain == "" {
			domain = b.cfg.CookieDomain
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   domain,
			Path:     path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			p.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		params = append(params, p)
	}
	if err := br.SetCookies(params); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

func (b *Browser) ExportCookies(ctx context.Context) ([]session.Cookie, error) {
	br, err := b.ensure()
	if err != nil {
		return nil, err
	}
	raw, err := br.GetCookies()
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	out := make([]session.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, session.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	return out, nil
}

// OpenLoginPage opens the login page and keeps it open for the operator to
// finish out of band.
func (b *Browser) OpenLoginPage(ctx context.Context) error {
	page, err := b.openPage(ctx, b.cfg.BaseURL+"/login")
	if err != nil {
		return err
	}
	b.mu.Lock()
	if b.loginPage != nil {
		_ = b.loginPage.Close()
	}
	b.loginPage = page
	b.mu.Unlock()
	return nil
}

// ---- Scraper ----

// extractPosts pulls visible feed posts out of the page. Kept deliberately
// minimal: role=article containers, their text, and the first permalink.
const extractPosts = `(limit) => {
	const out = [];
	const articles = document.querySelectorAll('[role="article"]');
	for (const a of articles) {
		if (out.length >= limit) break;
		const text = (a.innerText || '').trim();
		if (text.length < 20) continue;
		let link = '';
		const anchor = a.querySelector('a[href*="/posts/"], a[href*="/permalink/"], a[href*="story_fbid"]');
		if (anchor) link = anchor.href;
		out.push({ text: text, link: link });
	}
	return out;
}`

func (b *Browser) FetchCandidates(ctx context.Context, source string, limit int) ([]feed.Candidate, error) {
	if limit <= 0 {
		limit = 20
	}
	page, err := b.openPage(ctx, source)
	if err != nil {
		return nil, err
	}
	defer page.Close()

	pctx := page.Context(ctx)

	// Scroll a few screens so lazily loaded posts render.
	for i := 0; i < 3; i++ {
		if _, err := pctx.Eval(`() => window.scrollBy(0, window.innerHeight)`); err != nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(1500 * time.Millisecond):
		}
	}

	res, err := pctx.Eval(extractPosts, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: extract %s: %v", ErrScrape, source, err)
	}

	now := time.Now()
	var candidates []feed.Candidate
	for _, item := range res.Value.Arr() {
		text := strings.TrimSpace(item.Get("text").Str())
		if text == "" {
			continue
		}
		candidates = append(candidates, feed.Candidate{
			ID:           ContentID(text),
			Source:       source,
			Content:      text,
			Permalink:    item.Get("link").Str(),
			DiscoveredAt: now,
		})
	}
	b.log.Debug("source scraped",
		logx.String("source", source), logx.Int("candidates", len(candidates)))
	return candidates, nil
}
